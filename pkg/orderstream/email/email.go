// Package email sends customer notifications.
package email

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// Sender delivers one email. An error is terminal for the attempt; callers
// rely on queue redelivery for retries.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SESAPI is the part of the SES v2 client the sender uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES sends mail through Amazon SES.
type SES struct {
	client SESAPI
	from   string
}

// NewSES returns an SES sender using cfg's region and credentials.
func NewSES(cfg aws.Config, from string) (*SES, error) {
	return NewSESWithClient(sesv2.NewFromConfig(cfg), from)
}

// NewSESWithClient returns an SES sender over client.
func NewSESWithClient(client SESAPI, from string) (*SES, error) {
	if client == nil {
		return nil, errors.New("ses sender requires a client")
	}
	if from == "" {
		return nil, errors.New("ses sender requires a from address")
	}
	return &SES{client: client, from: from}, nil
}

// Send implements Sender.
func (s *SES) Send(ctx context.Context, to, subject, body string) error {
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send to %s: %w", to, err)
	}
	return nil
}

// Sent is one recorded email.
type Sent struct {
	To      string
	Subject string
	Body    string
}

// Recorder keeps sent emails in memory. Fail, when set, is returned
// instead of recording.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
	Fail func(to string) error
}

// Send implements Sender.
func (r *Recorder) Send(_ context.Context, to, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		if err := r.Fail(to); err != nil {
			return err
		}
	}
	r.sent = append(r.sent, Sent{To: to, Subject: subject, Body: body})
	return nil
}

// Sent returns a copy of everything sent.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

var (
	_ Sender = (*SES)(nil)
	_ Sender = (*Recorder)(nil)
)
