package email

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSES struct {
	in  []*sesv2.SendEmailInput
	err error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = append(f.in, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("m-1")}, nil
}

func TestSES_Send(t *testing.T) {
	client := &fakeSES{}
	s, err := NewSESWithClient(client, "shop@example.com")
	require.NoError(t, err)

	require.NoError(t, s.Send(context.Background(), "ana@example.com", "Order received", "Thanks"))
	require.Len(t, client.in, 1)
	in := client.in[0]
	assert.Equal(t, "shop@example.com", aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{"ana@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, "Order received", aws.ToString(in.Content.Simple.Subject.Data))
	assert.Equal(t, "Thanks", aws.ToString(in.Content.Simple.Body.Text.Data))
}

func TestSES_Errors(t *testing.T) {
	_, err := NewSESWithClient(nil, "shop@example.com")
	assert.Error(t, err)
	_, err = NewSESWithClient(&fakeSES{}, "")
	assert.Error(t, err)

	s, err := NewSESWithClient(&fakeSES{err: errors.New("MessageRejected")}, "shop@example.com")
	require.NoError(t, err)
	assert.ErrorContains(t, s.Send(context.Background(), "a@x.com", "s", "b"), "MessageRejected")
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	require.NoError(t, r.Send(context.Background(), "a@x.com", "hi", "body"))
	assert.Equal(t, []Sent{{To: "a@x.com", Subject: "hi", Body: "body"}}, r.Sent())

	r.Fail = func(to string) error { return errors.New("bounce " + to) }
	assert.Error(t, r.Send(context.Background(), "b@x.com", "hi", "body"))
	assert.Len(t, r.Sent(), 1)
}
