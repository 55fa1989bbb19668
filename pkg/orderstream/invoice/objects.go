package invoice

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Object store errors.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidKey     = errors.New("invalid object key")
	ErrURLExpired     = errors.New("upload url expired")
	ErrBadSignature   = errors.New("upload url signature mismatch")
)

// ObjectCreated reports a new object in the store.
type ObjectCreated struct {
	Key string `json:"key"`
}

// Objects is the object store used for uploaded invoice files.
type Objects interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	// PresignPut returns a URL that accepts one upload of key until it
	// expires.
	PresignPut(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error)
}

// Signer issues and checks upload URLs of the form
// <BaseURL>/imports/<key>?expires=<unix>&signature=<hex>.
type Signer struct {
	Secret  []byte
	BaseURL string
	Now     func() time.Time
}

func (s Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Signer) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.Secret)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// URL returns a signed upload URL for key valid for ttl.
func (s Signer) URL(key string, ttl time.Duration) (string, time.Time) {
	exp := s.now().Add(ttl).Truncate(time.Second)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(exp.Unix(), 10))
	q.Set("signature", s.sign(key, exp.Unix()))
	return fmt.Sprintf("%s/imports/%s?%s", s.BaseURL, url.PathEscape(key), q.Encode()), exp
}

// Verify checks the expires and signature parameters of an upload of key.
func (s Signer) Verify(key, expires, signature string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad expires", ErrBadSignature)
	}
	if !hmac.Equal([]byte(signature), []byte(s.sign(key, exp))) {
		return ErrBadSignature
	}
	if !s.now().Before(time.Unix(exp, 0)) {
		return ErrURLExpired
	}
	return nil
}

func validKey(key string) error {
	if key == "" || key[0] == '.' || len(key) > 200 {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// MemoryObjects is an in-memory object store.
type MemoryObjects struct {
	Signer Signer

	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryObjects returns an empty store.
func NewMemoryObjects(signer Signer) *MemoryObjects {
	return &MemoryObjects{Signer: signer, objects: make(map[string][]byte)}
}

// Put implements Objects.
func (m *MemoryObjects) Put(_ context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

// Get implements Objects.
func (m *MemoryObjects) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

// Delete implements Objects.
func (m *MemoryObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// PresignPut implements Objects.
func (m *MemoryObjects) PresignPut(_ context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	if err := validKey(key); err != nil {
		return "", time.Time{}, err
	}
	u, exp := m.Signer.URL(key, ttl)
	return u, exp, nil
}

// DirObjects stores objects as files in one directory.
type DirObjects struct {
	Signer Signer
	dir    string
}

// NewDirObjects returns a store rooted at dir, creating it if needed.
func NewDirObjects(dir string, signer Signer) (*DirObjects, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}
	return &DirObjects{Signer: signer, dir: dir}, nil
}

// Put implements Objects. The file appears atomically.
func (d *DirObjects) Put(_ context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(d.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(d.dir, key)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get implements Objects.
func (d *DirObjects) Get(_ context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(d.dir, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

// Delete implements Objects. Deleting a missing object is a no-op.
func (d *DirObjects) Delete(_ context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(d.dir, key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// PresignPut implements Objects.
func (d *DirObjects) PresignPut(_ context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	if err := validKey(key); err != nil {
		return "", time.Time{}, err
	}
	u, exp := d.Signer.URL(key, ttl)
	return u, exp, nil
}

var (
	_ Objects = (*MemoryObjects)(nil)
	_ Objects = (*DirObjects)(nil)
)
