// Package license verifies signed license blobs and derives the enabled
// feature set. Any failure degrades to "no license"; the reason is kept on
// the Result for logging only.
package license

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"
)

const (
	beginMarker = "-----BEGIN LICENSE MSG-----"
	endMarker   = "-----END LICENSE MSG-----"

	// ExpireLayout is the local-time layout of expire_timestamp and issue_timestamp.
	ExpireLayout = "2006-01-02 15:04"

	// BaseFeature is granted by every valid license.
	BaseFeature = "base"
)

var (
	ErrMalformed    = errors.New("license malformed")
	ErrUntrusted    = errors.New("license not signed by a trusted issuer")
	ErrHWIDMismatch = errors.New("license issued to a different host")
	ErrExpired      = errors.New("license expired")
	ErrMissing      = errors.New("no license text")
)

// Blob is a license split into its signed message and armored signature.
type Blob struct {
	Message   string // trimmed message text, as written by the issuer
	Signature string // armored detached signature
}

// SignedBytes is what the issuer signed: the message with every whitespace
// character removed.
func (b Blob) SignedBytes() []byte {
	return []byte(stripSpace(b.Message))
}

// Field returns the value of the first "key=value" line starting with key.
func (b Blob) Field(key string) (string, bool) {
	for _, line := range strings.Split(b.Message, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, key) {
			continue
		}
		_, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		return strings.TrimSpace(val), true
	}
	return "", false
}

// Parse splits a license text into message and signature halves.
func Parse(text string) (Blob, error) {
	parts := strings.Split(text, endMarker)
	if len(parts) != 2 {
		return Blob{}, fmt.Errorf("%w: expected exactly one %q marker", ErrMalformed, endMarker)
	}
	msg := strings.TrimSpace(strings.ReplaceAll(parts[0], beginMarker, ""))
	sig := strings.TrimSpace(parts[1])
	if msg == "" || sig == "" {
		return Blob{}, fmt.Errorf("%w: empty message or signature", ErrMalformed)
	}
	return Blob{Message: msg, Signature: sig}, nil
}

// Features returns BaseFeature followed by the comma separated features list.
func (b Blob) Features() []string {
	out := []string{BaseFeature}
	raw, _ := b.Field("features")
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Expiry parses expire_timestamp in the local zone.
func (b Blob) Expiry() (time.Time, error) {
	raw, ok := b.Field("expire_timestamp")
	if !ok {
		return time.Time{}, fmt.Errorf("%w: missing expire_timestamp", ErrMalformed)
	}
	t, err := time.ParseInLocation(ExpireLayout, raw, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: expire_timestamp: %v", ErrMalformed, err)
	}
	return t, nil
}

// Source locates the license text. Text wins over File.
type Source struct {
	Text string
	File string
}

func (s Source) Read() (string, error) {
	if strings.TrimSpace(s.Text) != "" {
		return s.Text, nil
	}
	if s.File == "" {
		return "", ErrMissing
	}
	b, err := os.ReadFile(s.File) // #nosec G304 -- operator-provided path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrMissing
		}
		return "", fmt.Errorf("read license file: %w", err)
	}
	return string(b), nil
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
