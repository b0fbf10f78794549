// Package hwid reports a stable identifier for the host, used to bind
// licenses to a machine. Platforms without a known source return
// ErrUnsupported instead of guessing.
package hwid

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrUnsupported = errors.New("hardware id not supported on this platform")

// Provider yields the identifier of the current host.
type Provider interface {
	HWID() (string, error)
}

// ProviderFunc adapts a plain function to Provider.
type ProviderFunc func() (string, error)

func (f ProviderFunc) HWID() (string, error) { return f() }

// Static always returns the same identifier.
type Static string

func (s Static) HWID() (string, error) {
	if s == "" {
		return "", ErrUnsupported
	}
	return string(s), nil
}

// Unsupported is the provider for platforms with no identifier source.
type Unsupported struct{}

func (Unsupported) HWID() (string, error) { return "", ErrUnsupported }

// Current returns the identifier of this host using the platform provider.
func Current() (string, error) { return Default().HWID() }

// firstFile returns the trimmed content of the first readable, non-empty file.
// A host with none of them has no identifier and reports ErrUnsupported.
func firstFile(paths ...string) (string, error) {
	var lastErr error
	for _, p := range paths {
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p) // #nosec G304 -- fixed system paths
		if err != nil {
			lastErr = err
			continue
		}
		if s := strings.TrimSpace(string(b)); s != "" {
			return s, nil
		}
	}
	if lastErr == nil {
		return "", ErrUnsupported
	}
	return "", fmt.Errorf("%w: %v", ErrUnsupported, lastErr)
}
