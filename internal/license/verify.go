package license

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"

	"github.com/locorum/locikernel/internal/hwid"
)

// Result is the outcome of a license check.
type Result struct {
	Valid    bool
	Features []string
	Owner    string
	Expires  time.Time
	Err      error
}

func (r Result) Has(feature string) bool {
	for _, f := range r.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Verifier checks licenses against a set of trusted issuer keys.
type Verifier struct {
	keyring openpgp.EntityList
	hwid    hwid.Provider
	now     func() time.Time
}

// NewVerifier builds a verifier from armored public keys. Keys that fail to
// parse are skipped and logged.
func NewVerifier(issuers []string, host hwid.Provider, now func() time.Time) *Verifier {
	if host == nil {
		host = hwid.Unsupported{}
	}
	if now == nil {
		now = time.Now
	}
	v := &Verifier{hwid: host, now: now}
	for i, k := range issuers {
		el, err := openpgp.ReadArmoredKeyRing(strings.NewReader(k))
		if err != nil {
			slog.Debug("skipping unreadable issuer key", "index", i, "error", err)
			continue
		}
		v.keyring = append(v.keyring, el...)
	}
	return v
}

// LoadIssuerFiles reads armored issuer keys from disk. Unreadable files are
// skipped.
func LoadIssuerFiles(paths []string) []string {
	var out []string
	for _, p := range paths {
		b, err := os.ReadFile(p) // #nosec G304 -- operator-provided path
		if err != nil {
			slog.Warn("issuer key unreadable", "path", p, "error", err)
			continue
		}
		out = append(out, string(b))
	}
	return out
}

// TrustedKeys reports how many issuer keys were loaded.
func (v *Verifier) TrustedKeys() int { return len(v.keyring) }

// Check verifies text and derives the feature set. It never panics on bad
// input; every failure yields Valid=false.
func (v *Verifier) Check(text string) Result {
	blob, err := Parse(text)
	if err != nil {
		return Result{Err: err}
	}
	if err := v.verifySignature(blob); err != nil {
		return Result{Err: err}
	}
	if want, _ := blob.Field("hwid"); len(want) > 1 {
		got, err := v.hwid.HWID()
		if err != nil {
			return Result{Err: fmt.Errorf("%w: host id unavailable: %v", ErrHWIDMismatch, err)}
		}
		if got != want {
			return Result{Err: ErrHWIDMismatch}
		}
	}
	exp, err := blob.Expiry()
	if err != nil {
		return Result{Err: err}
	}
	if !v.now().Before(exp) {
		return Result{Err: fmt.Errorf("%w at %s", ErrExpired, exp.Format(ExpireLayout)), Expires: exp}
	}
	owner, _ := blob.Field("owner")
	return Result{Valid: true, Features: blob.Features(), Owner: owner, Expires: exp}
}

// CheckSource reads the license from src and checks it.
func (v *Verifier) CheckSource(src Source) Result {
	text, err := src.Read()
	if err != nil {
		return Result{Err: err}
	}
	return v.Check(text)
}

func (v *Verifier) verifySignature(b Blob) error {
	if len(v.keyring) == 0 {
		return fmt.Errorf("%w: no issuer keys loaded", ErrUntrusted)
	}
	block, err := armor.Decode(strings.NewReader(b.Signature))
	if err != nil {
		return fmt.Errorf("%w: signature armor: %v", ErrMalformed, err)
	}
	var sig bytes.Buffer
	if _, err := sig.ReadFrom(block.Body); err != nil {
		return fmt.Errorf("%w: signature body: %v", ErrMalformed, err)
	}
	_, err = openpgp.CheckDetachedSignature(v.keyring, bytes.NewReader(b.SignedBytes()), bytes.NewReader(sig.Bytes()), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUntrusted, err)
	}
	return nil
}
