package license

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locorum/locikernel/internal/hwid"
	"github.com/locorum/locikernel/internal/shutdown"
)

func newIssuer(t *testing.T) (*openpgp.Entity, string) {
	t.Helper()
	e, err := openpgp.NewEntity("Issuer", "", "issuer@example.com", &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	require.NoError(t, err)
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, e.Serialize(w))
	require.NoError(t, w.Close())
	return e, buf.String()
}

func signLicense(t *testing.T, e *openpgp.Entity, msg string) string {
	t.Helper()
	var sig bytes.Buffer
	require.NoError(t, openpgp.ArmoredDetachSign(&sig, e, strings.NewReader(stripSpace(msg)), nil))
	return beginMarker + "\n" + msg + "\n" + endMarker + "\n" + sig.String()
}

func licenseMsg(host, expire string) string {
	return strings.Join([]string{
		"owner=ACME Survey",
		"hwid=" + host,
		"features=radar, maps",
		"issue_timestamp=2026-01-01 00:00",
		"expire_timestamp=" + expire,
	}, "\n")
}

var fixedNow = func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.Local) }

func TestCheckValidPortableLicense(t *testing.T) {
	e, pub := newIssuer(t)
	v := NewVerifier([]string{"not a key", pub}, hwid.Static("host-a"), fixedNow)
	require.Equal(t, 1, v.TrustedKeys())

	res := v.Check(signLicense(t, e, licenseMsg("", "2030-01-01 00:00")))
	require.NoError(t, res.Err)
	assert.True(t, res.Valid)
	assert.Equal(t, []string{"base", "radar", "maps"}, res.Features)
	assert.Equal(t, "ACME Survey", res.Owner)
	assert.True(t, res.Has("maps"))
}

func TestCheckRejections(t *testing.T) {
	e, pub := newIssuer(t)
	other, _ := newIssuer(t)

	cases := []struct {
		name string
		text string
		host hwid.Provider
		want error
	}{
		{"expired", signLicense(t, e, licenseMsg("", "2026-10-19 12:00")), hwid.Static("h"), ErrExpired},
		{"past", signLicense(t, e, licenseMsg("", "2020-01-01 00:00")), hwid.Static("h"), ErrExpired},
		{"bad timestamp", signLicense(t, e, licenseMsg("", "tomorrow")), hwid.Static("h"), ErrMalformed},
		{"hwid mismatch", signLicense(t, e, licenseMsg("host-b", "2030-01-01 00:00")), hwid.Static("host-a"), ErrHWIDMismatch},
		{"hwid unsupported", signLicense(t, e, licenseMsg("host-b", "2030-01-01 00:00")), hwid.Unsupported{}, ErrHWIDMismatch},
		{"untrusted signer", signLicense(t, other, licenseMsg("", "2030-01-01 00:00")), hwid.Static("h"), ErrUntrusted},
		{"no marker", licenseMsg("", "2030-01-01 00:00"), hwid.Static("h"), ErrMalformed},
		{"garbage signature", beginMarker + "\nowner=x\n" + endMarker + "\nnope", hwid.Static("h"), ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := NewVerifier([]string{pub}, tc.host, fixedNow)
			res := v.Check(tc.text)
			assert.False(t, res.Valid)
			assert.Empty(t, res.Features)
			assert.True(t, errors.Is(res.Err, tc.want), "got %v", res.Err)
		})
	}
}

func TestCheckTamperedMessage(t *testing.T) {
	e, pub := newIssuer(t)
	text := signLicense(t, e, licenseMsg("", "2030-01-01 00:00"))
	text = strings.Replace(text, "radar", "radar,nukes", 1)
	res := NewVerifier([]string{pub}, nil, fixedNow).Check(text)
	assert.ErrorIs(t, res.Err, ErrUntrusted)
}

func TestCheckMatchingHWIDAndReflowedMessage(t *testing.T) {
	e, pub := newIssuer(t)
	text := signLicense(t, e, licenseMsg("host-a", "2030-01-01 00:00"))
	// whitespace is not part of the signed bytes
	text = strings.Replace(text, "owner=ACME Survey\n", "owner=ACME Survey\r\n\n", 1)
	res := NewVerifier([]string{pub}, hwid.Static("host-a"), fixedNow).Check(text)
	require.NoError(t, res.Err)
	assert.True(t, res.Valid)
}

func TestSourceTextOverridesFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "loci.license.txt")
	require.NoError(t, os.WriteFile(p, []byte("from file"), 0o600))

	got, err := Source{Text: "from env", File: p}.Read()
	require.NoError(t, err)
	assert.Equal(t, "from env", got)

	got, err = Source{File: p}.Read()
	require.NoError(t, err)
	assert.Equal(t, "from file", got)

	_, err = Source{File: filepath.Join(t.TempDir(), "missing")}.Read()
	assert.ErrorIs(t, err, ErrMissing)
}

func TestShouldArm(t *testing.T) {
	now := time.Now()
	assert.False(t, ShouldArm(true, time.Time{}, now, DefaultGrace))
	assert.True(t, ShouldArm(false, time.Time{}, now, DefaultGrace))
	assert.False(t, ShouldArm(false, now.Add(-time.Hour), now, DefaultGrace))
	assert.True(t, ShouldArm(false, now.Add(-49*time.Hour), now, DefaultGrace))
}

func TestWatchdogForcesExit(t *testing.T) {
	tok := shutdown.New()
	var code int
	w := &Watchdog{Token: tok, Delay: 10 * time.Millisecond, Poll: 5 * time.Millisecond, MaxPolls: 3, Exit: func(c int) { code = c }}
	assert.True(t, w.Run(context.Background()))
	assert.True(t, tok.Triggered())
	assert.Equal(t, ExitFatal, code)
}

func TestWatchdogCooperativeShutdown(t *testing.T) {
	tok := shutdown.New()
	finished := make(chan struct{})
	go func() {
		<-tok.Done()
		close(finished)
	}()
	exited := false
	w := &Watchdog{Token: tok, Finished: finished, Delay: 10 * time.Millisecond, Poll: 50 * time.Millisecond, MaxPolls: 15, Exit: func(int) { exited = true }}
	assert.False(t, w.Run(context.Background()))
	assert.False(t, exited)
}

func TestWatchdogCancelledBeforeDelay(t *testing.T) {
	tok := shutdown.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := &Watchdog{Token: tok, Delay: time.Hour}
	assert.False(t, w.Run(ctx))
	assert.False(t, tok.Triggered())
}
