package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// buildEpoch is set at link time: -ldflags "-X main.buildEpoch=$(date +%s)".
var buildEpoch string

// buildTime returns the link-time build stamp, or zero when unset.
func buildTime() time.Time {
	if buildEpoch == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(buildEpoch, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

// exitCodeError carries a specific process exit code up to main.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }

func (e *exitCodeError) Unwrap() error { return e.err }

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
