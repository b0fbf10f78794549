// Package shutdown provides the cancellation token shared by every long-running
// loop of the kernel. A token only ever moves from "running" to "triggered".
package shutdown

import (
	"context"
	"sync"
)

// Token is a monotonic shutdown signal. The zero value is not usable; call New.
type Token struct {
	once   sync.Once
	mu     sync.RWMutex
	reason string
	ctx    context.Context
	cancel context.CancelFunc
}

func New() *Token {
	ctx, cancel := context.WithCancel(context.Background())
	return &Token{ctx: ctx, cancel: cancel}
}

// Trigger sets the token. Only the first reason is kept.
func (t *Token) Trigger(reason string) {
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		t.cancel()
	})
}

func (t *Token) Triggered() bool { return t.ctx.Err() != nil }

func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Context is cancelled when the token is triggered.
func (t *Token) Context() context.Context { return t.ctx }

func (t *Token) Reason() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reason
}
