package lifecycle

import (
	"fmt"
	"sync"
)

// Token is the global execution turn token. At any instant at most one
// entity (the kernel handling one slot's syscall, or an application process)
// runs logic; everything else is blocked on a message. The token makes that
// exclusivity explicit instead of trusting host scheduling to serialize
// correctly.
//
// The token is created at supervisor startup and torn down with it; it is
// never ambient global state.
type Token struct {
	mu     sync.Mutex
	free   *sync.Cond
	held   bool
	holder string
}

// NewToken creates an unheld token.
func NewToken() *Token {
	t := &Token{}
	t.free = sync.NewCond(&t.mu)
	return t
}

// Acquire blocks until the token is free and takes it for holder.
// Re-entrant acquisition is a programming-level fault and panics: it means
// two executions were interleaved inside one slot's turn. The check runs
// under the same lock as the handoff itself, so a re-acquire is caught no
// matter how it interleaves with other holders' acquires and releases.
func (t *Token) Acquire(holder string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for t.held {
		if t.holder == holder && holder != "" {
			panic(fmt.Sprintf("turn token re-acquired by %s", holder))
		}
		t.free.Wait()
	}
	t.held = true
	t.holder = holder
}

// Release returns the token. Releasing a token held by someone else is a
// programming-level fault and panics.
func (t *Token) Release(holder string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.held || t.holder != holder {
		panic(fmt.Sprintf("turn token released by %s while held by %q", holder, t.holder))
	}
	t.held = false
	t.holder = ""
	t.free.Signal()
}

// Holder reports who currently holds the token, empty when free.
func (t *Token) Holder() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.holder
}

// Held reports whether anyone holds the token.
func (t *Token) Held() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held
}
