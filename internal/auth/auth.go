// Package auth provides the access token and login/logout notifications the
// realtime connection depends on.
package auth

import (
	"errors"
	"sort"
	"sync"
)

// ErrNoToken is returned by AccessToken when no user is logged in.
var ErrNoToken = errors.New("no access token")

// TokenProvider answers token questions synchronously and without side effects.
type TokenProvider interface {
	AccessToken() (string, error)
	IsAuthenticated() bool
	IsAccessTokenExpired() bool
}

// EventSource notifies subscribers of login (true) and logout (false). For a
// token-backed source, expiry is a logout and a refreshed token is a login.
type EventSource interface {
	Subscribe(fn func(authenticated bool)) (unsubscribe func())
}

// Usable reports whether p holds a token that may be sent to the server.
func Usable(p TokenProvider) bool {
	return p != nil && p.IsAuthenticated() && !p.IsAccessTokenExpired()
}

// Broadcaster is an in-process EventSource. It starts logged out and only
// notifies when the authenticated flag actually changes.
type Broadcaster struct {
	mu            sync.Mutex
	nextID        int
	subs          map[int]func(bool)
	authenticated bool
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]func(bool))}
}

// Subscribe registers fn. The returned func removes it and is safe to call twice.
func (b *Broadcaster) Subscribe(fn func(authenticated bool)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish records the new flag and, if it changed, calls subscribers in
// subscription order. Returns whether subscribers were notified.
func (b *Broadcaster) Publish(authenticated bool) bool {
	b.mu.Lock()
	if b.authenticated == authenticated {
		b.mu.Unlock()
		return false
	}
	b.authenticated = authenticated

	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.subs[id])
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(authenticated)
	}
	return true
}

// Authenticated returns the last published flag.
func (b *Broadcaster) Authenticated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authenticated
}
