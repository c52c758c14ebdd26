// Package identity holds the user this agent acts for.
package identity

import (
	"context"
	"sync"
)

// User is the signed-in identity
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// Provider tracks the current user, or none, and notifies watchers of changes
type Provider struct {
	mu       sync.RWMutex
	current  *User
	watchers map[chan *User]struct{}
}

// NewProvider creates a provider with nobody signed in
func NewProvider() *Provider {
	return &Provider{watchers: make(map[chan *User]struct{})}
}

// Current returns the signed-in user
func (p *Provider) Current() (User, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return User{}, false
	}
	return *p.current, true
}

// Set signs u in, replacing any previous user
func (p *Provider) Set(u User) {
	p.publish(&u)
}

// Clear signs the current user out
func (p *Provider) Clear() {
	p.publish(nil)
}

func (p *Provider) publish(u *User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = u
	for ch := range p.watchers {
		// Watchers only care about the latest value.
		select {
		case <-ch:
		default:
		}
		ch <- copyUser(u)
	}
}

// Watch emits the current user immediately and again after every change.
// A nil value means nobody is signed in. The channel closes with ctx.
func (p *Provider) Watch(ctx context.Context) <-chan *User {
	ch := make(chan *User, 1)

	p.mu.Lock()
	ch <- copyUser(p.current)
	p.watchers[ch] = struct{}{}
	p.mu.Unlock()

	out := make(chan *User)
	go func() {
		defer close(out)
		defer func() {
			p.mu.Lock()
			delete(p.watchers, ch)
			p.mu.Unlock()
		}()
		for {
			select {
			case u := <-ch:
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func copyUser(u *User) *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}
