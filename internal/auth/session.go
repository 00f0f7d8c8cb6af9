// Package auth exposes the signed-in user to the sync core.
package auth

import (
	"github.com/agentworkforce/relaysync/internal/pubsub"
)

type User struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Verified bool   `json:"verified"`
}

type Provider interface {
	// CurrentUser returns nil when nobody is signed in.
	CurrentUser() *User
	// Subscribe replays the current user and then reports every change.
	Subscribe(fn func(*User)) (cancel func())
}

// Session is an in-process Provider driven by explicit sign-in and
// sign-out calls.
type Session struct {
	users *pubsub.Broadcaster[*User]
}

func NewSession() *Session {
	return &Session{users: pubsub.NewBroadcasterWith[*User](nil)}
}

func (s *Session) CurrentUser() *User {
	u, _ := s.users.Latest()
	if u == nil {
		return nil
	}
	copied := *u
	return &copied
}

func (s *Session) Subscribe(fn func(*User)) (cancel func()) {
	return s.users.Subscribe(func(u *User) {
		if u == nil {
			fn(nil)
			return
		}
		copied := *u
		fn(&copied)
	})
}

func (s *Session) SignIn(u User) {
	s.users.Publish(&u)
}

func (s *Session) SignOut() {
	if s.CurrentUser() == nil {
		return
	}
	s.users.Publish(nil)
}
