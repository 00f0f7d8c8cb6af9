package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionReplaysCurrentUser(t *testing.T) {
	s := NewSession()
	assert.Nil(t, s.CurrentUser())

	var seen []string
	cancel := s.Subscribe(func(u *User) {
		if u == nil {
			seen = append(seen, "<none>")
			return
		}
		seen = append(seen, u.ID)
	})
	s.SignIn(User{ID: "u1", Email: "ana@example.com", Verified: true})
	s.SignOut()
	s.SignOut()
	cancel()
	s.SignIn(User{ID: "u2"})

	assert.Equal(t, []string{"<none>", "u1", "<none>"}, seen)
	require.NotNil(t, s.CurrentUser())
	assert.Equal(t, "u2", s.CurrentUser().ID)
}

func TestSessionCurrentUserIsACopy(t *testing.T) {
	s := NewSession()
	s.SignIn(User{ID: "u1"})
	u := s.CurrentUser()
	u.ID = "mutated"
	assert.Equal(t, "u1", s.CurrentUser().ID)
}
