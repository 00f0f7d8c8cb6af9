package pendingedit

import (
	"context"
	"strings"
	"time"

	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/agentworkforce/relaysync/internal/docstore"
)

const UsersCollection = "users"

// DocumentCommitter merges profiles into users/{owner}.
type DocumentCommitter struct {
	Store      docstore.Store
	Collection string
	Clock      clock.Clock
}

func (c DocumentCommitter) CommitProfile(ctx context.Context, ownerID string, p Profile) error {
	collection := c.Collection
	if collection == "" {
		collection = UsersCollection
	}
	now := clock.Real().Now()
	if c.Clock != nil {
		now = c.Clock.Now()
	}
	return c.Store.Set(ctx, docstore.Path(collection, ownerID), map[string]any{
		"name":      strings.TrimSpace(p.Name),
		"phone":     strings.TrimSpace(p.Phone),
		"email":     strings.TrimSpace(p.Email),
		"updatedAt": now.UTC().Format(time.RFC3339Nano),
	}, true)
}
