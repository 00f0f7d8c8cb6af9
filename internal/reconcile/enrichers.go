package reconcile

import (
	"context"
	"errors"

	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/relaysync/internal/docstore"
)

// OwnerNameEnricher resolves the owner id in SourceField to the owner's
// display name and stores it in TargetField. Concurrent lookups of the same
// owner share one read.
type OwnerNameEnricher struct {
	Store       docstore.Store
	Collection  string
	SourceField string
	TargetField string

	group singleflight.Group
}

func NewOwnerNameEnricher(store docstore.Store) *OwnerNameEnricher {
	return &OwnerNameEnricher{
		Store:       store,
		Collection:  "users",
		SourceField: "uid",
		TargetField: "ownerName",
	}
}

func (o *OwnerNameEnricher) Enrich(ctx context.Context, e *Entity) error {
	uid, _ := e.Fields[o.SourceField].(string)
	if uid == "" {
		return nil
	}
	v, err, _ := o.group.Do(uid, func() (any, error) {
		doc, err := o.Store.Get(ctx, docstore.Path(o.Collection, uid))
		if errors.Is(err, docstore.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return doc.String("name"), nil
	})
	if err != nil {
		return err
	}
	if name := v.(string); name != "" {
		e.Fields[o.TargetField] = name
	}
	return nil
}
