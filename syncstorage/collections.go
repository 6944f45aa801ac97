package syncstorage

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/breez/sync-storage/store"
)

// Collections resolves collection names to ids and owns head arithmetic.
// Ids never change once assigned, so resolved pairs are memoized.
type Collections struct {
	driver store.SyncStorage
	retry  RetryPolicy
	logger *slog.Logger

	ids   sync.Map // name -> int64
	names sync.Map // int64 -> name
}

func NewCollections(driver store.SyncStorage, retry RetryPolicy, logger *slog.Logger) *Collections {
	return &Collections{driver: driver, retry: retry, logger: logger}
}

func (c *Collections) remember(name string, id int64) {
	c.ids.Store(name, id)
	c.names.Store(id, name)
}

// Resolve returns the id of an existing collection name.
func (c *Collections) Resolve(ctx context.Context, name string) (int64, error) {
	if id, ok := c.ids.Load(name); ok {
		return id.(int64), nil
	}
	id, err := read(ctx, c.retry, c.logger, "collection_id", func() (int64, error) {
		return c.driver.CollectionID(ctx, name)
	})
	if err != nil {
		return 0, err
	}
	c.remember(name, id)
	return id, nil
}

// ResolveOrCreate returns the id of name, creating the collection first if
// needed. Concurrent creators converge on the same id.
func (c *Collections) ResolveOrCreate(ctx context.Context, name string) (int64, error) {
	id, err := c.Resolve(ctx, name)
	if !errors.Is(err, store.ErrNotFound) {
		return id, err
	}
	id, err = c.driver.CreateCollection(ctx, name)
	if err != nil {
		return 0, err
	}
	c.logger.Debug("created collection", "name", name, "id", id)
	c.remember(name, id)
	return id, nil
}

// Name returns the name of a collection id.
func (c *Collections) Name(ctx context.Context, id int64) (string, error) {
	if name, ok := c.names.Load(id); ok {
		return name.(string), nil
	}
	names, err := read(ctx, c.retry, c.logger, "collection_names", func() (map[int64]string, error) {
		return c.driver.CollectionNames(ctx)
	})
	if err != nil {
		return "", err
	}
	for id, name := range names {
		c.remember(name, id)
	}
	name, ok := names[id]
	if !ok {
		return "", store.ErrNotFound
	}
	return name, nil
}

// Head returns the head row of a user's collection, the zero value with ID
// set when the row does not exist yet.
func (c *Collections) Head(ctx context.Context, userID string, id int64) (store.Collection, error) {
	head, err := read(ctx, c.retry, c.logger, "get_collection", func() (store.Collection, error) {
		return c.driver.GetCollection(ctx, userID, id)
	})
	if errors.Is(err, store.ErrNotFound) {
		return store.Collection{ID: id}, nil
	}
	head.ID = id
	return head, err
}

// Touch returns head moved to stamp with its counters adjusted.
func Touch(head store.Collection, stamp store.Stamp, countDelta, bytesDelta int64) store.Collection {
	head.Modified = stamp
	head.Count = max(head.Count+countDelta, 0)
	head.Bytes = max(head.Bytes+bytesDelta, 0)
	return head
}

// List returns every head row of the user, including collections whose last
// record was removed.
func (c *Collections) List(ctx context.Context, userID string) ([]store.Collection, error) {
	heads, err := read(ctx, c.retry, c.logger, "list_collections", func() ([]store.Collection, error) {
		return c.driver.ListCollections(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	for _, h := range heads {
		if h.Name != "" {
			c.remember(h.Name, h.ID)
		}
	}
	return heads, nil
}
