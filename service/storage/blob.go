package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	errs "github.com/Blazheiko/partygate/tools/errs"
)

// BlobStore is a thin TTL'd key/value facade for small application objects
// that live next to the sessions.
type BlobStore struct {
	rdb *redis.Client
}

func NewBlobStore(rdb *redis.Client) *BlobStore {
	return &BlobStore{rdb: rdb}
}

func (b *BlobStore) Put(ctx context.Context, key string, raw []byte, ttl time.Duration) error {
	return b.rdb.Set(ctx, key, raw, ttl).Err()
}

func (b *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := b.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errs.ErrRouteNotFound.WithMsg("not found").Wrap()
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "blob get")
	}
	return raw, nil
}
