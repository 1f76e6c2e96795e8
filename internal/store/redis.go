package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/shelfscope/api/internal/model"
)

const maxTxRetries = 8

// ErrConflict is returned when an optimistic update lost every retry.
var ErrConflict = errors.New("concurrent update conflict")

func jobKey(id string) string     { return fmt.Sprintf("job:%s", id) }
func recordsKey(id string) string { return fmt.Sprintf("job:%s:records", id) }

// Cache is the fast path for live job snapshots, keyed job:<id> with a TTL.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Get returns model.ErrJobNotFound on a cache miss.
func (c *Cache) Get(ctx context.Context, id string) (*model.Job, error) {
	data, err := c.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (c *Cache) Set(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, jobKey(job.ID), data, c.ttl).Err()
}

// Update runs fn against the cached job inside a WATCH transaction and
// stores what it returns. fn receives nil on a miss. Returning an error
// from fn aborts without writing.
func (c *Cache) Update(ctx context.Context, id string, fn func(cur *model.Job) (*model.Job, error)) (*model.Job, error) {
	return c.update(ctx, id, c.ttl, fn)
}

// UpdatePinned is Update for a snapshot that must not expire until Unpin.
func (c *Cache) UpdatePinned(ctx context.Context, id string, fn func(cur *model.Job) (*model.Job, error)) (*model.Job, error) {
	return c.update(ctx, id, 0, fn)
}

// Pin removes the expiry of a cached job.
func (c *Cache) Pin(ctx context.Context, id string) error {
	return c.rdb.Persist(ctx, jobKey(id)).Err()
}

// Unpin restores the regular expiry of a cached job.
func (c *Cache) Unpin(ctx context.Context, id string) error {
	return c.rdb.Expire(ctx, jobKey(id), c.ttl).Err()
}

func (c *Cache) update(ctx context.Context, id string, ttl time.Duration, fn func(cur *model.Job) (*model.Job, error)) (*model.Job, error) {
	key := jobKey(id)
	var out *model.Job

	txf := func(tx *redis.Tx) error {
		var cur *model.Job
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			cur = &model.Job{}
			if err := json.Unmarshal(data, cur); err != nil {
				return fmt.Errorf("unmarshal job %s: %w", id, err)
			}
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := c.rdb.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: job %s", ErrConflict, id)
}

func (c *Cache) SetRecords(ctx context.Context, jobID string, records []model.CollectedRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, recordsKey(jobID), data, c.ttl).Err()
}

// Records returns redis.Nil wrapped as model.ErrJobNotFound on a miss.
func (c *Cache) Records(ctx context.Context, jobID string) ([]model.CollectedRecord, error) {
	data, err := c.rdb.Get(ctx, recordsKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var out []model.CollectedRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
