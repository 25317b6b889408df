package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/RealZimboGuy/campaignflow/internal/engine"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

const updateFieldAttempts = 5

// RedisStore keeps each contact as a JSON document with its tags and lists in
// two companion sets:
//
//	<prefix>contact:<id>        JSON record
//	<prefix>contact:<id>:tags   SET
//	<prefix>contact:<id>:lists  SET
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Connect opens a client and checks it answers within five seconds.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) key(id string) string   { return s.prefix + "contact:" + id }
func (s *RedisStore) tags(id string) string  { return s.key(id) + ":tags" }
func (s *RedisStore) lists(id string) string { return s.key(id) + ":lists" }

// Put inserts or replaces a contact, tags and lists included.
func (s *RedisStore) Put(ctx context.Context, c *domain.Contact) error {
	record := *c
	record.Tags, record.Lists = nil, nil
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode contact %s: %w", c.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key(c.ID), raw, 0)
		p.Del(ctx, s.tags(c.ID), s.lists(c.ID))
		if len(c.Tags) > 0 {
			p.SAdd(ctx, s.tags(c.ID), toAny(c.Tags)...)
		}
		if len(c.Lists) > 0 {
			p.SAdd(ctx, s.lists(c.ID), toAny(c.Lists)...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store contact %s: %w", c.ID, err)
	}
	return nil
}

func (s *RedisStore) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	var (
		get         *redis.StringCmd
		tags, lists *redis.StringSliceCmd
	)
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, s.key(id))
		tags = p.SMembers(ctx, s.tags(id))
		lists = p.SMembers(ctx, s.lists(id))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load contact %s: %w", id, err)
	}
	raw, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, engine.ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load contact %s: %w", id, err)
	}

	var c domain.Contact
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode contact %s: %w", id, err)
	}
	c.Tags = tags.Val()
	c.Lists = lists.Val()
	return &c, nil
}

func (s *RedisStore) HasTag(ctx context.Context, id, tag string) (bool, error) {
	var (
		exists *redis.IntCmd
		member *redis.BoolCmd
	)
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		exists = p.Exists(ctx, s.key(id))
		member = p.SIsMember(ctx, s.tags(id), tag)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("check tag %s on %s: %w", tag, id, err)
	}
	if exists.Val() == 0 {
		return false, engine.ErrContactNotFound
	}
	return member.Val(), nil
}

func (s *RedisStore) AddTag(ctx context.Context, id, tag string) error {
	return s.setOp(ctx, id, func(p redis.Pipeliner) { p.SAdd(ctx, s.tags(id), tag) })
}

func (s *RedisStore) RemoveTag(ctx context.Context, id, tag string) error {
	return s.setOp(ctx, id, func(p redis.Pipeliner) { p.SRem(ctx, s.tags(id), tag) })
}

func (s *RedisStore) AddToList(ctx context.Context, id, listID string) error {
	return s.setOp(ctx, id, func(p redis.Pipeliner) { p.SAdd(ctx, s.lists(id), listID) })
}

func (s *RedisStore) RemoveFromList(ctx context.Context, id, listID string) error {
	return s.setOp(ctx, id, func(p redis.Pipeliner) { p.SRem(ctx, s.lists(id), listID) })
}

// setOp applies a set mutation only while the contact record exists.
func (s *RedisStore) setOp(ctx context.Context, id string, op func(p redis.Pipeliner)) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, s.key(id)).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return engine.ErrContactNotFound
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			op(p)
			return nil
		})
		return err
	}, s.key(id))
	if err != nil && !errors.Is(err, engine.ErrContactNotFound) {
		return fmt.Errorf("update contact %s: %w", id, err)
	}
	return err
}

// UpdateField rewrites the JSON record under WATCH, retrying when another
// writer touched it in between.
func (s *RedisStore) UpdateField(ctx context.Context, id, field string, value any) error {
	update := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, s.key(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return engine.ErrContactNotFound
		}
		if err != nil {
			return err
		}
		var c domain.Contact
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		if c.Fields == nil {
			c.Fields = make(map[string]any)
		}
		c.Fields[field] = value
		out, err := json.Marshal(c)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, s.key(id), out, 0)
			return nil
		})
		return err
	}

	for i := 0; i < updateFieldAttempts; i++ {
		err := s.client.Watch(ctx, update, s.key(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, engine.ErrContactNotFound) {
			return fmt.Errorf("update field %s on %s: %w", field, id, err)
		}
		return err
	}
	return fmt.Errorf("update field %s on %s: %w", field, id, redis.TxFailedErr)
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
