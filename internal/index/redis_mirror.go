package index

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisMirror implements Mirror using Redis Sets, one set per (collection,
// field, value) key. Grounded on smarterbase/redis_indexer.go's
// SAdd/SRem/SMembers multi-value index, narrowed to the three operations
// Manager's point-equality lookups need; rebuilding a mirror from bbolt
// (RebuildIndex) simply replays AddMember for every document, so no
// separate bulk-load path exists here.
type RedisMirror struct {
	client *redis.Client
}

func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client}
}

func (m *RedisMirror) AddMember(ctx context.Context, set, member string) error {
	if err := m.client.SAdd(ctx, set, member).Err(); err != nil {
		return fmt.Errorf("index: redis mirror add %s: %w", set, err)
	}
	return nil
}

func (m *RedisMirror) RemoveMember(ctx context.Context, set, member string) error {
	if err := m.client.SRem(ctx, set, member).Err(); err != nil {
		return fmt.Errorf("index: redis mirror remove %s: %w", set, err)
	}
	return nil
}

func (m *RedisMirror) Members(ctx context.Context, set string) ([]string, error) {
	members, err := m.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, fmt.Errorf("index: redis mirror members %s: %w", set, err)
	}
	return members, nil
}
