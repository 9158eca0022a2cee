package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// FilterStore persists each agent's active group filter across reconnects.
type FilterStore interface {
	// Get returns nil when the agent has no filter, which means every group.
	Get(ctx context.Context, agentID int64) ([]int64, error)
	Set(ctx context.Context, agentID int64, groupIDs []int64) error
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient connects and pings so a bad address fails at startup.
func NewRedisClient(ctx context.Context, o RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		PoolSize:     o.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

type RedisFilterStore struct {
	Client *redis.Client
	TTL    time.Duration
}

func filterKey(agentID int64) string { return fmt.Sprintf("chat:agent:%d:active_groups", agentID) }

func (s *RedisFilterStore) Get(ctx context.Context, agentID int64) ([]int64, error) {
	raw, err := s.Client.Get(ctx, filterKey(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode filter for agent %d: %w", agentID, err)
	}
	return ids, nil
}

func (s *RedisFilterStore) Set(ctx context.Context, agentID int64, groupIDs []int64) error {
	if len(groupIDs) == 0 {
		return s.Client.Del(ctx, filterKey(agentID)).Err()
	}
	b, err := json.Marshal(normalize(groupIDs))
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, filterKey(agentID), b, s.TTL).Err()
}

type MemoryFilterStore struct {
	mu      sync.RWMutex
	filters map[int64][]int64
}

func NewMemoryFilterStore() *MemoryFilterStore {
	return &MemoryFilterStore{filters: make(map[int64][]int64)}
}

func (s *MemoryFilterStore) Get(_ context.Context, agentID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.filters[agentID]), nil
}

func (s *MemoryFilterStore) Set(_ context.Context, agentID int64, groupIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(groupIDs) == 0 {
		delete(s.filters, agentID)
		return nil
	}
	s.filters[agentID] = normalize(groupIDs)
	return nil
}

func normalize(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
