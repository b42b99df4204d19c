package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/agentregistry/agent/discovery"
	"github.com/BaSui01/agentregistry/agent/health"
	"github.com/BaSui01/agentregistry/internal/tlsutil"
)

// RedisStore is a Redis-based registry store.
// Suitable for deployments where several registry replicas share state.
// Registrations and lifecycles live in two hashes keyed by agent id.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	owned     bool
}

// NewRedisStore creates a new Redis-based store and verifies the connection
func NewRedisStore(config StoreConfig) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", config.Redis.Host, config.Redis.Port),
		Password:     config.Redis.Password,
		DB:           config.Redis.DB,
		PoolSize:     config.Redis.PoolSize,
		MinIdleConns: config.Redis.MinIdleConns,
	}
	if config.Redis.TLS {
		opts.TLSConfig = tlsutil.DefaultTLSConfig()
		opts.TLSConfig.ServerName = config.Redis.Host
	}
	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store := NewRedisStoreWithClient(client, config.Redis.KeyPrefix)
	store.owned = true
	return store, nil
}

// NewRedisStoreWithClient wraps an existing client. The caller keeps
// ownership of the client.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "agentregistry:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Close closes the client if the store created it
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// Ping checks if the store is healthy
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) registrationsKey() string {
	return s.keyPrefix + "registrations"
}

func (s *RedisStore) lifecyclesKey() string {
	return s.keyPrefix + "lifecycles"
}

// tenantKey indexes agent ids by tenant for operators inspecting Redis.
func (s *RedisStore) tenantKey(tenant string) string {
	return s.keyPrefix + "tenant:" + tenant
}

// SaveRegistration implements discovery.Persistence.
func (s *RedisStore) SaveRegistration(ctx context.Context, reg *discovery.AgentRegistration) error {
	data, err := encodeRegistration(reg)
	if err != nil {
		return backendError("save_registration", "", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.registrationsKey(), reg.AgentID, data)
	pipe.SAdd(ctx, s.tenantKey(reg.Tenant), reg.AgentID)
	_, err = pipe.Exec(ctx)
	return backendError("save_registration", reg.AgentID, err)
}

// DeleteRegistration implements discovery.Persistence.
func (s *RedisStore) DeleteRegistration(ctx context.Context, agentID string) error {
	data, err := s.client.HGet(ctx, s.registrationsKey(), agentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return backendError("delete_registration", agentID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.registrationsKey(), agentID)
	if reg, err := decodeRegistration(data); err == nil {
		pipe.SRem(ctx, s.tenantKey(reg.Tenant), agentID)
	}
	_, err = pipe.Exec(ctx)
	return backendError("delete_registration", agentID, err)
}

// SaveLifecycle implements discovery.Persistence.
func (s *RedisStore) SaveLifecycle(ctx context.Context, lc *health.Lifecycle) error {
	data, err := encodeLifecycle(lc)
	if err != nil {
		return backendError("save_lifecycle", "", err)
	}
	err = s.client.HSet(ctx, s.lifecyclesKey(), lc.AgentID, data).Err()
	return backendError("save_lifecycle", lc.AgentID, err)
}

// DeleteLifecycle implements discovery.Persistence.
func (s *RedisStore) DeleteLifecycle(ctx context.Context, agentID string) error {
	err := s.client.HDel(ctx, s.lifecyclesKey(), agentID).Err()
	return backendError("delete_lifecycle", agentID, err)
}

// LoadAll implements discovery.Persistence. Entries that fail to decode
// are skipped and reported after the rest are loaded.
func (s *RedisStore) LoadAll(ctx context.Context) (*discovery.PersistedState, error) {
	regs, err := s.client.HGetAll(ctx, s.registrationsKey()).Result()
	if err != nil {
		return nil, backendError("load_all", "", err)
	}
	lcs, err := s.client.HGetAll(ctx, s.lifecyclesKey()).Result()
	if err != nil {
		return nil, backendError("load_all", "", err)
	}

	state := &discovery.PersistedState{}
	var errs []error
	for id, data := range regs {
		reg, err := decodeRegistration([]byte(data))
		if err != nil {
			errs = append(errs, fmt.Errorf("registration %s: %w", id, err))
			continue
		}
		state.Registrations = append(state.Registrations, reg)
	}
	for id, data := range lcs {
		lc, err := decodeLifecycle([]byte(data))
		if err != nil {
			errs = append(errs, fmt.Errorf("lifecycle %s: %w", id, err))
			continue
		}
		state.Lifecycles = append(state.Lifecycles, lc)
	}
	sortState(state)
	if len(errs) > 0 {
		return state, backendError("load_all", "", errors.Join(errs...))
	}
	return state, nil
}

// TenantAgents returns the persisted agent ids of a tenant.
func (s *RedisStore) TenantAgents(ctx context.Context, tenant string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.tenantKey(tenant)).Result()
	if err != nil {
		return nil, backendError("tenant_agents", "", err)
	}
	return ids, nil
}

var _ Store = (*RedisStore)(nil)
