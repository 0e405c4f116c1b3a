package storage

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/rsimle/pkg/errors"
	"github.com/inferloop/rsimle/pkg/interfaces"
)

// RedisConfig holds configuration for the Redis weight store
type RedisConfig struct {
	Addr          string        `json:"addr" mapstructure:"addr"`
	Password      string        `json:"password" mapstructure:"password"`
	DB            int           `json:"db" mapstructure:"db"`
	DialTimeout   time.Duration `json:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout   time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	PoolSize      int           `json:"pool_size" mapstructure:"pool_size"`
	MaxRetries    int           `json:"max_retries" mapstructure:"max_retries"`
	TTL           time.Duration `json:"ttl" mapstructure:"ttl"`
	KeyPrefix     string        `json:"key_prefix" mapstructure:"key_prefix"`
	UseClustering bool          `json:"use_clustering" mapstructure:"use_clustering"`
	ClusterAddrs  []string      `json:"cluster_addrs" mapstructure:"cluster_addrs"`
}

// RedisWeightStore keeps weight files as Redis strings. Each run has a
// sorted set of its versions; all members share score 0 so the set orders
// them lexicographically.
type RedisWeightStore struct {
	config      *RedisConfig
	client      redis.UniversalClient
	logger      *logrus.Logger
	connectedAt time.Time
	mu          sync.RWMutex
	closed      bool
}

// NewRedisWeightStore creates a new Redis weight store
func NewRedisWeightStore(config *RedisConfig, logger *logrus.Logger) (*RedisWeightStore, error) {
	if config == nil {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "Redis config cannot be nil")
	}

	if config.Addr == "" && len(config.ClusterAddrs) == 0 {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "Redis address or cluster addresses are required")
	}

	if logger == nil {
		logger = logrus.New()
	}

	return &RedisWeightStore{
		config: config,
		logger: logger,
	}, nil
}

// Connect establishes connection to Redis
func (r *RedisWeightStore) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return nil
	}

	var client redis.UniversalClient
	if r.config.UseClustering && len(r.config.ClusterAddrs) > 0 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        r.config.ClusterAddrs,
			Password:     r.config.Password,
			DialTimeout:  r.config.DialTimeout,
			ReadTimeout:  r.config.ReadTimeout,
			WriteTimeout: r.config.WriteTimeout,
			PoolSize:     r.config.PoolSize,
			MaxRetries:   r.config.MaxRetries,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         r.config.Addr,
			Password:     r.config.Password,
			DB:           r.config.DB,
			DialTimeout:  r.config.DialTimeout,
			ReadTimeout:  r.config.ReadTimeout,
			WriteTimeout: r.config.WriteTimeout,
			PoolSize:     r.config.PoolSize,
			MaxRetries:   r.config.MaxRetries,
		})
	}

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		e := errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to connect to Redis")
		e.HTTPStatus = http.StatusServiceUnavailable
		return e
	}

	r.client = client
	r.closed = false
	r.connectedAt = time.Now()

	r.logger.WithFields(logrus.Fields{
		"addr":       r.config.Addr,
		"db":         r.config.DB,
		"clustering": r.config.UseClustering,
	}).Info("Connected to Redis")

	return nil
}

// Close closes the Redis connection
func (r *RedisWeightStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	r.closed = true
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageError, "Failed to close Redis connection")
	}

	r.logger.Info("Redis connection closed")
	return nil
}

// Ping tests the Redis connection
func (r *RedisWeightStore) Ping(ctx context.Context) error {
	client, err := r.conn()
	if err != nil {
		return err
	}
	if _, err := client.Ping(ctx).Result(); err != nil {
		return readFailed(err, "Redis ping failed")
	}
	return nil
}

// GetInfo returns information about the Redis store
func (r *RedisWeightStore) GetInfo(ctx context.Context) (*interfaces.StorageInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	location := r.config.Addr
	if r.config.UseClustering {
		location = strings.Join(r.config.ClusterAddrs, ",")
	}

	return &interfaces.StorageInfo{
		Type:         StorageTypeRedis,
		Location:     location,
		Connected:    r.client != nil,
		ConnectedAt:  r.connectedAt,
		Capabilities: []string{"versioning", "shared", "ttl"},
	}, nil
}

// Save stores data and records the version in the run's index
func (r *RedisWeightStore) Save(ctx context.Context, runID, version string, data []byte) (string, error) {
	if version == "" {
		version = NewVersion()
	}
	if err := validateRef(runID, version); err != nil {
		return "", err
	}

	client, err := r.conn()
	if err != nil {
		return "", err
	}

	key := r.generateWeightsKey(runID, version)
	indexKey := r.generateIndexKey(runID)

	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, r.config.TTL)
		pipe.ZAdd(ctx, indexKey, &redis.Z{Score: 0, Member: version})
		if r.config.TTL > 0 {
			// the index expires with its newest blob
			pipe.Expire(ctx, indexKey, r.config.TTL)
		}
		return nil
	})
	if err != nil {
		return "", writeFailed(err, "Failed to store weights in Redis")
	}

	r.logger.WithFields(logrus.Fields{
		"run_id":  runID,
		"version": version,
		"key":     key,
		"bytes":   len(data),
	}).Info("Stored weights")

	return key, nil
}

// Load reads runID/version, or the latest version when version is empty
func (r *RedisWeightStore) Load(ctx context.Context, runID, version string) ([]byte, error) {
	if err := validateRef(runID, version); err != nil {
		return nil, err
	}

	client, err := r.conn()
	if err != nil {
		return nil, err
	}

	if version == "" {
		versions, err := r.liveVersions(ctx, client, runID)
		if err != nil {
			return nil, err
		}
		if len(versions) == 0 {
			return nil, notFound(runID, version)
		}
		version = versions[len(versions)-1]
	}

	data, err := client.Get(ctx, r.generateWeightsKey(runID, version)).Bytes()
	if err == redis.Nil {
		return nil, notFound(runID, version)
	}
	if err != nil {
		return nil, readFailed(err, "Failed to read weights from Redis")
	}
	return data, nil
}

// ListVersions lists the versions of a run in ascending order
func (r *RedisWeightStore) ListVersions(ctx context.Context, runID string) ([]string, error) {
	if err := validateKey("run_id", runID); err != nil {
		return nil, err
	}

	client, err := r.conn()
	if err != nil {
		return nil, err
	}

	return r.liveVersions(ctx, client, runID)
}

// liveVersions reads the run's index in ascending order and drops entries
// whose blob no longer exists, such as blobs expired by the TTL.
func (r *RedisWeightStore) liveVersions(ctx context.Context, client redis.UniversalClient, runID string) ([]string, error) {
	indexKey := r.generateIndexKey(runID)
	versions, err := client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, readFailed(err, "Failed to read version index")
	}
	if len(versions) == 0 {
		return versions, nil
	}

	exists := make([]*redis.IntCmd, len(versions))
	_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, v := range versions {
			exists[i] = pipe.Exists(ctx, r.generateWeightsKey(runID, v))
		}
		return nil
	})
	if err != nil {
		return nil, readFailed(err, "Failed to check stored versions")
	}

	counts := make([]int64, len(exists))
	for i, cmd := range exists {
		counts[i] = cmd.Val()
	}
	live, stale := splitLiveVersions(versions, counts)
	if len(stale) > 0 {
		if err := client.ZRem(ctx, indexKey, stale...).Err(); err != nil {
			r.logger.WithError(err).WithField("run_id", runID).Warn("Failed to prune expired versions")
		} else {
			r.logger.WithFields(logrus.Fields{
				"run_id": runID,
				"pruned": len(stale),
			}).Debug("Pruned expired versions from index")
		}
	}
	return live, nil
}

// splitLiveVersions partitions versions by the EXISTS count of their blob
func splitLiveVersions(versions []string, exists []int64) ([]string, []interface{}) {
	live := make([]string, 0, len(versions))
	var stale []interface{}
	for i, v := range versions {
		if exists[i] > 0 {
			live = append(live, v)
		} else {
			stale = append(stale, v)
		}
	}
	return live, stale
}

// Delete removes a stored version and its index entry
func (r *RedisWeightStore) Delete(ctx context.Context, runID, version string) error {
	if err := validateKey("version", version); err != nil {
		return err
	}
	if err := validateRef(runID, version); err != nil {
		return err
	}

	client, err := r.conn()
	if err != nil {
		return err
	}

	var deleted *redis.IntCmd
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, r.generateWeightsKey(runID, version))
		pipe.ZRem(ctx, r.generateIndexKey(runID), version)
		return nil
	})
	if err != nil {
		return writeFailed(err, "Failed to delete weights from Redis")
	}
	if deleted.Val() == 0 {
		return notFound(runID, version)
	}
	return nil
}

func (r *RedisWeightStore) conn() (redis.UniversalClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed || r.client == nil {
		return nil, notConnected("Redis")
	}
	return r.client, nil
}

// Helper methods

func (r *RedisWeightStore) generateWeightsKey(runID, version string) string {
	if r.config.KeyPrefix != "" {
		return fmt.Sprintf("%s:weights:%s:%s", r.config.KeyPrefix, runID, version)
	}
	return fmt.Sprintf("weights:%s:%s", runID, version)
}

func (r *RedisWeightStore) generateIndexKey(runID string) string {
	if r.config.KeyPrefix != "" {
		return fmt.Sprintf("%s:versions:%s", r.config.KeyPrefix, runID)
	}
	return fmt.Sprintf("versions:%s", runID)
}
