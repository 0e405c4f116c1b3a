package storage

import (
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/rsimle/pkg/errors"
	"github.com/inferloop/rsimle/pkg/interfaces"
)

// Supported weight store backends
const (
	StorageTypeFile  = "file"
	StorageTypeRedis = "redis"
	StorageTypeS3    = "s3"
)

// Config selects and configures a weight store
type Config struct {
	Type  string      `json:"type" mapstructure:"type"`
	Path  string      `json:"path" mapstructure:"path"`
	Redis RedisConfig `json:"redis" mapstructure:"redis"`
	S3    S3Config    `json:"s3" mapstructure:"s3"`
}

// CreateFunc builds a weight store from configuration
type CreateFunc func(config *Config, logger *logrus.Logger) (interfaces.WeightStore, error)

// Factory creates weight stores by backend type
type Factory struct {
	creators map[string]CreateFunc
	mu       sync.RWMutex
	logger   *logrus.Logger
}

// NewFactory creates a new storage factory with the built-in backends
func NewFactory(logger *logrus.Logger) *Factory {
	if logger == nil {
		logger = logrus.New()
	}

	factory := &Factory{
		creators: make(map[string]CreateFunc),
		logger:   logger,
	}

	factory.registerDefaults()

	return factory
}

// CreateStorage creates an unconnected weight store for config.Type
func (f *Factory) CreateStorage(config *Config) (interfaces.WeightStore, error) {
	if config == nil {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "Storage config cannot be nil")
	}

	f.mu.RLock()
	createFunc, exists := f.creators[config.Type]
	f.mu.RUnlock()

	if !exists {
		return nil, errors.WrapError(errors.ErrStorageNotFound, errors.ErrorTypeConfiguration, errors.CodeInvalidConfig,
			fmt.Sprintf("Storage type '%s' is not supported", config.Type))
	}

	store, err := createFunc(config, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s storage: %w", config.Type, err)
	}

	f.logger.WithField("storage_type", config.Type).Debug("Created storage instance")

	return store, nil
}

// GetSupportedTypes returns all supported storage types, sorted
func (f *Factory) GetSupportedTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.creators))
	for storageType := range f.creators {
		types = append(types, storageType)
	}
	slices.Sort(types)

	return types
}

// RegisterStorage registers a new storage type
func (f *Factory) RegisterStorage(storageType string, createFunc CreateFunc) error {
	if storageType == "" {
		return errors.NewValidationError(errors.CodeInvalidInput, "Storage type cannot be empty")
	}

	if createFunc == nil {
		return errors.NewValidationError(errors.CodeInvalidInput, "Storage create function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.creators[storageType] = createFunc
	return nil
}

// IsSupported checks if a storage type is supported
func (f *Factory) IsSupported(storageType string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	_, exists := f.creators[storageType]
	return exists
}

func (f *Factory) registerDefaults() {
	f.creators[StorageTypeFile] = func(config *Config, logger *logrus.Logger) (interfaces.WeightStore, error) {
		return NewFileWeightStore(config.Path, logger)
	}
	f.creators[StorageTypeRedis] = func(config *Config, logger *logrus.Logger) (interfaces.WeightStore, error) {
		redisConfig := config.Redis
		return NewRedisWeightStore(&redisConfig, logger)
	}
	f.creators[StorageTypeS3] = func(config *Config, logger *logrus.Logger) (interfaces.WeightStore, error) {
		s3Config := config.S3
		return NewS3WeightStore(&s3Config, logger)
	}
}
