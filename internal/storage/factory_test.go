package storage

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/rsimle/pkg/errors"
	"github.com/inferloop/rsimle/pkg/interfaces"
)

func TestFactoryCreatesBackends(t *testing.T) {
	factory := NewFactory(testLogger())
	assert.Equal(t, []string{"file", "redis", "s3"}, factory.GetSupportedTypes())

	tests := []struct {
		config *Config
		want   interface{}
	}{
		{&Config{Type: StorageTypeFile, Path: t.TempDir()}, &FileWeightStore{}},
		{&Config{Type: StorageTypeRedis, Redis: RedisConfig{Addr: "localhost:6379"}}, &RedisWeightStore{}},
		{&Config{Type: StorageTypeS3, S3: S3Config{Bucket: "weights"}}, &S3WeightStore{}},
	}

	for _, tt := range tests {
		t.Run(tt.config.Type, func(t *testing.T) {
			store, err := factory.CreateStorage(tt.config)
			require.NoError(t, err)
			assert.IsType(t, tt.want, store)
		})
	}
}

func TestFactoryErrors(t *testing.T) {
	factory := NewFactory(testLogger())

	_, err := factory.CreateStorage(nil)
	assert.ErrorIs(t, err, errors.ErrInvalidConfiguration)

	_, err = factory.CreateStorage(&Config{Type: "tape"})
	assert.ErrorIs(t, err, errors.ErrStorageNotFound)

	_, err = factory.CreateStorage(&Config{Type: StorageTypeRedis})
	assert.ErrorIs(t, err, errors.ErrInvalidConfiguration)

	_, err = factory.CreateStorage(&Config{Type: StorageTypeS3})
	assert.ErrorIs(t, err, errors.ErrInvalidConfiguration)
}

func TestFactoryRegisterStorage(t *testing.T) {
	factory := NewFactory(testLogger())

	assert.Error(t, factory.RegisterStorage("", nil))
	assert.Error(t, factory.RegisterStorage("memory", nil))

	called := false
	require.NoError(t, factory.RegisterStorage("memory", func(config *Config, logger *logrus.Logger) (interfaces.WeightStore, error) {
		called = true
		return NewFileWeightStore(t.TempDir(), logger)
	}))
	assert.True(t, factory.IsSupported("memory"))

	store, err := factory.CreateStorage(&Config{Type: "memory"})
	require.NoError(t, err)
	assert.True(t, called)
	assert.NoError(t, store.Connect(context.Background()))
}
