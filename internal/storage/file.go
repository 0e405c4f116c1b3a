package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/rsimle/pkg/errors"
	"github.com/inferloop/rsimle/pkg/interfaces"
)

// FileWeightStore keeps weight files on the local filesystem as
// basePath/runID/version.json.
type FileWeightStore struct {
	logger      *logrus.Logger
	basePath    string
	connectedAt time.Time
	mu          sync.RWMutex
}

// NewFileWeightStore creates a file store rooted at basePath
func NewFileWeightStore(basePath string, logger *logrus.Logger) (*FileWeightStore, error) {
	if basePath == "" {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "File store path is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &FileWeightStore{
		logger:   logger,
		basePath: basePath,
	}, nil
}

// Connect creates the storage directory
func (fs *FileWeightStore) Connect(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.MkdirAll(fs.basePath, 0o755); err != nil {
		return writeFailed(err, "Failed to create storage directory")
	}
	fs.connectedAt = time.Now()
	return nil
}

func (fs *FileWeightStore) Close() error {
	return nil
}

// Ping checks the storage directory is reachable
func (fs *FileWeightStore) Ping(ctx context.Context) error {
	info, err := os.Stat(fs.basePath)
	if err != nil {
		return readFailed(err, "Storage directory unavailable")
	}
	if !info.IsDir() {
		return readFailed(fmt.Errorf("%s is not a directory", fs.basePath), "Storage directory unavailable")
	}
	return nil
}

// GetInfo returns information about the file store
func (fs *FileWeightStore) GetInfo(ctx context.Context) (*interfaces.StorageInfo, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	return &interfaces.StorageInfo{
		Type:         StorageTypeFile,
		Location:     fs.basePath,
		Connected:    !fs.connectedAt.IsZero(),
		ConnectedAt:  fs.connectedAt,
		Capabilities: []string{"versioning", "local"},
	}, nil
}

// Save writes data to basePath/runID/version.json. The file is written to a
// temporary name first so readers never observe a partial file.
func (fs *FileWeightStore) Save(ctx context.Context, runID, version string, data []byte) (string, error) {
	if version == "" {
		version = NewVersion()
	}
	if err := validateRef(runID, version); err != nil {
		return "", err
	}

	runDir := filepath.Join(fs.basePath, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", writeFailed(err, "Failed to create run directory")
	}

	path := fs.path(runID, version)
	tmp, err := os.CreateTemp(runDir, ".tmp-*")
	if err != nil {
		return "", writeFailed(err, "Failed to create weight file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", writeFailed(err, "Failed to write weight file")
	}
	if err := tmp.Close(); err != nil {
		return "", writeFailed(err, "Failed to write weight file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", writeFailed(err, "Failed to store weight file")
	}

	fs.logger.WithFields(logrus.Fields{
		"run_id":  runID,
		"version": version,
		"path":    path,
		"bytes":   len(data),
	}).Info("Stored weights")

	return path, nil
}

// Load reads runID/version, or the latest version when version is empty
func (fs *FileWeightStore) Load(ctx context.Context, runID, version string) ([]byte, error) {
	if err := validateRef(runID, version); err != nil {
		return nil, err
	}

	if version == "" {
		versions, err := fs.ListVersions(ctx, runID)
		if err != nil {
			return nil, err
		}
		v, ok := latest(versions)
		if !ok {
			return nil, notFound(runID, version)
		}
		version = v
	}

	data, err := os.ReadFile(fs.path(runID, version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(runID, version)
		}
		return nil, readFailed(err, "Failed to read weight file")
	}
	return data, nil
}

// ListVersions lists all versions for a run in ascending order
func (fs *FileWeightStore) ListVersions(ctx context.Context, runID string) ([]string, error) {
	if err := validateKey("run_id", runID); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(fs.basePath, runID))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, readFailed(err, "Failed to list versions")
	}

	versions := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, weightFileExt) {
			continue
		}
		versions = append(versions, strings.TrimSuffix(name, weightFileExt))
	}
	slices.Sort(versions)
	return versions, nil
}

// Delete removes a stored version, and the run directory once it is empty
func (fs *FileWeightStore) Delete(ctx context.Context, runID, version string) error {
	if version == "" {
		return validateKey("version", version)
	}
	if err := validateRef(runID, version); err != nil {
		return err
	}

	path := fs.path(runID, version)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return notFound(runID, version)
		}
		return writeFailed(err, "Failed to delete weight file")
	}

	// Fails harmlessly while other versions remain.
	_ = os.Remove(filepath.Dir(path))

	fs.logger.WithField("path", path).Info("Deleted weights")
	return nil
}

func (fs *FileWeightStore) path(runID, version string) string {
	return filepath.Join(fs.basePath, runID, version+weightFileExt)
}
