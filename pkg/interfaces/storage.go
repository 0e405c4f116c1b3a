package interfaces

import (
	"context"
	"time"
)

// Storage defines the lifecycle shared by every storage backend
type Storage interface {
	// Connect establishes connection to the storage backend
	Connect(ctx context.Context) error

	// Close closes the connection and cleans up resources
	Close() error

	// Ping tests the connection
	Ping(ctx context.Context) error

	// GetInfo returns information about the storage backend
	GetInfo(ctx context.Context) (*StorageInfo, error)
}

// WeightStore persists encoded generator weight files by run and version.
type WeightStore interface {
	Storage

	// Save stores data under runID/version and returns the backend key
	Save(ctx context.Context, runID, version string, data []byte) (string, error)

	// Load returns the data for runID/version; an empty version selects the latest
	Load(ctx context.Context, runID, version string) ([]byte, error)

	// ListVersions lists the versions of runID in ascending order
	ListVersions(ctx context.Context, runID string) ([]string, error)

	// Delete removes runID/version
	Delete(ctx context.Context, runID, version string) error
}

// StorageInfo contains information about a storage backend
type StorageInfo struct {
	Type         string    `json:"type"`
	Location     string    `json:"location"`
	Connected    bool      `json:"connected"`
	ConnectedAt  time.Time `json:"connected_at,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
}
