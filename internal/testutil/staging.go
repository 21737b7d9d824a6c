package testutil

import (
	"testing"

	"locker-go/internal/locker"
	"locker-go/internal/staging"
)

const (
	// DefaultStagingMaxSize is the default max size for test staging areas (64MB).
	DefaultStagingMaxSize = 64 * 1024 * 1024
)

// NewTestStagingArea creates a new in-memory staging area for testing.
func NewTestStagingArea(t *testing.T) *staging.StagingArea {
	return NewTestStagingAreaWith(t, DefaultStagingMaxSize, nil)
}

// NewTestStagingAreaWith creates an in-memory staging area with a custom
// max size and optional encryptor.
func NewTestStagingAreaWith(t *testing.T, maxSize int64, enc locker.Encryptor) *staging.StagingArea {
	t.Helper()
	sa, err := staging.NewMemoryStagingArea(maxSize, staging.Options{Encryptor: enc})
	if err != nil {
		t.Fatalf("failed to create staging area: %v", err)
	}
	return sa
}
