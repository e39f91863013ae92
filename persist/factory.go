package persist

import (
	"fmt"
	"strings"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		return NewFileSystemStoreFromConfig(config)

	case StoreTypeVault:
		return NewVaultStoreFromConfig(config)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateID validates an identifier used as a storage path segment.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	// Basic validation to prevent path traversal and other issues
	if strings.Contains(id, "..") ||
		strings.Contains(id, "/") ||
		strings.Contains(id, "\\") ||
		strings.Contains(id, " ") {
		return fmt.Errorf("identifier contains invalid characters")
	}

	// Length check
	if len(id) > 100 {
		return fmt.Errorf("identifier too long (max 100 characters)")
	}

	return nil
}
