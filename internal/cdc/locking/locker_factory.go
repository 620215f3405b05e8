package locking

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-anonymizer/internal/locking"
	"github.com/katasec/dstream-anonymizer/internal/utils"
)

// Supported lock types
const (
	TypeNone      = "none"
	TypeAzureBlob = "azure_blob"
)

// LockerFactory creates instances of DistributedLocker based on the configuration
type LockerFactory struct {
	configType         string
	connectionString   string
	containerName      string
	dbConnectionString string // Database connection string for server name extraction
	logger             hclog.Logger
}

// NewLockerFactory initializes a new LockerFactory
func NewLockerFactory(configType, connectionString, containerName, dbConnectionString string, logger hclog.Logger) *LockerFactory {
	return &LockerFactory{
		configType:         configType,
		connectionString:   connectionString,
		containerName:      containerName,
		dbConnectionString: dbConnectionString,
		logger:             logger,
	}
}

// CreateLocker creates a DistributedLocker for the named resource
func (f *LockerFactory) CreateLocker(ctx context.Context, resource string) (locking.DistributedLocker, error) {
	switch f.configType {
	case "", TypeNone:
		return locking.NoopLocker{}, nil
	case TypeAzureBlob:
		return locking.NewBlobLocker(ctx, f.connectionString, f.containerName, f.GetLockName(resource), f.logger)
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", f.configType)
	}
}

// GetLockName returns the lock name for resource. Blob locks live under a
// folder named after the database server so several servers can share a container.
func (f *LockerFactory) GetLockName(resource string) string {
	switch f.configType {
	case TypeAzureBlob:
		if f.dbConnectionString != "" {
			serverName, err := utils.ServerName(f.dbConnectionString)
			if err == nil && serverName != "" {
				return strings.ToLower(serverName) + "/" + locking.GetBlobLockName(resource)
			}
		}
		return locking.GetBlobLockName(resource)
	default:
		return resource
	}
}
