package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// DefaultLockTTL is the lease duration. Azure accepts 15-60 seconds for finite leases.
const DefaultLockTTL = 60 * time.Second

// BlobLocker holds an Azure blob lease on <container>/<lockName>. A holder that
// dies without releasing loses the lease once the TTL runs out.
type BlobLocker struct {
	containerName string
	lockTTL       time.Duration
	lockName      string

	blobLeaseClient *lease.BlobClient
	logger          hclog.Logger
}

// NewBlobLocker ensures the container and lock blob exist and prepares a lease client
func NewBlobLocker(ctx context.Context, connectionString, containerName, lockName string, logger hclog.Logger) (*BlobLocker, error) {
	azblobClient, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	_, err = azblobClient.CreateContainer(ctx, containerName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("failed to create or check container: %w", err)
	}

	blockblobClient, err := blockblob.NewClientFromConnectionString(connectionString, containerName, lockName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create block blob client: %w", err)
	}
	_, err = blockblobClient.UploadBuffer(ctx, []byte{}, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.LeaseIDMissing) {
		return nil, fmt.Errorf("failed to ensure blob exists: %w", err)
	}

	leaseID := uuid.NewString()
	blobLeaseClient, err := lease.NewBlobClient(blockblobClient, &lease.BlobClientOptions{LeaseID: &leaseID})
	if err != nil {
		return nil, fmt.Errorf("failed to create blob lease client: %w", err)
	}

	return &BlobLocker{
		containerName:   containerName,
		lockTTL:         DefaultLockTTL,
		lockName:        lockName,
		blobLeaseClient: blobLeaseClient,
		logger:          logger.With("blob", containerName+"/"+lockName),
	}, nil
}

// AcquireLock tries to acquire the lease and returns its ID
func (bl *BlobLocker) AcquireLock(ctx context.Context) (string, error) {
	bl.logger.Info("Attempting to acquire lock")

	resp, err := bl.blobLeaseClient.AcquireLease(ctx, int32(bl.lockTTL.Seconds()), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
			return "", fmt.Errorf("%s: %w", bl.lockName, ErrLocked)
		}
		return "", fmt.Errorf("failed to acquire lock for blob %s: %w", bl.lockName, err)
	}

	bl.logger.Info("Lock acquired", "leaseID", *resp.LeaseID, "ttl", bl.lockTTL)
	return *resp.LeaseID, nil
}

// RenewLock extends the lease by another TTL
func (bl *BlobLocker) RenewLock(ctx context.Context) error {
	if _, err := bl.blobLeaseClient.RenewLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to renew lock for blob %s: %w", bl.lockName, err)
	}
	bl.logger.Debug("Lock renewed")
	return nil
}

// ReleaseLock releases the lease
func (bl *BlobLocker) ReleaseLock(ctx context.Context, leaseID string) error {
	if _, err := bl.blobLeaseClient.ReleaseLease(ctx, &lease.BlobReleaseOptions{}); err != nil {
		return fmt.Errorf("failed to release lock for blob %s: %w", bl.lockName, err)
	}
	bl.logger.Info("Lock released", "leaseID", leaseID)
	return nil
}

// StartLockRenewal renews the lease at half its TTL until ctx is cancelled
func (bl *BlobLocker) StartLockRenewal(ctx context.Context) {
	bl.logger.Debug("Starting lock renewal", "every", bl.lockTTL/2)
	go func() {
		ticker := time.NewTicker(bl.lockTTL / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := bl.RenewLock(ctx); err != nil && ctx.Err() == nil {
					bl.logger.Error("Failed to renew lock", "error", err)
				}
			case <-ctx.Done():
				bl.logger.Debug("Stopping lock renewal")
				return
			}
		}
	}()
}

// GetBlobLockName returns the blob name used to lock resource
func GetBlobLockName(resource string) string {
	return resource + ".lock"
}
