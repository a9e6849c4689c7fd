// Package keystore implements the tenant-scoped Key Material Store on a local
// filesystem or an S3-compatible bucket. Both backends share one layout:
//
//	<tenant>/certificate.pem
//	<tenant>/private_key.pem
//	<tenant>/backups/<20060102T150405.000000000Z>/{certificate,private_key}.pem
//	<tenant>/backups/latest/{certificate,private_key}.pem
package keystore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	certificateFile = "certificate.pem"
	privateKeyFile  = "private_key.pem"
	backupsDir      = "backups"

	// BackupIDLayout is the timestamp layout of backup handles
	BackupIDLayout = "20060102T150405.000000000Z"

	// DefaultMaxBackups bounds the backup history kept per tenant
	DefaultMaxBackups = 10
)

// options shared by both backends
type options struct {
	clock      shared.Clock
	logger     *zap.Logger
	maxBackups int
}

// Option configures a store
type Option func(*options)

// WithClock sets the clock used to stamp backups
func WithClock(c shared.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets a custom logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMaxBackups bounds the backup history; zero or less keeps everything
func WithMaxBackups(n int) Option {
	return func(o *options) {
		o.maxBackups = n
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:      shared.SystemClock{},
		logger:     zap.NewNop(),
		maxBackups: DefaultMaxBackups,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newBackupHandle(now time.Time) compliance.BackupHandle {
	now = now.UTC()
	return compliance.BackupHandle{ID: now.Format(BackupIDLayout), CreatedAt: now}
}

// nextBackupHandle stamps a backup at now. A slot that is already taken moves
// the stamp forward one nanosecond, so two backups never share a handle.
func nextBackupHandle(now time.Time, taken func(id string) (bool, error)) (compliance.BackupHandle, error) {
	handle := newBackupHandle(now)
	for {
		exists, err := taken(handle.ID)
		if err != nil {
			return compliance.BackupHandle{}, err
		}
		if !exists {
			return handle, nil
		}
		handle = newBackupHandle(handle.CreatedAt.Add(time.Nanosecond))
	}
}

// parseBackupID validates a handle ID. Only the latest alias and timestamp
// IDs are accepted, so a handle can never address a path outside the tenant.
func parseBackupID(id string) (compliance.BackupHandle, error) {
	if id == compliance.LatestBackup {
		return compliance.BackupHandle{ID: id}, nil
	}
	ts, err := time.Parse(BackupIDLayout, id)
	if err != nil {
		return compliance.BackupHandle{}, fmt.Errorf("%w: invalid handle %q", compliance.ErrBackupNotFound, id)
	}
	return compliance.BackupHandle{ID: id, CreatedAt: ts}, nil
}

// sortBackups orders handles newest first
func sortBackups(handles []compliance.BackupHandle) {
	sort.Slice(handles, func(i, j int) bool {
		return handles[i].CreatedAt.After(handles[j].CreatedAt)
	})
}

// expiredBackups returns the handles beyond the retention bound, oldest last
func expiredBackups(handles []compliance.BackupHandle, max int) []compliance.BackupHandle {
	if max <= 0 || len(handles) <= max {
		return nil
	}
	sortBackups(handles)
	return handles[max:]
}

func tenantKey(tenantID uuid.UUID) string {
	return tenantID.String()
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", compliance.ErrStorageIO, op, err)
}

// New creates the store selected by configuration
func New(ctx context.Context, cfg *config.KeyStoreConfig, opts ...Option) (compliance.KeyMaterialStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("keystore: configuration is required")
	}
	switch cfg.Backend {
	case "", "fs":
		return NewFileStore(cfg.RootDir, opts...)
	case "s3":
		return NewS3StoreFromConfig(ctx, cfg, opts...)
	default:
		return nil, fmt.Errorf("keystore: unknown backend %q", cfg.Backend)
	}
}
