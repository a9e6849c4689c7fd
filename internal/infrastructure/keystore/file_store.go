package keystore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	dirPerm  os.FileMode = 0o700
	filePerm os.FileMode = 0o600
)

// Ensure FileStore implements KeyMaterialStore
var _ compliance.KeyMaterialStore = (*FileStore)(nil)

// FileStore keeps signing identities under a root directory, one directory per
// tenant. Files are owner-only.
type FileStore struct {
	root string
	opts options
}

// NewFileStore creates the root directory if needed and returns the store
func NewFileStore(root string, opts ...Option) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("keystore: root directory is required")
	}
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, storageError("create root", err)
	}
	return &FileStore{root: root, opts: buildOptions(opts)}, nil
}

// Root returns the store's root directory
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) tenantDir(tenantID uuid.UUID) string {
	return filepath.Join(s.root, tenantKey(tenantID))
}

func (s *FileStore) backupDir(tenantID uuid.UUID, id string) string {
	return filepath.Join(s.tenantDir(tenantID), backupsDir, id)
}

// Put overwrites the active pair
func (s *FileStore) Put(ctx context.Context, tenantID uuid.UUID, certificatePEM, privateKeyPEM []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writePair(s.tenantDir(tenantID), certificatePEM, privateKeyPEM); err != nil {
		return storageError("put", err)
	}
	s.opts.logger.Debug("signing identity stored", zap.String("tenant_id", tenantID.String()))
	return nil
}

// Get reads the active pair. A missing or empty half reads as absent.
func (s *FileStore) Get(ctx context.Context, tenantID uuid.UUID) (*compliance.SigningIdentity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	certPEM, keyPEM, err := readPair(s.tenantDir(tenantID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, compliance.ErrIdentityNotFound
		}
		return nil, storageError("get", err)
	}
	return &compliance.SigningIdentity{TenantID: tenantID, CertificatePEM: certPEM, PrivateKeyPEM: keyPEM}, nil
}

// Backup copies the active pair into a new timestamped slot and the latest alias
func (s *FileStore) Backup(ctx context.Context, tenantID uuid.UUID) (compliance.BackupHandle, error) {
	identity, err := s.Get(ctx, tenantID)
	if err != nil {
		return compliance.BackupHandle{}, err
	}

	if err := os.MkdirAll(filepath.Join(s.tenantDir(tenantID), backupsDir), dirPerm); err != nil {
		return compliance.BackupHandle{}, storageError("backup", err)
	}
	handle, err := nextBackupHandle(s.opts.clock.Now(), func(id string) (bool, error) {
		// Mkdir claims the slot exclusively
		err := os.Mkdir(s.backupDir(tenantID, id), dirPerm)
		if errors.Is(err, fs.ErrExist) {
			return true, nil
		}
		return false, err
	})
	if err != nil {
		return compliance.BackupHandle{}, storageError("backup", err)
	}
	if err := writePair(s.backupDir(tenantID, handle.ID), identity.CertificatePEM, identity.PrivateKeyPEM); err != nil {
		os.RemoveAll(s.backupDir(tenantID, handle.ID))
		return compliance.BackupHandle{}, storageError("backup", err)
	}
	if err := writePair(s.backupDir(tenantID, compliance.LatestBackup), identity.CertificatePEM, identity.PrivateKeyPEM); err != nil {
		return compliance.BackupHandle{}, storageError("backup latest", err)
	}
	s.prune(ctx, tenantID)

	s.opts.logger.Info("signing identity backed up",
		zap.String("tenant_id", tenantID.String()),
		zap.String("backup_id", handle.ID),
	)
	return handle, nil
}

// Restore copies a backup back into the active slot
func (s *FileStore) Restore(ctx context.Context, tenantID uuid.UUID, handle compliance.BackupHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := parseBackupID(handle.ID); err != nil {
		return err
	}
	certPEM, keyPEM, err := readPair(s.backupDir(tenantID, handle.ID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", compliance.ErrBackupNotFound, handle.ID)
		}
		return storageError("restore", err)
	}
	return s.Put(ctx, tenantID, certPEM, keyPEM)
}

// Delete removes the active pair and leaves backups untouched
func (s *FileStore) Delete(ctx context.Context, tenantID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := s.tenantDir(tenantID)
	for _, name := range []string{privateKeyFile, certificateFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return storageError("delete", err)
		}
	}
	return nil
}

// ListBackups returns the timestamped backups, newest first
func (s *FileStore) ListBackups(ctx context.Context, tenantID uuid.UUID) ([]compliance.BackupHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.tenantDir(tenantID), backupsDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []compliance.BackupHandle{}, nil
		}
		return nil, storageError("list backups", err)
	}

	handles := make([]compliance.BackupHandle, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || e.Name() == compliance.LatestBackup {
			continue
		}
		h, err := parseBackupID(e.Name())
		if err != nil {
			continue
		}
		handles = append(handles, h)
	}
	sortBackups(handles)
	return handles, nil
}

func (s *FileStore) prune(ctx context.Context, tenantID uuid.UUID) {
	handles, err := s.ListBackups(ctx, tenantID)
	if err != nil {
		s.opts.logger.Warn("failed to list backups for pruning", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		return
	}
	for _, h := range expiredBackups(handles, s.opts.maxBackups) {
		if err := os.RemoveAll(s.backupDir(tenantID, h.ID)); err != nil {
			s.opts.logger.Warn("failed to prune backup",
				zap.String("tenant_id", tenantID.String()),
				zap.String("backup_id", h.ID),
				zap.Error(err),
			)
		}
	}
}

// writePair stages both halves in temporary files before renaming either, so
// a reader never sees a truncated file. When the certificate cannot be moved
// into place the previous key is put back and the slot keeps its old pair.
func writePair(dir string, certPEM, keyPEM []byte) error {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}
	if err := os.Chmod(dir, dirPerm); err != nil {
		return err
	}
	keyPath := filepath.Join(dir, privateKeyFile)
	certPath := filepath.Join(dir, certificateFile)

	priorKey, err := os.ReadFile(keyPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	keyTmp, err := stageFile(keyPath, keyPEM)
	if err != nil {
		return err
	}
	defer os.Remove(keyTmp)
	certTmp, err := stageFile(certPath, certPEM)
	if err != nil {
		return err
	}
	defer os.Remove(certTmp)

	if err := os.Rename(keyTmp, keyPath); err != nil {
		return err
	}
	if err := os.Rename(certTmp, certPath); err != nil {
		var restoreErr error
		if priorKey != nil {
			restoreErr = writeFileAtomic(keyPath, priorKey)
		} else {
			restoreErr = os.Remove(keyPath)
		}
		if restoreErr != nil {
			return fmt.Errorf("%w (restoring previous key: %v)", err, restoreErr)
		}
		return err
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmpName, err := stageFile(path, data)
	if err != nil {
		return err
	}
	defer os.Remove(tmpName)
	return os.Rename(tmpName, path)
}

// stageFile writes data to an owner-only temporary file next to path and
// returns its name. The caller renames or removes it.
func stageFile(path string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if err := writeAndSync(tmp, data); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	return tmpName, nil
}

func writeAndSync(f *os.File, data []byte) error {
	if err := f.Chmod(filePerm); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readPair(dir string) (certPEM, keyPEM []byte, err error) {
	certPEM, err = os.ReadFile(filepath.Join(dir, certificateFile))
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err = os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, nil, err
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return nil, nil, fs.ErrNotExist
	}
	return certPEM, keyPEM, nil
}
