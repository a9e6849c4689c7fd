package keystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/erp/dte/internal/domain/compliance"
	"github.com/erp/dte/internal/infrastructure/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ensure S3Store implements KeyMaterialStore
var _ compliance.KeyMaterialStore = (*S3Store)(nil)

// S3API is the subset of the S3 client the store uses
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store keeps signing identities in an S3-compatible bucket (AWS S3, MinIO,
// RustFS). Objects are written with server-side encryption.
type S3Store struct {
	client S3API
	bucket string
	prefix string
	opts   options
}

// NewS3Store creates a store over an existing client
func NewS3Store(client S3API, bucket, prefix string, opts ...Option) (*S3Store, error) {
	if client == nil {
		return nil, errors.New("keystore: s3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("keystore: s3 bucket is required")
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		opts:   buildOptions(opts),
	}, nil
}

// NewS3StoreFromConfig builds the S3 client from configuration
func NewS3StoreFromConfig(ctx context.Context, cfg *config.KeyStoreConfig, opts ...Option) (*S3Store, error) {
	if cfg == nil {
		return nil, errors.New("keystore: configuration is required")
	}
	if cfg.S3Bucket == "" {
		return nil, errors.New("keystore: s3 bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to create AWS config: %w", err)
	}

	endpoint := cfg.S3Endpoint
	if endpoint != "" {
		if _, err := url.Parse(endpoint); err != nil {
			return nil, fmt.Errorf("keystore: invalid s3 endpoint: %w", err)
		}
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3UsePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewS3Store(client, cfg.S3Bucket, cfg.S3Prefix, opts...)
}

func (s *S3Store) tenantPrefix(tenantID uuid.UUID) string {
	return path.Join(s.prefix, tenantKey(tenantID))
}

func (s *S3Store) activeKey(tenantID uuid.UUID, name string) string {
	return path.Join(s.tenantPrefix(tenantID), name)
}

func (s *S3Store) backupKey(tenantID uuid.UUID, id, name string) string {
	return path.Join(s.tenantPrefix(tenantID), backupsDir, id, name)
}

// Put overwrites the active pair
func (s *S3Store) Put(ctx context.Context, tenantID uuid.UUID, certificatePEM, privateKeyPEM []byte) error {
	keyKey := s.activeKey(tenantID, privateKeyFile)
	priorKey, err := s.getObject(ctx, keyKey)
	if err != nil && !isNotFound(err) {
		return storageError("put", err)
	}
	if err := s.putObject(ctx, keyKey, privateKeyPEM); err != nil {
		return storageError("put", err)
	}
	if err := s.putObject(ctx, s.activeKey(tenantID, certificateFile), certificatePEM); err != nil {
		// put the previous key back so the active slot never pairs a new key with an old certificate
		var restoreErr error
		if priorKey != nil {
			restoreErr = s.putObject(ctx, keyKey, priorKey)
		} else {
			restoreErr = s.deleteObject(ctx, keyKey)
		}
		if restoreErr != nil {
			s.opts.logger.Error("failed to restore previous private key",
				zap.String("tenant_id", tenantID.String()), zap.Error(restoreErr))
		}
		return storageError("put", err)
	}
	return nil
}

// Get reads the active pair. A missing half reads as absent.
func (s *S3Store) Get(ctx context.Context, tenantID uuid.UUID) (*compliance.SigningIdentity, error) {
	certPEM, keyPEM, err := s.readPair(ctx, func(name string) string { return s.activeKey(tenantID, name) })
	if err != nil {
		if isNotFound(err) {
			return nil, compliance.ErrIdentityNotFound
		}
		return nil, storageError("get", err)
	}
	return &compliance.SigningIdentity{TenantID: tenantID, CertificatePEM: certPEM, PrivateKeyPEM: keyPEM}, nil
}

// Backup copies the active pair into a timestamped slot and the latest alias
func (s *S3Store) Backup(ctx context.Context, tenantID uuid.UUID) (compliance.BackupHandle, error) {
	if _, err := s.Get(ctx, tenantID); err != nil {
		return compliance.BackupHandle{}, err
	}

	handle, err := nextBackupHandle(s.opts.clock.Now(), func(id string) (bool, error) {
		_, err := s.getObject(ctx, s.backupKey(tenantID, id, certificateFile))
		if err == nil {
			return true, nil
		}
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	})
	if err != nil {
		return compliance.BackupHandle{}, storageError("backup", err)
	}
	for _, id := range []string{handle.ID, compliance.LatestBackup} {
		for _, name := range []string{certificateFile, privateKeyFile} {
			if err := s.copyObject(ctx, s.activeKey(tenantID, name), s.backupKey(tenantID, id, name)); err != nil {
				return compliance.BackupHandle{}, storageError("backup", err)
			}
		}
	}
	s.prune(ctx, tenantID)

	s.opts.logger.Info("signing identity backed up",
		zap.String("tenant_id", tenantID.String()),
		zap.String("backup_id", handle.ID),
		zap.String("bucket", s.bucket),
	)
	return handle, nil
}

// Restore copies a backup back into the active slot
func (s *S3Store) Restore(ctx context.Context, tenantID uuid.UUID, handle compliance.BackupHandle) error {
	if _, err := parseBackupID(handle.ID); err != nil {
		return err
	}
	certPEM, keyPEM, err := s.readPair(ctx, func(name string) string { return s.backupKey(tenantID, handle.ID, name) })
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", compliance.ErrBackupNotFound, handle.ID)
		}
		return storageError("restore", err)
	}
	return s.Put(ctx, tenantID, certPEM, keyPEM)
}

// Delete removes the active pair and leaves backups untouched
func (s *S3Store) Delete(ctx context.Context, tenantID uuid.UUID) error {
	for _, name := range []string{privateKeyFile, certificateFile} {
		if err := s.deleteObject(ctx, s.activeKey(tenantID, name)); err != nil {
			return storageError("delete", err)
		}
	}
	return nil
}

// ListBackups returns the timestamped backups, newest first
func (s *S3Store) ListBackups(ctx context.Context, tenantID uuid.UUID) ([]compliance.BackupHandle, error) {
	prefix := path.Join(s.tenantPrefix(tenantID), backupsDir) + "/"
	handles := []compliance.BackupHandle{}

	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, storageError("list backups", err)
		}
		for _, cp := range out.CommonPrefixes {
			id := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if id == compliance.LatestBackup {
				continue
			}
			if h, err := parseBackupID(id); err == nil {
				handles = append(handles, h)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	sortBackups(handles)
	return handles, nil
}

func (s *S3Store) prune(ctx context.Context, tenantID uuid.UUID) {
	handles, err := s.ListBackups(ctx, tenantID)
	if err != nil {
		s.opts.logger.Warn("failed to list backups for pruning", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		return
	}
	for _, h := range expiredBackups(handles, s.opts.maxBackups) {
		for _, name := range []string{certificateFile, privateKeyFile} {
			if err := s.deleteObject(ctx, s.backupKey(tenantID, h.ID, name)); err != nil {
				s.opts.logger.Warn("failed to prune backup",
					zap.String("tenant_id", tenantID.String()),
					zap.String("backup_id", h.ID),
					zap.Error(err),
				)
			}
		}
	}
}

func (s *S3Store) putObject(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("application/x-pem-file"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	return err
}

func (s *S3Store) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Store) copyObject(ctx context.Context, srcKey, dstKey string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(dstKey),
		CopySource:           aws.String(s.bucket + "/" + srcKey),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	return err
}

func (s *S3Store) deleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func (s *S3Store) readPair(ctx context.Context, keyFor func(name string) string) (certPEM, keyPEM []byte, err error) {
	certPEM, err = s.getObject(ctx, keyFor(certificateFile))
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err = s.getObject(ctx, keyFor(privateKeyFile))
	if err != nil {
		return nil, nil, err
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return nil, nil, &types.NoSuchKey{}
	}
	return certPEM, keyPEM, nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	// Some S3-compatible services report missing keys differently
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound")
}
