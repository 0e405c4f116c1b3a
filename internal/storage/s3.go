package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/rsimle/pkg/errors"
	"github.com/inferloop/rsimle/pkg/interfaces"
)

// S3Config holds configuration for the S3 weight store
type S3Config struct {
	Region          string `json:"region" mapstructure:"region"`
	Bucket          string `json:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `json:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" mapstructure:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty" mapstructure:"session_token"`
	Endpoint        string `json:"endpoint,omitempty" mapstructure:"endpoint"`
	ForcePathStyle  bool   `json:"force_path_style" mapstructure:"force_path_style"`
	DisableSSL      bool   `json:"disable_ssl" mapstructure:"disable_ssl"`
	Prefix          string `json:"prefix" mapstructure:"prefix"`
	MaxRetries      int    `json:"max_retries" mapstructure:"max_retries"`
	UseCompression  bool   `json:"use_compression" mapstructure:"use_compression"`
	StorageClass    string `json:"storage_class" mapstructure:"storage_class"`
}

// S3WeightStore keeps weight files as objects under
// prefix/weights/runID/version.json.
type S3WeightStore struct {
	config      *S3Config
	s3Client    *s3.S3
	uploader    *s3manager.Uploader
	downloader  *s3manager.Downloader
	logger      *logrus.Logger
	connectedAt time.Time
	mu          sync.RWMutex
	closed      bool
}

// NewS3WeightStore creates a new S3 weight store
func NewS3WeightStore(config *S3Config, logger *logrus.Logger) (*S3WeightStore, error) {
	if config == nil {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "S3 config cannot be nil")
	}

	if config.Bucket == "" {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "S3 bucket is required")
	}

	if logger == nil {
		logger = logrus.New()
	}

	return &S3WeightStore{
		config: config,
		logger: logger,
	}, nil
}

// Connect creates the AWS session and checks the bucket is reachable
func (s *S3WeightStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.s3Client != nil {
		return nil
	}

	awsConfig := &aws.Config{
		Region:     aws.String(s.config.Region),
		MaxRetries: aws.Int(s.config.MaxRetries),
	}

	if s.config.AccessKeyID != "" && s.config.SecretAccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			s.config.AccessKeyID,
			s.config.SecretAccessKey,
			s.config.SessionToken,
		)
	}

	// S3-compatible services
	if s.config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(s.config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(s.config.ForcePathStyle)
	}

	if s.config.DisableSSL {
		awsConfig.DisableSSL = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to create AWS session")
	}

	client := s3.New(sess)
	if _, err := client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	}); err != nil {
		e := errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to access bucket").
			WithContext("bucket", s.config.Bucket)
		e.HTTPStatus = http.StatusServiceUnavailable
		return e
	}

	s.s3Client = client
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)
	s.closed = false
	s.connectedAt = time.Now()

	s.logger.WithFields(logrus.Fields{
		"region": s.config.Region,
		"bucket": s.config.Bucket,
	}).Info("Connected to S3")

	return nil
}

// Close drops the session
func (s *S3WeightStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.s3Client = nil
	s.uploader = nil
	s.downloader = nil
	s.closed = true

	s.logger.Info("S3 connection closed")
	return nil
}

// Ping checks the bucket is still reachable
func (s *S3WeightStore) Ping(ctx context.Context) error {
	client, err := s.conn()
	if err != nil {
		return err
	}

	if _, err := client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	}); err != nil {
		return readFailed(err, "S3 ping failed")
	}
	return nil
}

// GetInfo returns information about the S3 store
func (s *S3WeightStore) GetInfo(ctx context.Context) (*interfaces.StorageInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	capabilities := []string{"versioning", "shared", "durable"}
	if s.config.UseCompression {
		capabilities = append(capabilities, "compression")
	}

	return &interfaces.StorageInfo{
		Type:         StorageTypeS3,
		Location:     "s3://" + path.Join(s.config.Bucket, s.runsPrefix()),
		Connected:    s.s3Client != nil,
		ConnectedAt:  s.connectedAt,
		Capabilities: capabilities,
	}, nil
}

// Save uploads data and returns its s3:// URL
func (s *S3WeightStore) Save(ctx context.Context, runID, version string, data []byte) (string, error) {
	if version == "" {
		version = NewVersion()
	}
	if err := validateRef(runID, version); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.uploader == nil {
		return "", notConnected("S3")
	}

	body := data
	if s.config.UseCompression {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return "", writeFailed(err, "Failed to compress weights")
		}
		if err := gz.Close(); err != nil {
			return "", writeFailed(err, "Failed to compress weights")
		}
		body = buf.Bytes()
	}

	key := s.generateKey(runID, version)
	input := &s3manager.UploadInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]*string{
			"run-id":  aws.String(runID),
			"version": aws.String(version),
		},
	}
	if s.config.UseCompression {
		input.ContentEncoding = aws.String("gzip")
	}
	if s.config.StorageClass != "" {
		input.StorageClass = aws.String(s.config.StorageClass)
	}

	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return "", writeFailed(err, "Failed to upload weights to S3")
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":  runID,
		"version": version,
		"key":     key,
		"bytes":   len(body),
	}).Info("Stored weights")

	return "s3://" + s.config.Bucket + "/" + key, nil
}

// Load downloads runID/version, or the latest version when version is empty
func (s *S3WeightStore) Load(ctx context.Context, runID, version string) ([]byte, error) {
	if err := validateRef(runID, version); err != nil {
		return nil, err
	}

	if version == "" {
		versions, err := s.ListVersions(ctx, runID)
		if err != nil {
			return nil, err
		}
		v, ok := latest(versions)
		if !ok {
			return nil, notFound(runID, version)
		}
		version = v
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.downloader == nil {
		return nil, notConnected("S3")
	}

	buf := aws.NewWriteAtBuffer([]byte{})
	_, err := s.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.generateKey(runID, version)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, notFound(runID, version)
		}
		return nil, readFailed(err, "Failed to download weights from S3")
	}

	data := buf.Bytes()
	if s.config.UseCompression {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, readFailed(err, "Failed to decompress weights")
		}
		defer gz.Close()

		data, err = io.ReadAll(gz)
		if err != nil {
			return nil, readFailed(err, "Failed to decompress weights")
		}
	}
	return data, nil
}

// ListVersions lists the versions of a run in ascending order
func (s *S3WeightStore) ListVersions(ctx context.Context, runID string) ([]string, error) {
	if err := validateKey("run_id", runID); err != nil {
		return nil, err
	}

	client, err := s.conn()
	if err != nil {
		return nil, err
	}

	prefix := path.Join(s.runsPrefix(), runID) + "/"
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(prefix),
	}

	versions := []string{}
	err = client.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				if v := s.extractVersionFromKey(aws.StringValue(obj.Key)); v != "" {
					versions = append(versions, v)
				}
			}
			return true
		})
	if err != nil {
		return nil, readFailed(err, "Failed to list weights in S3")
	}

	slices.Sort(versions)
	return versions, nil
}

// Delete removes a stored version. S3 deletes are idempotent, so a missing
// object is not reported.
func (s *S3WeightStore) Delete(ctx context.Context, runID, version string) error {
	if err := validateKey("version", version); err != nil {
		return err
	}
	if err := validateRef(runID, version); err != nil {
		return err
	}

	client, err := s.conn()
	if err != nil {
		return err
	}

	key := s.generateKey(runID, version)
	if _, err := client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return writeFailed(err, "Failed to delete weights from S3")
	}

	s.logger.WithField("key", key).Info("Deleted weights")
	return nil
}

func (s *S3WeightStore) conn() (*s3.S3, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed || s.s3Client == nil {
		return nil, notConnected("S3")
	}
	return s.s3Client, nil
}

// Helper methods

func (s *S3WeightStore) runsPrefix() string {
	return path.Join(strings.Trim(s.config.Prefix, "/"), "weights")
}

func (s *S3WeightStore) generateKey(runID, version string) string {
	return path.Join(s.runsPrefix(), runID, version+weightFileExt)
}

func (s *S3WeightStore) extractVersionFromKey(key string) string {
	name := path.Base(key)
	if !strings.HasSuffix(name, weightFileExt) {
		return ""
	}
	return strings.TrimSuffix(name, weightFileExt)
}

func isNoSuchKey(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}
