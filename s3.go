package remoteprofile

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/zeebo/blake3"
)

// digestMetadataKey はオブジェクトメタデータに保存するBLAKE3ダイジェストのキー
const digestMetadataKey = "Blake3"

// S3API defines the interface for S3 operations used by the store
type S3API interface {
	HeadBucket(input *s3.HeadBucketInput) (*s3.HeadBucketOutput, error)
	HeadObjectWithContext(ctx aws.Context, input *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error)
}

// S3Store はS3（およびMinIO等の互換サービス）をリモートストアとする実装
type S3Store struct {
	config   S3StoreConfig
	s3Client S3API
}

// NewS3Store はS3ストアインスタンスを作成
func NewS3Store(config S3StoreConfig) (*S3Store, error) {
	// 設定の検証
	if err := validateS3Config(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// デフォルト値の設定
	if config.ACL == "" {
		config.ACL = "private"
	}

	// AWS設定の構築
	awsConfig := &aws.Config{
		Region: aws.String(config.Region),
	}

	// 認証情報の設定
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			config.AccessKeyID,
			config.SecretAccessKey,
			config.SessionToken,
		)
	}

	// カスタムエンドポイントの設定（MinIO等）
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	s3Client := s3.New(sess)

	// バケットの存在確認
	_, err = s3Client.HeadBucket(&s3.HeadBucketInput{
		Bucket: aws.String(config.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %s: %w", config.Bucket, err)
	}

	return &S3Store{
		config:   config,
		s3Client: s3Client,
	}, nil
}

// Exists はセッションのオブジェクトが存在するかを返す
func (s *S3Store) Exists(ctx context.Context, sessionName string) (bool, error) {
	_, err := s.s3Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.key(sessionName)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to head object: %w", err)
}

// Save はアーカイブをS3にアップロードする
func (s *S3Store) Save(ctx context.Context, sessionName, localArchivePath string) error {
	if sessionName == "" || localArchivePath == "" {
		return fmt.Errorf("%w: empty session or archive path", ErrInvalidConfig)
	}

	file, err := os.Open(localArchivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	fileInfo, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}
	if !fileInfo.Mode().IsRegular() {
		return fmt.Errorf("%w: archive is not a regular file", ErrInvalidConfig)
	}

	// ダイジェストを計算してから先頭に戻す
	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return fmt.Errorf("failed to hash archive: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind archive: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.config.Bucket),
		Key:           aws.String(s.key(sessionName)),
		Body:          file,
		ContentLength: aws.Int64(fileInfo.Size()),
		ContentType:   aws.String("application/zip"),
		Metadata: map[string]*string{
			digestMetadataKey: aws.String(hex.EncodeToString(hasher.Sum(nil))),
		},
	}

	// ACLの設定
	if s.config.ACL != "" {
		input.ACL = aws.String(s.config.ACL)
	}

	if _, err := s.s3Client.PutObjectWithContext(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// Fetch はS3からアーカイブをダウンロードし、ダイジェストがあれば検証する
func (s *S3Store) Fetch(ctx context.Context, sessionName, destArchivePath string) error {
	out, err := s.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.key(sessionName)),
	})
	if err != nil {
		return fmt.Errorf("failed to get object: %w", err)
	}
	defer func() {
		_ = out.Body.Close()
	}()

	partPath := destArchivePath + ".part"
	part, err := os.Create(partPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", partPath, err)
	}

	hasher := blake3.New()
	_, copyErr := io.Copy(io.MultiWriter(part, hasher), out.Body)
	closeErr := part.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(partPath)
		return fmt.Errorf("failed to download object: %w", errors.Join(copyErr, closeErr))
	}

	if expected := metadataValue(out.Metadata, digestMetadataKey); expected != "" {
		if actual := hex.EncodeToString(hasher.Sum(nil)); actual != expected {
			_ = os.Remove(partPath)
			return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, actual)
		}
	}

	if err := os.Rename(partPath, destArchivePath); err != nil {
		_ = os.Remove(partPath)
		return fmt.Errorf("failed to move archive into place: %w", err)
	}
	return nil
}

// Delete はS3からオブジェクトを削除する
func (s *S3Store) Delete(ctx context.Context, sessionName string) error {
	_, err := s.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.key(sessionName)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// key はセッション名からS3キーを構築する
func (s *S3Store) key(sessionName string) string {
	return path.Join(s.config.Prefix, sessionName+archiveExt)
}

func isNotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		switch awsErr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

// metadataValue はSDKが正規化したキーを大文字小文字を無視して引く
func metadataValue(metadata map[string]*string, key string) string {
	for k, v := range metadata {
		if strings.EqualFold(k, key) && v != nil {
			return *v
		}
	}
	return ""
}

// validateS3Config はS3ストア設定を検証する
func validateS3Config(config S3StoreConfig) error {
	if config.Region == "" {
		return fmt.Errorf("%w: region is required", ErrInvalidConfig)
	}

	if config.Bucket == "" {
		return fmt.Errorf("%w: bucket name is required", ErrInvalidConfig)
	}

	// ACLの妥当性チェック
	validACLs := map[string]bool{
		"private":                   true,
		"public-read":               true,
		"public-read-write":         true,
		"authenticated-read":        true,
		"aws-exec-read":             true,
		"bucket-owner-read":         true,
		"bucket-owner-full-control": true,
		"":                          true, // デフォルト値
	}

	if !validACLs[config.ACL] {
		return fmt.Errorf("%w: invalid ACL value: %s", ErrInvalidConfig, config.ACL)
	}

	return nil
}
