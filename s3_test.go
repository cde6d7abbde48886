package remoteprofile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/require"
)

type mockS3Object struct {
	body     []byte
	metadata map[string]*string
}

// MockS3Clientの実装
type MockS3Client struct {
	objects    map[string]mockS3Object
	lastACL    string
	lastType   string
	mu         sync.Mutex
	shouldFail bool
	failError  error
}

func newMockS3Client() *MockS3Client {
	return &MockS3Client{objects: make(map[string]mockS3Object)}
}

func notFoundError() error {
	return awserr.NewRequestFailure(awserr.New("NotFound", "Not Found", nil), http.StatusNotFound, "test-request")
}

func (m *MockS3Client) HeadBucket(input *s3.HeadBucketInput) (*s3.HeadBucketOutput, error) {
	if m.shouldFail {
		return nil, m.failError
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *MockS3Client) HeadObjectWithContext(ctx aws.Context, input *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldFail {
		return nil, m.failError
	}
	obj, ok := m.objects[*input.Key]
	if !ok {
		return nil, notFoundError()
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(obj.body)))}, nil
}

func (m *MockS3Client) PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldFail {
		return nil, m.failError
	}

	// ファイル内容を読み込み
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}

	m.objects[*input.Key] = mockS3Object{body: body, metadata: input.Metadata}
	if input.ACL != nil {
		m.lastACL = *input.ACL
	}
	if input.ContentType != nil {
		m.lastType = *input.ContentType
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *MockS3Client) GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldFail {
		return nil, m.failError
	}
	obj, ok := m.objects[*input.Key]
	if !ok {
		return nil, awserr.NewRequestFailure(awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil), http.StatusNotFound, "test-request")
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(obj.body)),
		Metadata: obj.metadata,
	}, nil
}

func (m *MockS3Client) DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldFail {
		return nil, m.failError
	}
	delete(m.objects, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

// テスト用ファイル作成
func createTestFile(t *testing.T, size int64) string {
	tmpFile, err := os.CreateTemp(t.TempDir(), "test_archive_")
	require.NoError(t, err)

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	_, err = tmpFile.Write(data)
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())

	return tmpFile.Name()
}

func TestValidateS3Config(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		config := S3StoreConfig{
			Region:          "us-east-1",
			AccessKeyID:     "test-access-key",
			SecretAccessKey: "test-secret-key",
			Bucket:          "test-bucket",
			Prefix:          "sessions/",
			ACL:             "private",
		}
		require.NoError(t, validateS3Config(config))
	})

	t.Run("InvalidRegion", func(t *testing.T) {
		err := validateS3Config(S3StoreConfig{Bucket: "test-bucket"})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("InvalidBucket", func(t *testing.T) {
		err := validateS3Config(S3StoreConfig{Region: "us-east-1"})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("InvalidACL", func(t *testing.T) {
		err := validateS3Config(S3StoreConfig{Region: "us-east-1", Bucket: "test-bucket", ACL: "invalid-acl"})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("DefaultACL", func(t *testing.T) {
		require.NoError(t, validateS3Config(S3StoreConfig{Region: "us-east-1", Bucket: "test-bucket"}))
	})
}

func TestS3Store_SaveFetchDelete(t *testing.T) {
	mockS3 := newMockS3Client()
	store := &S3Store{
		config:   S3StoreConfig{Bucket: "test-bucket", Prefix: "sessions/", ACL: "private"},
		s3Client: mockS3,
	}
	ctx := context.Background()
	session := "CustomRemoteAuth-client-one"

	exists, err := store.Exists(ctx, session)
	require.NoError(t, err)
	require.False(t, exists)

	// アップロード
	archive := createTestFile(t, 256*1024)
	require.NoError(t, store.Save(ctx, session, archive))

	key := "sessions/CustomRemoteAuth-client-one.zip"
	require.Contains(t, mockS3.objects, key)
	require.Equal(t, "private", mockS3.lastACL)
	require.Equal(t, "application/zip", mockS3.lastType)
	require.NotEmpty(t, metadataValue(mockS3.objects[key].metadata, digestMetadataKey))

	exists, err = store.Exists(ctx, session)
	require.NoError(t, err)
	require.True(t, exists)

	// ダウンロードして内容を比較
	dest := filepath.Join(t.TempDir(), "fetched.zip")
	require.NoError(t, store.Fetch(ctx, session, dest))
	want, _ := os.ReadFile(archive)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.NoFileExists(t, dest+".part")

	// 削除は冪等
	require.NoError(t, store.Delete(ctx, session))
	require.NoError(t, store.Delete(ctx, session))
	exists, err = store.Exists(ctx, session)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestS3Store_FetchChecksumMismatch(t *testing.T) {
	mockS3 := newMockS3Client()
	store := &S3Store{
		config:   S3StoreConfig{Bucket: "test-bucket"},
		s3Client: mockS3,
	}
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "broken", createTestFile(t, 1024)))

	// 保存後に中身を改ざん
	obj := mockS3.objects["broken.zip"]
	obj.body = append([]byte{}, obj.body...)
	obj.body[0] ^= 0xff
	mockS3.objects["broken.zip"] = obj

	dest := filepath.Join(t.TempDir(), "fetched.zip")
	err := store.Fetch(ctx, "broken", dest)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	require.NoFileExists(t, dest)
	require.NoFileExists(t, dest+".part")
}

func TestS3Store_FetchWithoutDigest(t *testing.T) {
	mockS3 := newMockS3Client()
	mockS3.objects["legacy.zip"] = mockS3Object{body: []byte("PK legacy")}
	store := &S3Store{config: S3StoreConfig{Bucket: "test-bucket"}, s3Client: mockS3}

	dest := filepath.Join(t.TempDir(), "legacy.zip")
	require.NoError(t, store.Fetch(context.Background(), "legacy", dest))
	require.FileExists(t, dest)
}

func TestS3Store_ErrorHandling(t *testing.T) {
	// ネットワークエラーをシミュレート
	mockS3 := &MockS3Client{
		objects:    make(map[string]mockS3Object),
		shouldFail: true,
		failError:  fmt.Errorf("network timeout"),
	}
	store := &S3Store{config: S3StoreConfig{Bucket: "test-bucket"}, s3Client: mockS3}
	ctx := context.Background()

	_, err := store.Exists(ctx, "session")
	require.Error(t, err)
	require.Contains(t, err.Error(), "network timeout")

	require.Error(t, store.Save(ctx, "session", createTestFile(t, 1024)))
	require.Error(t, store.Fetch(ctx, "session", filepath.Join(t.TempDir(), "x.zip")))
	require.Error(t, store.Delete(ctx, "session"))
}

func TestS3Store_SaveInvalidInput(t *testing.T) {
	store := &S3Store{config: S3StoreConfig{Bucket: "test-bucket"}, s3Client: newMockS3Client()}
	ctx := context.Background()

	require.ErrorIs(t, store.Save(ctx, "", "archive.zip"), ErrInvalidConfig)
	require.Error(t, store.Save(ctx, "session", "/non/existent/archive.zip"))
	require.ErrorIs(t, store.Save(ctx, "session", t.TempDir()), ErrInvalidConfig)
}

func TestS3Store_Key(t *testing.T) {
	store := &S3Store{config: S3StoreConfig{Prefix: "backups/wa/"}}
	require.Equal(t, "backups/wa/CustomRemoteAuth.zip", store.key("CustomRemoteAuth"))

	store = &S3Store{}
	require.Equal(t, "CustomRemoteAuth-a.zip", store.key("CustomRemoteAuth-a"))
}
