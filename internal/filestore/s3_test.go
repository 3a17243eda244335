package filestore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type apiError struct {
	code string
	msg  string
}

func (e *apiError) Error() string                { return e.msg }
func (e *apiError) ErrorCode() string            { return e.code }
func (e *apiError) ErrorMessage() string         { return e.msg }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

var errNoSuchKey = &apiError{code: "NoSuchKey", msg: "no such key"}
var errNotFound = &apiError{code: "NotFound", msg: "not found"}

type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte

	getErr    error
	putErr    error
	deleteErr error
	headErr   error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte)}
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, errNoSuchKey
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[*in.Key]; !ok {
		return nil, errNotFound
	}
	return &s3.HeadObjectOutput{}, nil
}

func newTestS3(t *testing.T) (*S3Store, *mockS3) {
	t.Helper()
	mock := newMockS3()
	return NewS3(mock, "test-bucket", ""), mock
}

func TestS3WriteAndRead(t *testing.T) {
	store, _ := newTestS3(t)
	ctx := context.Background()

	w, err := store.Write(ctx, "obj.txt")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "hello s3")
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := store.Read(ctx, "obj.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "hello s3" {
		t.Fatalf("got %q, want hello s3", got)
	}
}

func TestS3ReadNotExist(t *testing.T) {
	store, _ := newTestS3(t)
	_, err := store.Read(context.Background(), "missing")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestS3ExistsAndDelete(t *testing.T) {
	store, mock := newTestS3(t)
	ctx := context.Background()

	ok, err := store.Exists(ctx, "missing")
	if err != nil || ok {
		t.Fatalf("expected false/nil for missing key, got %v/%v", ok, err)
	}

	mock.mu.Lock()
	mock.objects["present"] = []byte("data")
	mock.mu.Unlock()

	ok, err = store.Exists(ctx, "present")
	if err != nil || !ok {
		t.Fatalf("expected true/nil for existing key, got %v/%v", ok, err)
	}

	if err := store.Delete(ctx, "present"); err != nil {
		t.Fatal(err)
	}
	ok, _ = store.Exists(ctx, "present")
	if ok {
		t.Fatal("expected key to be gone after delete")
	}

	if err := store.Delete(ctx, "already-gone"); err != nil {
		t.Fatalf("delete of missing key should be idempotent, got %v", err)
	}
}

func TestS3KeyPrefix(t *testing.T) {
	mock := newMockS3()
	store := NewS3(mock, "bucket", "tenants/t1")
	ctx := context.Background()

	w, _ := store.Write(ctx, "file.bin")
	io.WriteString(w, "content")
	w.Close()

	mock.mu.Lock()
	_, ok := mock.objects["tenants/t1/file.bin"]
	mock.mu.Unlock()
	if !ok {
		t.Fatal("expected key under prefix tenants/t1/file.bin")
	}
}

func TestS3WriteUploadError(t *testing.T) {
	mock := newMockS3()
	mock.putErr = errors.New("upload failed")
	store := NewS3(mock, "bucket", "")
	ctx := context.Background()

	w, err := store.Write(ctx, "obj")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "data")
	if err := w.Close(); err == nil {
		t.Fatal("expected upload error from Close")
	}
}

func TestIsS3NotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"NoSuchKey", errNoSuchKey, true},
		{"NotFound", errNotFound, true},
		{"other api error", &apiError{code: "AccessDenied", msg: "denied"}, false},
		{"plain error", errors.New("timeout"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isS3NotFound(tt.err); got != tt.want {
				t.Fatalf("isS3NotFound(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
