package remote

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/tracker/internal/config"
)

type fakeObject struct {
	body     []byte
	metadata map[string]string
	modified time.Time
}

// fakeS3 implements the handful of path-style S3 calls the backend makes.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]fakeObject
	puts    int
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{bucket: bucket, objects: make(map[string]fakeObject)}
}

type listResult struct {
	XMLName     xml.Name      `xml:"ListBucketResult"`
	Name        string        `xml:"Name"`
	Prefix      string        `xml:"Prefix"`
	KeyCount    int           `xml:"KeyCount"`
	MaxKeys     int           `xml:"MaxKeys"`
	IsTruncated bool          `xml:"IsTruncated"`
	Contents    []listContent `xml:"Contents"`
}

type listContent struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != f.bucket {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case key == "" && r.Method == http.MethodHead:
		w.WriteHeader(http.StatusOK)

	case key == "" && r.Method == http.MethodGet:
		prefix := r.URL.Query().Get("prefix")
		result := listResult{Name: f.bucket, Prefix: prefix, MaxKeys: 1000}
		for k, obj := range f.objects {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			result.Contents = append(result.Contents, listContent{
				Key:          k,
				LastModified: obj.modified.UTC().Format(time.RFC3339),
				ETag:         `"etag"`,
				Size:         int64(len(obj.body)),
				StorageClass: "STANDARD",
			})
		}
		result.KeyCount = len(result.Contents)
		w.Header().Set("Content-Type", "application/xml")
		_ = xml.NewEncoder(w).Encode(result)

	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		meta := make(map[string]string)
		for name, values := range r.Header {
			if m, ok := strings.CutPrefix(strings.ToLower(name), "x-amz-meta-"); ok {
				meta[m] = values[0]
			}
		}
		f.objects[key] = fakeObject{body: body, metadata: meta, modified: time.Now()}
		f.puts++
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodHead:
		obj, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		for k, v := range obj.metadata {
			w.Header().Set("X-Amz-Meta-"+k, v)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.body)))
		w.Header().Set("Last-Modified", obj.modified.UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func setupS3(t *testing.T) (*S3, *fakeS3) {
	t.Helper()
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "credentials"))

	fake := newFakeS3("activity")
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := NewS3(context.Background(), config.UploadConfig{
		Endpoint:        srv.URL,
		Region:          "us-west-004",
		Bucket:          "activity",
		AccessKeyID:     "key-id",
		SecretAccessKey: "secret",
		PathStyle:       true,
	})
	if err != nil {
		t.Fatalf("NewS3 failed: %v", err)
	}
	return store, fake
}

func writeArchive(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session_20250102_030405_000000.zip")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return path
}

func TestS3UploadAndStat(t *testing.T) {
	store, fake := setupS3(t)
	ctx := context.Background()

	if err := store.Check(ctx); err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	key := KeyFor("", "session_20250102_030405_000000")
	meta := map[string]string{MetaFolder: "session_20250102_030405_000000", MetaUploadTimestamp: "2025-01-02T03:07:00"}
	if err := store.Upload(ctx, writeArchive(t, "PK-archive"), key, meta); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	fake.mu.Lock()
	obj, ok := fake.objects[key]
	fake.mu.Unlock()
	if !ok {
		t.Fatalf("Expected object %s to be stored", key)
	}
	if string(obj.body) != "PK-archive" {
		t.Errorf("Unexpected body %q", obj.body)
	}
	if obj.metadata[MetaFolder] != "session_20250102_030405_000000" {
		t.Errorf("Expected folder metadata, got %v", obj.metadata)
	}

	stat, err := store.Stat(ctx, key)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if stat.Size != int64(len("PK-archive")) {
		t.Errorf("Expected size %d, got %d", len("PK-archive"), stat.Size)
	}
	if stat.Metadata[MetaUploadTimestamp] != "2025-01-02T03:07:00" {
		t.Errorf("Expected upload timestamp metadata, got %v", stat.Metadata)
	}
}

func TestS3DuplicateUploadOverwrites(t *testing.T) {
	store, fake := setupS3(t)
	ctx := context.Background()
	key := KeyFor("", "session_20250102_030405_000000")

	for _, body := range []string{"first", "second"} {
		if err := store.Upload(ctx, writeArchive(t, body), key, nil); err != nil {
			t.Fatalf("Upload failed: %v", err)
		}
	}

	objects, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("Expected a single object, got %d", len(objects))
	}
	if objects[0].Size != int64(len("second")) {
		t.Errorf("Expected the second upload to win, got size %d", objects[0].Size)
	}
	if fake.puts != 2 {
		t.Errorf("Expected 2 puts, got %d", fake.puts)
	}
}

func TestS3StatMissingAndDelete(t *testing.T) {
	store, _ := setupS3(t)
	ctx := context.Background()

	if _, err := store.Stat(ctx, "session_missing.zip"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	key := "session_20250102_030405_000000.zip"
	if err := store.Upload(ctx, writeArchive(t, "x"), key, nil); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Stat(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected object deleted, got %v", err)
	}
}

func TestS3CheckWrongBucket(t *testing.T) {
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	srv := httptest.NewServer(newFakeS3("other"))
	defer srv.Close()

	store, err := NewS3(context.Background(), config.UploadConfig{
		Endpoint:        srv.URL,
		Region:          "us-west-004",
		Bucket:          "activity",
		AccessKeyID:     "key-id",
		SecretAccessKey: "secret",
		PathStyle:       true,
	})
	if err != nil {
		t.Fatalf("NewS3 failed: %v", err)
	}
	if err := store.Check(context.Background()); err == nil {
		t.Error("Expected Check to fail for a missing bucket")
	}
}

func TestNewS3RequiresBucket(t *testing.T) {
	if _, err := NewS3(context.Background(), config.UploadConfig{Region: "us-west-004"}); err == nil {
		t.Error("Expected error without a bucket")
	}
}
