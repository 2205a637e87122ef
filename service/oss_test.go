package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// newS3Stub answers HEAD on the bucket, 404 on object stats and accepts
// every PUT.
func newS3Stub(t *testing.T, bucketChecks *atomic.Int32) *MinIOStorage {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.Trim(r.URL.Path, "/")
		switch {
		case r.Method == http.MethodHead && path == "assets":
			bucketChecks.Add(1)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPut:
			w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotImplemented)
		}
	}))
	t.Cleanup(srv.Close)

	client, err := minio.New(strings.TrimPrefix(srv.URL, "http://"), &minio.Options{
		Creds:  credentials.NewStaticV4("access", "secret", ""),
		Region: "us-east-1",
	})
	if err != nil {
		t.Fatalf("minio.New: %v", err)
	}
	return NewMinIOStorage(client, "assets")
}

func TestMinIOStorageRetriesFailedBucketCheck(t *testing.T) {
	t.Parallel()

	var checks atomic.Int32
	s := newS3Stub(t, &checks)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Exists(cancelled, "runs/r1/a.png"); err == nil {
		t.Fatalf("Exists with a cancelled ctx succeeded")
	}

	ok, err := s.Exists(context.Background(), "runs/r1/a.png")
	if err != nil || ok {
		t.Fatalf("Exists=%v, %v", ok, err)
	}
	if checks.Load() < 1 {
		t.Fatalf("bucket never checked after the failed attempt")
	}

	seen := checks.Load()
	url, err := s.UploadBuffer(context.Background(), testPNG, "runs/r1/a.png", "image/png")
	if err != nil {
		t.Fatalf("UploadBuffer: %v", err)
	}
	if !strings.Contains(url, "/assets/runs/r1/a.png") {
		t.Fatalf("url=%s", url)
	}
	if checks.Load() != seen {
		t.Fatalf("bucket re-checked after success: %d -> %d", seen, checks.Load())
	}
}
