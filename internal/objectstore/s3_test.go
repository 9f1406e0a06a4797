package objectstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *S3Store {
	t.Helper()
	store, err := NewS3Store(S3Config{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		Region:          "ap-northeast-2",
		Bucket:          "wavechat-uploads",
		Expiry:          5 * time.Minute,
		Clock:           func() time.Time { return time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return store
}

func TestPresignUploadShape(t *testing.T) {
	store := newTestStore(t)

	upload, err := store.PresignUpload(context.Background(), "rooms/r1/photo.jpg", "image/jpeg", 1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if upload.Bucket != "wavechat-uploads" || upload.Key != "rooms/r1/photo.jpg" {
		t.Fatalf("unexpected descriptor %+v", upload)
	}

	parsed, err := url.Parse(upload.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Host != "wavechat-uploads.s3.ap-northeast-2.amazonaws.com" {
		t.Fatalf("unexpected host %q", parsed.Host)
	}
	query := parsed.Query()
	if query.Get("X-Amz-Algorithm") != "AWS4-HMAC-SHA256" {
		t.Fatalf("missing signing algorithm")
	}
	if query.Get("X-Amz-Date") != "20240115T120000Z" {
		t.Fatalf("unexpected date %q", query.Get("X-Amz-Date"))
	}
	if query.Get("X-Amz-Expires") != "300" {
		t.Fatalf("unexpected expiry %q", query.Get("X-Amz-Expires"))
	}
	if len(query.Get("X-Amz-Signature")) != 64 {
		t.Fatalf("signature must be a 64-hex digest, got %q", query.Get("X-Amz-Signature"))
	}
	if upload.ExpiresAt != time.Date(2024, 1, 15, 12, 5, 0, 0, time.UTC).UnixMilli() {
		t.Fatalf("unexpected expiresAt %d", upload.ExpiresAt)
	}
}

func TestPresignIsDeterministic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.PresignUpload(ctx, "k", "", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := store.PresignUpload(ctx, "k", "", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.URL != second.URL {
		t.Fatalf("same inputs and clock must produce the same signature")
	}
}

func TestPresignDownloadSetsDisposition(t *testing.T) {
	store := newTestStore(t)
	signed, err := store.PresignDownload(context.Background(), "rooms/r1/doc.pdf", "보고서.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parsed, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	disposition := parsed.Query().Get("response-content-disposition")
	if !strings.HasPrefix(disposition, "attachment;") {
		t.Fatalf("unexpected disposition %q", disposition)
	}
}

func TestHeadVerifiesObject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Fatalf("expected HEAD, got %s", r.Method)
		}
		if strings.Contains(r.URL.Path, "missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", "2048")
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store, err := NewS3Store(S3Config{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		Bucket:          "wavechat-uploads",
		Endpoint:        server.URL,
		HTTPClient:      server.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info, err := store.Head(context.Background(), "rooms/r1/photo.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Size != 2048 || info.ContentType != "image/png" {
		t.Fatalf("unexpected info %+v", info)
	}

	if _, err := store.Head(context.Background(), "missing.png"); err != ErrObjectNotFound {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}
