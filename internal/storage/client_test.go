package storage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeProvider simulates the provider's authorize / get-upload-url / upload
// exchange and lets tests fail a chosen number of upload attempts.
type fakeProvider struct {
	t *testing.T

	authCalls    int
	sessionCalls int
	uploadCalls  int

	failUploads int

	lastFileName string
	lastSha1     string
	lastBody     []byte

	srv *httptest.Server
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("/b2api/v2/b2_authorize_account", func(w http.ResponseWriter, r *http.Request) {
		p.authCalls++
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key-id" || pass != "app-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"authorizationToken": "auth-token",
			"apiUrl":             p.srv.URL,
		})
	})
	mux.HandleFunc("/b2api/v2/b2_get_upload_url", func(w http.ResponseWriter, r *http.Request) {
		p.sessionCalls++
		if r.Header.Get("Authorization") != "auth-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			BucketID string `json:"bucketId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.BucketID != "bucket-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"uploadUrl":          p.srv.URL + fmt.Sprintf("/upload/%d", p.sessionCalls),
			"authorizationToken": fmt.Sprintf("upload-token-%d", p.sessionCalls),
		})
	})
	mux.HandleFunc("/upload/", func(w http.ResponseWriter, r *http.Request) {
		p.uploadCalls++
		p.lastFileName = r.Header.Get("X-Bz-File-Name")
		p.lastSha1 = r.Header.Get("X-Bz-Content-Sha1")
		p.lastBody, _ = io.ReadAll(r.Body)
		if p.uploadCalls <= p.failUploads {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"code":"service_unavailable"}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"fileId": fmt.Sprintf("file-%d", p.uploadCalls)})
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func newTestClient(t *testing.T, p *fakeProvider, maxRetries int) *Client {
	t.Helper()
	c, err := New(Config{
		KeyID:      "key-id",
		AppKey:     "app-key",
		BucketID:   "bucket-1",
		AuthURL:    p.srv.URL + "/b2api/v2/b2_authorize_account",
		MaxRetries: maxRetries,
		HTTPClient: p.srv.Client(),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return c
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{KeyID: "k", AppKey: "s"}); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestUploadSuccess(t *testing.T) {
	p := newFakeProvider(t)
	c := newTestClient(t, p, 1)

	data := []byte("jpeg bytes")
	ref, err := c.Upload(context.Background(), data, "thumbnails/media-1.jpg")
	if err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if ref != "private:file-1:/thumbnails/media-1.jpg" {
		t.Fatalf("unexpected private ref: %s", ref)
	}

	digest := sha1.Sum(data)
	if p.lastSha1 != hex.EncodeToString(digest[:]) {
		t.Fatalf("sha1 header mismatch: %s", p.lastSha1)
	}
	if string(p.lastBody) != "jpeg bytes" {
		t.Fatalf("payload mismatch: %q", p.lastBody)
	}
	if p.authCalls != 1 || p.sessionCalls != 1 || p.uploadCalls != 1 {
		t.Fatalf("unexpected call counts: auth=%d session=%d upload=%d", p.authCalls, p.sessionCalls, p.uploadCalls)
	}
}

func TestUploadRetriesOnceAfterSessionRefresh(t *testing.T) {
	p := newFakeProvider(t)
	p.failUploads = 1
	c := newTestClient(t, p, 1)

	ref, err := c.Upload(context.Background(), []byte("data"), "thumbnails/media-2.jpg")
	if err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if !strings.HasPrefix(ref, "private:file-2:") {
		t.Fatalf("unexpected ref after retry: %s", ref)
	}
	if p.sessionCalls != 2 {
		t.Fatalf("expected exactly one session refresh, got %d session calls", p.sessionCalls)
	}
	if p.uploadCalls != 2 {
		t.Fatalf("expected exactly two upload attempts, got %d", p.uploadCalls)
	}
	if p.authCalls != 1 {
		t.Fatalf("account re-authorized unnecessarily: %d calls", p.authCalls)
	}
}

func TestUploadSecondFailureIsFatal(t *testing.T) {
	p := newFakeProvider(t)
	p.failUploads = 2
	c := newTestClient(t, p, 1)

	_, err := c.Upload(context.Background(), []byte("data"), "thumbnails/media-3.jpg")
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if p.uploadCalls != 2 {
		t.Fatalf("expected exactly two upload attempts, got %d", p.uploadCalls)
	}
}

func TestUploadReusesCachedSession(t *testing.T) {
	p := newFakeProvider(t)
	c := newTestClient(t, p, 1)

	for i := 0; i < 3; i++ {
		if _, err := c.Upload(context.Background(), []byte("data"), fmt.Sprintf("thumbnails/m-%d.jpg", i)); err != nil {
			t.Fatalf("Upload %d returned error: %v", i, err)
		}
	}
	if p.authCalls != 1 || p.sessionCalls != 1 {
		t.Fatalf("cached session not reused: auth=%d session=%d", p.authCalls, p.sessionCalls)
	}
}

func TestUploadPercentEncodesFileName(t *testing.T) {
	p := newFakeProvider(t)
	c := newTestClient(t, p, 0)

	if _, err := c.Upload(context.Background(), []byte("data"), "thumbnails/my thumb.jpg"); err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if p.lastFileName != "thumbnails/my%20thumb.jpg" {
		t.Fatalf("file name not percent-encoded: %s", p.lastFileName)
	}
}

func TestAuthorizeFailurePropagates(t *testing.T) {
	p := newFakeProvider(t)
	c, err := New(Config{
		KeyID:      "key-id",
		AppKey:     "wrong",
		BucketID:   "bucket-1",
		AuthURL:    p.srv.URL + "/b2api/v2/b2_authorize_account",
		HTTPClient: p.srv.Client(),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, err := c.Upload(context.Background(), []byte("data"), "f.jpg"); err == nil {
		t.Fatal("expected authorize failure to propagate")
	}
}
