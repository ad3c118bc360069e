package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coursekit/thumbnail-worker/pkg/schema"
)

func TestBroadcastPostsEnvelope(t *testing.T) {
	var got schema.BroadcastMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/broadcast" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	msg := schema.BroadcastMessage{
		Type: schema.BroadcastTypeThumbnailUpdated,
		Data: schema.ThumbnailUpdated{
			UserID:       "user-1",
			VideoID:      "media-1",
			ThumbnailURL: "private:f1:/thumbnails/media-1.jpg",
			Timestamp:    1700000000000,
		},
	}
	if err := c.Broadcast(context.Background(), msg); err != nil {
		t.Fatalf("Broadcast returned error: %v", err)
	}

	if got.Type != schema.BroadcastTypeThumbnailUpdated {
		t.Fatalf("unexpected type: %s", got.Type)
	}
	data, ok := got.Data.(map[string]any)
	if !ok {
		t.Fatalf("unexpected data shape: %#v", got.Data)
	}
	if data["userId"] != "user-1" || data["videoId"] != "media-1" {
		t.Fatalf("unexpected payload: %v", data)
	}
}

func TestBroadcastNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	if err := c.Broadcast(context.Background(), schema.BroadcastMessage{Type: "x"}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}
