package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func webdavDest(t *testing.T, endpoint, username, password string) Destination {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{
		"endpoint": endpoint,
		"username": username,
		"password": password,
	})
	dest, err := WebDAVPlugin{}.CreateOutputDestination(payload, testLogger())
	if err != nil {
		t.Fatalf("CreateOutputDestination: %v", err)
	}
	return dest
}

func TestWebDAVPlugin_rejects_bad_payload(t *testing.T) {
	cases := map[string]string{
		"missing endpoint": `{}`,
		"not json":         `nope`,
		"bad scheme":       `{"endpoint":"ftp://host/dir"}`,
	}
	for name, payload := range cases {
		if _, err := (WebDAVPlugin{}).CreateOutputDestination(json.RawMessage(payload), testLogger()); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestWebDAVDestination_uploads_via_put(t *testing.T) {
	type recorded struct {
		method, path, contentType, auth string
		body                            []byte
	}
	var mu sync.Mutex
	var reqs []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, recorded{r.Method, r.URL.Path, r.Header.Get("Content-Type"), r.Header.Get("Authorization"), body})
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	dest := webdavDest(t, srv.URL+"/out", "user", "secret")
	dest.AttachSessionID("abc-123")

	ok := dest.UploadMediaSegment(context.Background(), FileUpload{
		FileName:    "channel_800000_1.ts",
		ContentType: "video/MP2T",
		Data:        []byte("segment"),
	})
	if !ok {
		t.Fatal("upload should succeed")
	}
	ok = dest.UploadMediaPlaylist(context.Background(), FileUpload{
		FileName:    "channel_800000.m3u8",
		ContentType: "application/vnd.apple.mpegurl",
		Data:        []byte("#EXTM3U\n"),
	})
	if !ok {
		t.Fatal("playlist upload should succeed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	seg := reqs[0]
	if seg.method != http.MethodPut || seg.path != "/out/channel_800000_1.ts" {
		t.Errorf("unexpected segment request: %s %s", seg.method, seg.path)
	}
	if seg.contentType != "video/MP2T" || string(seg.body) != "segment" {
		t.Errorf("segment body/content type not forwarded: %s %q", seg.contentType, seg.body)
	}
	if seg.auth == "" {
		t.Error("expected basic auth header")
	}
}

func TestWebDAVDestination_reports_rejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dest := webdavDest(t, srv.URL, "", "")
	if dest.UploadMediaSegment(context.Background(), FileUpload{FileName: "a.ts", Data: []byte("x")}) {
		t.Error("a 4xx from the destination must report failure")
	}
}

func TestWebDAVDestination_delete(t *testing.T) {
	var mu sync.Mutex
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		methods = append(methods, fmt.Sprintf("%s %s", r.Method, r.URL.Path))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dest := webdavDest(t, srv.URL, "", "")
	deleter, ok := dest.(SegmentDeleter)
	if !ok {
		t.Fatal("webdav destination should support deletion")
	}
	if !deleter.DeleteMediaSegment(context.Background(), "channel_800000_1.ts") {
		t.Error("delete should succeed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(methods) != 1 || methods[0] != "DELETE /channel_800000_1.ts" {
		t.Errorf("unexpected requests: %v", methods)
	}
}

func TestWebDAVDestination_delete_missing_file_is_ok(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dest := webdavDest(t, srv.URL, "", "")
	if !dest.(SegmentDeleter).DeleteMediaSegment(context.Background(), "gone.ts") {
		t.Error("deleting an already absent file should count as success")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(WebDAVPlugin{})
	r.Register(VoidPlugin{})

	if _, err := r.Get("webdav"); err != nil {
		t.Errorf("expected webdav plugin registered: %v", err)
	}
	if _, err := r.Get("s3"); err == nil {
		t.Error("expected error for unregistered plugin")
	}
	if len(r.Names()) != 2 {
		t.Errorf("expected 2 plugins, got %v", r.Names())
	}
}

func TestVoidPlugin_accepts_everything(t *testing.T) {
	dest, err := VoidPlugin{}.CreateOutputDestination(json.RawMessage(`{}`), testLogger())
	if err != nil {
		t.Fatalf("CreateOutputDestination: %v", err)
	}
	dest.AttachSessionID("s")
	if !dest.UploadMediaSegment(context.Background(), FileUpload{FileName: "a.ts"}) {
		t.Error("void destination should accept segments")
	}
	if !dest.UploadMediaPlaylist(context.Background(), FileUpload{FileName: "a.m3u8"}) {
		t.Error("void destination should accept playlists")
	}
}
