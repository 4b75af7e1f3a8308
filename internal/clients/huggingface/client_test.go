package huggingface

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"arttic/config"
)

func newTestHub(t *testing.T, handler http.Handler, token string) (*Hub, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cache := t.TempDir()
	return NewHubClient(config.HuggingFaceConfig{Endpoint: srv.URL, Token: token, MaxConcurrent: 2}, cache), cache
}

func repoHandler(fileHits *int32) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/org/base", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"org/base","gated":"auto","siblings":[
			{"rfilename":"model_index.json"},
			{"rfilename":"vae/config.json"},
			{"rfilename":"base.safetensors"}
		]}`)
	})
	mux.HandleFunc("/org/base/resolve/main/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer ok" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, "accept the license first")
			return
		}
		atomic.AddInt32(fileHits, 1)
		_, _ = io.WriteString(w, "content:"+strings.TrimPrefix(r.URL.Path, "/org/base/resolve/main/"))
	})
	return mux
}

func TestSnapshot(t *testing.T) {
	var hits int32
	hub, _ := newTestHub(t, repoHandler(&hits), "ok")

	var last float64
	skipRootWeights := func(f string) bool { return !strings.HasSuffix(f, ".safetensors") || strings.Contains(f, "/") }
	dir, err := hub.Snapshot(context.Background(), "org/base", skipRootWeights, func(p float64, _ string) {
		if p < last {
			t.Errorf("progress went backwards")
		}
		last = p
	})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("expected 2 file downloads, got %d", hits)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "vae", "config.json"))
	if err != nil || string(raw) != "content:vae/config.json" {
		t.Fatalf("unexpected file %q (%v)", raw, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "base.safetensors")); !os.IsNotExist(err) {
		t.Fatalf("filtered file was downloaded")
	}
	if last != 1 {
		t.Fatalf("final progress %v", last)
	}

	// second call is served from the cache
	if _, err := hub.Snapshot(context.Background(), "org/base", skipRootWeights, nil); err != nil {
		t.Fatalf("cached snapshot: %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("cache not reused, hits=%d", hits)
	}
}

func TestSnapshot_AccessDenied(t *testing.T) {
	var hits int32
	hub, _ := newTestHub(t, repoHandler(&hits), "")

	_, err := hub.Snapshot(context.Background(), "org/base", nil, nil)
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatalf("access denied must not look like a network failure")
	}
}

func TestSnapshot_Unavailable(t *testing.T) {
	hub, _ := newTestHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}), "ok")

	_, err := hub.Snapshot(context.Background(), "org/base", nil, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	offline := NewHubClient(config.HuggingFaceConfig{Endpoint: "http://127.0.0.1:1"}, t.TempDir())
	if _, err := offline.ModelInfo(context.Background(), "org/base"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for refused connection, got %v", err)
	}
}

func TestDownloadFile(t *testing.T) {
	var hits int32
	hub, _ := newTestHub(t, repoHandler(&hits), "ok")
	dest := t.TempDir()

	path, err := hub.DownloadFile(context.Background(), "org/base", "", "vae/config.json", dest)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if filepath.Base(path) != "config.json" {
		t.Fatalf("unexpected path %s", path)
	}
	if _, err := os.Stat(path + ".part"); !os.IsNotExist(err) {
		t.Fatalf("partial file left behind")
	}
}

func TestSanitizeDownloadedFilename(t *testing.T) {
	tests := map[string]string{
		"":                          "model.safetensors",
		"../../etc/passwd":          "passwd.safetensors",
		"my model v1.5.safetensors": "my-model-v1-5.safetensors",
		"lora":                      "lora.safetensors",
	}
	for in, want := range tests {
		if got := sanitizeDownloadedFilename(in); got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
}
