package huggingface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"arttic/config"
	"arttic/internal/clients/transport"
	"arttic/internal/progress"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAccessDenied means the repo needs a login or an accepted license.
	ErrAccessDenied = errors.New("huggingface: access denied")
	// ErrUnavailable covers network failures and broken cache files.
	ErrUnavailable = errors.New("huggingface: unavailable")
)

type Hub struct {
	token         string
	endpoint      string
	cacheDir      string
	maxConcurrent int
	httpClient    *http.Client
}

func NewHubClient(cfg config.HuggingFaceConfig, cacheDir string) *Hub {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	return &Hub{
		token:         cfg.Token,
		endpoint:      endpoint,
		cacheDir:      cacheDir,
		maxConcurrent: maxConcurrent,
		httpClient: &http.Client{
			Timeout: time.Hour,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return errors.New("too many redirects")
				}
				// only forward credentials back to the hub itself
				if auth := via[0].Header.Get("Authorization"); auth != "" && req.URL.Host == via[0].URL.Host {
					req.Header.Set("Authorization", auth)
				}
				return nil
			},
		},
	}
}

func (h *Hub) CacheDir() string { return h.cacheDir }

func (h *Hub) headers() map[string]string {
	headers := map[string]string{"Accept": "application/json"}
	if h.token != "" {
		headers["Authorization"] = "Bearer " + h.token
	}
	return headers
}

func (h *Hub) ModelInfo(ctx context.Context, repo string) (ModelInfo, error) {
	info, err := transport.Get[ModelInfo](h.httpClient, ctx, h.endpoint+"/api/models/"+repo, h.headers())
	if err != nil {
		return ModelInfo{}, classify(repo, err)
	}
	return info, nil
}

func (h *Hub) resolveURL(repo, revision, file string) string {
	parts := strings.Split(file, "/")
	for i := range parts {
		parts[i] = url.PathEscape(parts[i])
	}
	return fmt.Sprintf("%s/%s/resolve/%s/%s", h.endpoint, repo, url.PathEscape(revision), strings.Join(parts, "/"))
}

// SnapshotDir is where Snapshot materializes repo files.
func (h *Hub) SnapshotDir(repo string) string {
	return filepath.Join(h.cacheDir, "models--"+strings.ReplaceAll(repo, "/", "--"), "snapshots", "main")
}

// Snapshot downloads every repo file accepted by include (nil means all)
// into SnapshotDir and returns that directory. Files already present are
// reused; partial downloads never land under their final name.
func (h *Hub) Snapshot(ctx context.Context, repo string, include func(string) bool, report progress.Func) (string, error) {
	if report == nil {
		report = progress.Nop
	}
	logger := log.With("component", "huggingface", "repo", repo)

	info, err := h.ModelInfo(ctx, repo)
	if err != nil {
		return "", err
	}

	dir := h.SnapshotDir(repo)
	var pending []string
	for _, f := range info.Files() {
		if include != nil && !include(f) {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(f))); err == nil {
			continue
		}
		pending = append(pending, f)
	}

	logger.Info("snapshot",
		"gated", info.IsGated(),
		"updated", info.LastModified.Format(time.DateOnly),
		"bytes", info.Size(include),
		"pending", len(pending),
		"dir", dir,
	)
	if len(pending) == 0 {
		report(1, "Base components cached")
		return dir, nil
	}

	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.maxConcurrent)
	for _, f := range pending {
		f := f
		g.Go(func() error {
			dest := filepath.Join(dir, filepath.FromSlash(f))
			if err := h.fetch(gctx, h.resolveURL(repo, "main", f), dest); err != nil {
				return classify(repo, err)
			}
			mu.Lock()
			done++
			report(float64(done)/float64(len(pending)), fmt.Sprintf("Downloading %s (%d/%d)", f, done, len(pending)))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return dir, nil
}

// DownloadFile fetches one repo file into destDir and returns its final path.
func (h *Hub) DownloadFile(ctx context.Context, repo, revision, file, destDir string) (string, error) {
	if revision == "" {
		revision = "main"
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(destDir, sanitizeDownloadedFilename(filepath.Base(file)))
	if err := h.fetch(ctx, h.resolveURL(repo, revision, file), dest); err != nil {
		return "", classify(repo, err)
	}
	return dest, nil
}

func (h *Hub) fetch(ctx context.Context, src, dest string) error {
	headers := map[string]string{}
	if h.token != "" {
		headers["Authorization"] = "Bearer " + h.token
	}

	resp, err := transport.Download(h.httpClient, ctx, src, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmpPath := dest + ".part"

	out, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()

	if copyErr != nil {
		_ = os.Remove(tmpPath)
		return copyErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return closeErr
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func classify(repo string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	switch transport.StatusCode(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s: %v", ErrAccessDenied, repo, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, repo, err)
	}
}

func sanitizeDownloadedFilename(filename string) string {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return "model.safetensors"
	}

	filename = filepath.Base(filename)

	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	if ext == "" {
		ext = ".safetensors"
	}

	// no spaces or periods in the stem; the stem is the model's name
	stem = strings.Join(strings.Fields(stem), "-")
	stem = strings.ReplaceAll(stem, ".", "-")
	stem = strings.Trim(stem, "-")
	if stem == "" {
		stem = "model"
	}

	ext = strings.ReplaceAll(ext, " ", "")
	return stem + ext
}
