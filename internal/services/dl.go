package services

import (
	"context"
	"errors"
	"strings"
	"sync"

	"arttic/config"
	"arttic/internal/apperr"
	"arttic/internal/metrics"
	"arttic/types"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

type DownloadKind int

const (
	DownloadModel DownloadKind = iota
	DownloadLora
)

func (k DownloadKind) String() string {
	if k == DownloadLora {
		return "lora"
	}
	return "model"
}

func ParseDownloadKind(s string) (DownloadKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "model", "checkpoint":
		return DownloadModel, nil
	case "lora":
		return DownloadLora, nil
	default:
		return 0, apperr.Invalid("Unknown download kind %q, expected model or lora.", s)
	}
}

type DownloadJob struct {
	JobID    string
	ClientID string
	Repo     string
	Revision string
	File     string
	Kind     DownloadKind
}

// Fetcher pulls a single repository file into a directory.
type Fetcher interface {
	DownloadFile(ctx context.Context, repo, revision, file, destDir string) (string, error)
}

var (
	ErrDownloaderShuttingDown = errors.New("service shutting down")
	ErrDownloadQueueFull      = errors.New("queue full")
)

type DownloaderService struct {
	hub     *Hub
	fetcher Fetcher
	dirs    map[DownloadKind]string
	metrics *metrics.Metrics
	logger  *log.Logger

	queue chan DownloadJob
	group errgroup.Group

	mu         sync.RWMutex
	closing    bool
	onComplete func(DownloadJob, string)
	ctx        context.Context
}

func NewDownloaderService(ctx context.Context, hub *Hub, fetcher Fetcher, paths config.PathsConfig, cfg config.DownloadConfig, m *metrics.Metrics) *DownloaderService {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	s := &DownloaderService{
		hub:     hub,
		fetcher: fetcher,
		dirs: map[DownloadKind]string{
			DownloadModel: paths.Models,
			DownloadLora:  paths.Loras,
		},
		metrics: m,
		logger:  log.With("component", "downloader"),
		queue:   make(chan DownloadJob, cfg.QueueSize),
		ctx:     ctx,
	}
	s.group.SetLimit(cfg.MaxConcurrent)
	return s
}

// OnComplete registers fn to run after every successful download.
func (d *DownloaderService) OnComplete(fn func(job DownloadJob, path string)) {
	d.mu.Lock()
	d.onComplete = fn
	d.mu.Unlock()
}

func (d *DownloaderService) Run() {
	go func() {
		for {
			select {
			case <-d.ctx.Done():
				return
			case job, ok := <-d.queue:
				if !ok {
					return
				}
				jobCopy := job
				d.group.Go(func() error {
					d.runJob(jobCopy)
					return nil
				})
			}
		}
	}()
}

func (d *DownloaderService) Enqueue(job DownloadJob) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closing {
		return ErrDownloaderShuttingDown
	}
	select {
	case d.queue <- job:
		return nil
	default:
		return ErrDownloadQueueFull
	}
}

func (d *DownloaderService) Shutdown() {
	d.mu.Lock()
	if !d.closing {
		d.closing = true
		close(d.queue)
	}
	d.mu.Unlock()
	_ = d.group.Wait()
}

// WS only emits completion/failure.
func (d *DownloaderService) runJob(job DownloadJob) {
	if d.ctx.Err() != nil {
		return
	}
	logger := d.logger.With("job", job.JobID, "repo", job.Repo, "file", job.File, "kind", job.Kind)
	event := types.DownloadEvent{JobID: job.JobID, Repo: job.Repo, File: job.File}

	logger.Info("download started")
	path, err := d.fetcher.DownloadFile(d.ctx, job.Repo, job.Revision, job.File, d.dirs[job.Kind])
	if err != nil {
		d.metrics.Download(false)
		logger.Error("download failed", "err", err)
		event.Message = apperr.Message(err)
		d.hub.SendTo(job.ClientID, "download_failed", event)
		return
	}

	d.metrics.Download(true)
	logger.Info("download complete", "path", path)
	event.Message = "download complete"
	event.Path = path
	d.hub.SendTo(job.ClientID, "download_completed", event)

	d.mu.RLock()
	fn := d.onComplete
	d.mu.RUnlock()
	if fn != nil {
		fn(job, path)
	}
}
