package mediator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"arttic/config"
	"arttic/internal/clients/huggingface"
	"arttic/internal/dependencies"
	"arttic/internal/generation"
	"arttic/internal/history"
	"arttic/internal/metadata"
	"arttic/internal/metrics"
	"arttic/internal/pipelines"
	"arttic/internal/promptbook"
	"arttic/internal/services"
	"arttic/internal/state"
	"arttic/internal/storage"

	"github.com/charmbracelet/log"
)

// ErrRestart is returned by Start when a client asked for a backend restart.
var ErrRestart = errors.New("backend restart requested")

const shutdownTimeout = 10 * time.Second

type App struct {
	api     *services.Api
	rpc     *dependencies.Rpc
	history *history.Store
	dl      *services.DownloaderService
	cancel  context.CancelFunc

	restarting atomic.Bool
	closeOnce  sync.Once
	// settings
	Config config.Config
}

func NewApp(cfg config.Config) (*App, error) {
	logger := log.With("component", "mediator")

	rpc, err := dependencies.NewRpc(cfg.Runtime)
	if err != nil {
		return nil, fmt.Errorf("error creating newapp: %w", err)
	}

	store, err := storage.New(cfg.Paths.Models, cfg.Paths.Loras, cfg.Paths.Outputs, cfg.Generation.FilenamePrefix)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("error creating newapp: %w", err)
	}
	book, err := promptbook.Open(cfg.Paths.PromptsFile)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("error creating newapp: %w", err)
	}
	hist, err := history.Open(cfg.Paths.HistoryDB)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("error creating newapp: %w", err)
	}

	hf := huggingface.NewHubClient(cfg.HuggingFace, cfg.Paths.HFCache)
	m := metrics.New()
	st := state.NewManager(store, pipelines.Deps{
		Runtime:         rpc,
		Fetcher:         hf,
		FluxDevRepo:     cfg.HuggingFace.FluxDevRepo,
		FluxSchnellRepo: cfg.HuggingFace.FluxSchnellRepo,
	}, m)
	codec := metadata.NewCodec(cfg.Generation.Version)

	ctx, cancel := context.WithCancel(context.Background())
	hub := services.NewHub()
	dl := services.NewDownloaderService(ctx, hub, hf, cfg.Paths, cfg.Download, m)

	app := &App{
		rpc:     rpc,
		history: hist,
		dl:      dl,
		cancel:  cancel,
		Config:  cfg,
	}
	app.api = services.NewApi(cfg.Api, services.Deps{
		State:     st,
		Generator: generation.NewOrchestrator(st, rpc, store, codec, hist, m),
		Store:     store,
		Prompts:   book,
		History:   hist,
		Codec:     codec,
		Metrics:   m,
		Downloads: dl,
		Hub:       hub,
		Restart:   app.requestRestart,
	})
	dl.OnComplete(func(services.DownloadJob, string) { app.api.BroadcastSettings() })

	logger.Info("app ready",
		"models", cfg.Paths.Models,
		"loras", cfg.Paths.Loras,
		"outputs", cfg.Paths.Outputs,
		"runtime", fmt.Sprint(cfg.Runtime.Peer, ":", cfg.Runtime.Port),
	)
	return app, nil
}

// Start serves until Shutdown, or until a restart is requested, in which
// case it returns ErrRestart.
func (a *App) Start() error {
	a.dl.Run()
	err := a.api.Start()
	if a.restarting.Load() {
		return ErrRestart
	}
	return err
}

func (a *App) requestRestart() {
	if !a.restarting.CompareAndSwap(false, true) {
		return
	}
	log.Warn("restarting backend")
	go func() {
		if err := a.api.Shutdown(shutdownTimeout); err != nil {
			log.Error("stopping api for restart", "err", err)
		}
	}()
}

func (a *App) Shutdown() {
	a.closeOnce.Do(func() {
		if err := a.api.Shutdown(shutdownTimeout); err != nil {
			log.Warn("api shutdown", "err", err)
		}
		a.cancel()
		a.dl.Shutdown()
		if err := a.history.Close(); err != nil {
			log.Warn("closing history", "err", err)
		}
		if a.rpc != nil {
			a.rpc.Close()
		}
	})
}
