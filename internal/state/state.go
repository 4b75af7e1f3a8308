package state

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"arttic/internal/apperr"
	"arttic/internal/classifier"
	"arttic/internal/inference"
	"arttic/internal/metrics"
	"arttic/internal/pipelines"
	"arttic/internal/progress"

	"github.com/charmbracelet/log"
)

const (
	noModelMessage = "No model loaded."

	// ConservativeResolution is reported when free memory cannot be measured.
	ConservativeResolution = 1024

	minResolution = 512
	maxResolution = 4096
	safetyMargin  = 1 << 30
)

var ErrNoModelLoaded = apperr.New(apperr.InvalidInput, "Cannot generate, no model is loaded.")

type Models interface {
	ModelPath(name string) (string, error)
	LoraPath(name string) (string, bool)
}

type LoadRequest struct {
	Model      string
	Scheduler  string
	VaeTiling  bool
	CPUOffload bool
	Lora       string
}

type Status struct {
	Loaded     bool   `json:"is_model_loaded"`
	Message    string `json:"status_message"`
	Model      string `json:"current_model_name"`
	Lora       string `json:"current_lora_name"`
	ModelType  string `json:"current_model_type"`
	Width      int    `json:"default_width"`
	Height     int    `json:"default_height"`
	CPUOffload bool   `json:"cpu_offload"`
	VaeTiling  bool   `json:"vae_tiling"`
	Scheduler  string `json:"scheduler,omitempty"`
}

func emptyStatus() Status {
	return Status{Message: noModelMessage, Width: 512, Height: 512}
}

type Manager struct {
	mu sync.Mutex

	models  Models
	deps    pipelines.Deps
	metrics *metrics.Metrics
	logger  *log.Logger

	classify   func(path string) classifier.Family
	newAdapter func(fam classifier.Family, path string, deps pipelines.Deps) pipelines.Adapter

	adapter pipelines.Adapter
	status  Status
	// published copy of status, readable while mu is held by a load or generation
	snapshot atomic.Pointer[Status]
	gbPerMP  atomic.Pointer[float64]
}

func NewManager(models Models, deps pipelines.Deps, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		models:     models,
		deps:       deps,
		metrics:    m,
		logger:     log.With("component", "state"),
		classify:   classifier.Classify,
		newAdapter: pipelines.New,
	}
	mgr.setStatus(emptyStatus())
	return mgr
}

// Status never waits on a running load or generation.
func (m *Manager) Status() Status {
	return *m.snapshot.Load()
}

// setStatus must be called with mu held.
func (m *Manager) setStatus(st Status) {
	m.status = st
	m.snapshot.Store(&st)
}

func (m *Manager) equivalent(req LoadRequest) bool {
	return m.status.Loaded &&
		m.status.Model == req.Model &&
		m.status.Lora == req.Lora &&
		m.status.CPUOffload == req.CPUOffload &&
		m.status.VaeTiling == req.VaeTiling
}

// Load is a no-op when an equivalent configuration is already resident.
func (m *Manager) Load(ctx context.Context, req LoadRequest, report progress.Func) (Status, error) {
	if report == nil {
		report = progress.Nop
	}
	if req.Lora == "None" {
		req.Lora = ""
	}

	schedulerClass := ""
	if req.Scheduler != "" {
		class, ok := pipelines.Schedulers[req.Scheduler]
		if !ok {
			return Status{}, apperr.Invalid("Unknown scheduler '%s'.", req.Scheduler)
		}
		schedulerClass = class
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.models.ModelPath(req.Model)
	if err != nil {
		return Status{}, err
	}

	if m.equivalent(req) {
		m.logger.Info("same configuration already loaded, skipping", "model", req.Model)
		return m.status, nil
	}

	if m.status.Loaded {
		m.unloadLocked(ctx)
	}

	start := time.Now()
	m.logger.Info("loading model", "model", req.Model)
	report(0, fmt.Sprintf("Getting pipeline for %s...", req.Model))

	fam := m.classify(path)
	adapter := m.newAdapter(fam, path, m.deps)

	lora, err := m.build(ctx, adapter, req, schedulerClass, report)
	if err != nil {
		m.logger.Error("failed to load model", "model", req.Model, "family", fam.String(), "err", err)
		m.metrics.ModelLoad(fam.String(), false, time.Since(start))
		if rerr := adapter.Release(ctx); rerr != nil {
			m.logger.Warn("release after failed load", "err", rerr)
		}
		m.unloadLocked(ctx)
		return Status{}, loadFailure(req.Model, err)
	}

	caps := adapter.Capabilities()
	st := Status{
		Loaded:     true,
		Model:      req.Model,
		Lora:       lora,
		ModelType:  fam.String(),
		Width:      caps.DefaultResolution,
		Height:     caps.DefaultResolution,
		CPUOffload: req.CPUOffload,
		VaeTiling:  req.VaeTiling,
	}
	if caps.SupportsScheduler {
		st.Scheduler = req.Scheduler
	}
	st.Message = statusMessage(st)

	m.adapter = adapter
	m.setStatus(st)
	m.gbPerMP.Store(&caps.GBPerMegapixel)
	m.metrics.ModelLoad(fam.String(), true, time.Since(start))
	m.metrics.SetModelLoaded(true)

	m.logger.Info("model is ready", "model", req.Model, "type", st.ModelType, "cpuOffload", req.CPUOffload)
	report(1, "Model Ready!")
	return st, nil
}

// build runs the family's load sequence and returns the LoRA actually applied.
func (m *Manager) build(ctx context.Context, a pipelines.Adapter, req LoadRequest, schedulerClass string, report progress.Func) (string, error) {
	if err := a.Load(ctx, report); err != nil {
		return "", err
	}
	if err := a.PlaceOnDevice(ctx, req.CPUOffload); err != nil {
		return "", err
	}

	lora := ""
	if req.Lora != "" {
		if loraPath, ok := m.models.LoraPath(req.Lora); ok {
			m.logger.Info("loading LoRA", "lora", req.Lora)
			report(0.7, "Loading LoRA: "+req.Lora)
			if err := a.LoadLora(ctx, loraPath); err != nil {
				return "", fmt.Errorf("load LoRA %s: %w", req.Lora, err)
			}
			lora = req.Lora
		} else {
			m.logger.Warn("LoRA file not found, skipping", "lora", req.Lora)
		}
	}

	if err := a.Optimize(ctx, report); err != nil {
		return "", err
	}

	if a.Capabilities().SupportsScheduler && schedulerClass != "" {
		m.logger.Info("setting scheduler", "scheduler", req.Scheduler)
		if err := a.SetScheduler(ctx, schedulerClass); err != nil {
			return "", fmt.Errorf("set scheduler: %w", err)
		}
	}
	if a.Capabilities().SupportsVaeTiling {
		if err := a.SetVaeTiling(ctx, req.VaeTiling); err != nil {
			return "", fmt.Errorf("set VAE tiling: %w", err)
		}
	}
	return lora, nil
}

// loadFailure keeps remote-source errors intact.
func loadFailure(model string, err error) error {
	switch apperr.KindOf(err) {
	case apperr.RemoteAccessDenied, apperr.RemoteUnavailable:
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperr.Wrap(apperr.Internal, fmt.Sprintf("Failed to load model '%s'. Check logs for details.", model), err)
}

func statusMessage(st Status) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Ready: %s (%s)", st.Model, st.ModelType)
	if st.Lora != "" {
		sb.WriteString(" + " + st.Lora)
	}
	if st.CPUOffload {
		sb.WriteString(" (CPU Offload)")
	}
	return sb.String()
}

func (m *Manager) Unload(ctx context.Context) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.status.Loaded {
		m.logger.Info("unload requested, but no model is loaded")
		return m.status
	}
	m.unloadLocked(ctx)
	return m.status
}

func (m *Manager) unloadLocked(ctx context.Context) {
	if m.adapter != nil {
		m.logger.Info("unloading model", "model", m.status.Model)
		if err := m.adapter.Release(ctx); err != nil {
			m.logger.Warn("release pipeline", "err", err)
		}
	}
	m.adapter = nil
	m.setStatus(emptyStatus())
	m.gbPerMP.Store(nil)
	m.metrics.SetModelLoaded(false)

	if err := m.deps.Runtime.EmptyCache(ctx); err != nil {
		m.logger.Warn("could not clear accelerator cache", "err", err)
		return
	}
	m.logger.Info("model unloaded and accelerator cache cleared")
}

func (m *Manager) ClearCache(ctx context.Context) error {
	return m.deps.Runtime.EmptyCache(ctx)
}

// WithPipeline runs fn against the resident pipeline while holding the state
// lock, so loads and unloads wait for it.
func (m *Manager) WithPipeline(fn func(a pipelines.Adapter, st Status) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.Loaded || m.adapter == nil {
		return ErrNoModelLoaded
	}
	return fn(m.adapter, m.status)
}

// MaxResolution is the largest square side that fits in free accelerator memory.
func (m *Manager) MaxResolution(ctx context.Context, offload bool) int {
	gbPerMP := m.gbPerMP.Load()
	if offload || gbPerMP == nil {
		return ConservativeResolution
	}
	mem, err := m.deps.Runtime.MemoryInfo(ctx)
	if err != nil {
		if !errors.Is(err, inference.ErrMemoryInfoUnavailable) {
			m.logger.Warn("memory introspection failed", "err", err)
		}
		return ConservativeResolution
	}
	return EstimateResolution(mem.FreeBytes, *gbPerMP)
}

func EstimateResolution(freeBytes uint64, gbPerMegapixel float64) int {
	if gbPerMegapixel <= 0 {
		return ConservativeResolution
	}
	if freeBytes <= safetyMargin {
		return minResolution
	}
	usableGB := float64(freeBytes-safetyMargin) / float64(1<<30)
	side := math.Sqrt(usableGB / gbPerMegapixel * 1e6)
	res := int(side) / 64 * 64
	if res < minResolution {
		return minResolution
	}
	if res > maxResolution {
		return maxResolution
	}
	return res
}
