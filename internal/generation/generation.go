package generation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"arttic/internal/apperr"
	"arttic/internal/history"
	"arttic/internal/inference"
	"arttic/internal/metadata"
	"arttic/internal/metrics"
	"arttic/internal/pipelines"
	"arttic/internal/progress"
	"arttic/internal/state"

	"github.com/charmbracelet/log"
)

const oomMessage = "Out of memory! Try reducing the resolution or the number of steps, or enable CPU offload."

type Request struct {
	Prompt         string
	NegativePrompt string
	Steps          int
	Guidance       float64
	// Seed nil means pick one at random.
	Seed       *uint32
	Width      int
	Height     int
	LoraWeight float64
}

type Result struct {
	ImageFilename  string  `json:"image_filename"`
	Info           string  `json:"info"`
	Seed           uint32  `json:"seed"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

type Outputs interface {
	WriteOutput(data []byte) (filename, path string, err error)
}

type History interface {
	Record(ctx context.Context, e history.Entry) error
}

type Orchestrator struct {
	state   *state.Manager
	runtime inference.Runtime
	outputs Outputs
	codec   *metadata.Codec
	history History
	metrics *metrics.Metrics
	logger  *log.Logger

	randomSeed func() uint32
}

func NewOrchestrator(st *state.Manager, rt inference.Runtime, outputs Outputs, codec *metadata.Codec, h History, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		state:      st,
		runtime:    rt,
		outputs:    outputs,
		codec:      codec,
		history:    h,
		metrics:    m,
		logger:     log.With("component", "generation"),
		randomSeed: rand.Uint32,
	}
}

func validate(req Request) error {
	switch {
	case req.Steps <= 0:
		return apperr.Invalid("Steps must be a positive integer.")
	case req.Guidance < 0:
		return apperr.Invalid("Guidance scale must not be negative.")
	case req.Width <= 0 || req.Height <= 0:
		return apperr.Invalid("Width and height must be positive.")
	}
	return nil
}

// Generate samples one image with the resident pipeline. Loads and unloads
// wait until it returns.
func (o *Orchestrator) Generate(ctx context.Context, req Request, report progress.Func) (Result, error) {
	if report == nil {
		report = progress.Nop
	}
	if err := validate(req); err != nil {
		return Result{}, err
	}

	var res Result
	err := o.state.WithPipeline(func(a pipelines.Adapter, st state.Status) error {
		var err error
		res, err = o.run(ctx, a, st, req, report)
		return err
	})
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, a pipelines.Adapter, st state.Status, req Request, report progress.Func) (Result, error) {
	o.logger.Info("starting image generation", "model", st.Model, "steps", req.Steps, "size", fmt.Sprintf("%dx%d", req.Width, req.Height))
	start := time.Now()

	seed := o.randomSeed()
	if req.Seed != nil {
		seed = *req.Seed
	}

	args := inference.GenerateArgs{
		Prompt:   req.Prompt,
		Steps:    req.Steps,
		Guidance: req.Guidance,
		Width:    req.Width,
		Height:   req.Height,
		Seed:     seed,
	}
	var lora *metadata.Lora
	if st.Lora != "" && req.LoraWeight > 0 {
		w := req.LoraWeight
		args.LoraScale = &w
		lora = &metadata.Lora{Name: st.Lora, Weight: w}
		o.logger.Info("applying LoRA", "lora", st.Lora, "weight", w)
	}
	if strings.TrimSpace(req.NegativePrompt) != "" {
		neg := req.NegativePrompt
		args.NegativePrompt = &neg
	}

	onStep := func(step int) {
		report(float64(step)/float64(req.Steps), fmt.Sprintf("Sampling... %d/%d", step+1, req.Steps))
	}

	image, err := a.Generate(ctx, args, onStep)
	if err != nil {
		o.metrics.Generation(false, time.Since(start))
		if errors.Is(err, inference.ErrOutOfMemory) {
			o.metrics.OutOfMemory()
			o.logger.Error("accelerator ran out of memory", "err", err)
			if cerr := o.runtime.EmptyCache(ctx); cerr != nil {
				o.logger.Warn("could not clear accelerator cache", "err", cerr)
			}
			return Result{}, apperr.Wrap(apperr.OutOfMemory, oomMessage, err)
		}
		o.logger.Error("generation failed", "err", err)
		return Result{}, apperr.Wrap(apperr.Internal, "Generation failed. Check logs for details.", err)
	}
	elapsed := time.Since(start)
	o.logger.Info("generation completed", "seconds", fmt.Sprintf("%.2f", elapsed.Seconds()))

	filename, path, err := o.outputs.WriteOutput(image)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, "Could not save the generated image.", err)
	}

	record, err := o.codec.Create(metadata.Params{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		ModelName:      st.Model,
		Seed:           seed,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		CfgScale:       req.Guidance,
		Lora:           lora,
	})
	if err == nil {
		err = o.codec.Embed(path, record)
	}
	if err != nil {
		o.logger.Warn("could not embed metadata", "image", filename, "err", err)
	}

	entry := history.Entry{
		Filename:       filename,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		ModelName:      st.Model,
		ModelType:      st.ModelType,
		Seed:           seed,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		Guidance:       req.Guidance,
		ElapsedSeconds: elapsed.Seconds(),
	}
	if lora != nil {
		entry.LoraName, entry.LoraWeight = lora.Name, lora.Weight
	}
	if o.history != nil {
		if err := o.history.Record(ctx, entry); err != nil {
			o.logger.Warn("could not record history", "image", filename, "err", err)
		}
	}
	o.metrics.Generation(true, elapsed)

	info := fmt.Sprintf("Generated in %.2fs on '%s' with seed %d.", elapsed.Seconds(), st.Model, seed)
	if st.Lora != "" {
		info += fmt.Sprintf(" LoRA: %s @ %s.", st.Lora, strconv.FormatFloat(req.LoraWeight, 'f', -1, 64))
	}

	return Result{
		ImageFilename:  filename,
		Info:           info,
		Seed:           seed,
		ElapsedSeconds: elapsed.Seconds(),
	}, nil
}
