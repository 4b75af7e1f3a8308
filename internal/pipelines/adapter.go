package pipelines

import (
	"context"
	"errors"
	"fmt"

	"arttic/internal/classifier"
	"arttic/internal/inference"
	"arttic/internal/progress"

	"github.com/charmbracelet/log"
)

var ErrNotLoaded = errors.New("pipeline must be loaded first")

// Capabilities are fixed per family.
type Capabilities struct {
	DefaultResolution int
	SupportsScheduler bool
	SupportsVaeTiling bool
	GBPerMegapixel float64
}

type Adapter interface {
	Family() classifier.Family
	Capabilities() Capabilities
	Load(ctx context.Context, report progress.Func) error
	PlaceOnDevice(ctx context.Context, offload bool) error
	Optimize(ctx context.Context, report progress.Func) error
	LoadLora(ctx context.Context, path string) error
	SetScheduler(ctx context.Context, className string) error
	SetVaeTiling(ctx context.Context, enabled bool) error
	Generate(ctx context.Context, args inference.GenerateArgs, onStep func(step int)) ([]byte, error)
	Release(ctx context.Context) error
	Optimized() bool
	Offloaded() bool
}

// pipeline holds what every family shares; concrete adapters embed it.
type pipeline struct {
	rt        inference.Runtime
	family    classifier.Family
	modelPath string
	class     string
	dtype     string
	caps      Capabilities
	logger    *log.Logger

	handle    inference.Handle
	optimized bool
	offloaded bool
}

func newPipeline(rt inference.Runtime, fam classifier.Family, modelPath, class, dtype string, caps Capabilities) pipeline {
	return pipeline{
		rt:        rt,
		family:    fam,
		modelPath: modelPath,
		class:     class,
		dtype:     dtype,
		caps:      caps,
		logger:    log.With("component", "pipeline", "family", fam.String()),
	}
}

func (p *pipeline) Family() classifier.Family  { return p.family }
func (p *pipeline) Capabilities() Capabilities { return p.caps }
func (p *pipeline) Optimized() bool            { return p.optimized }
func (p *pipeline) Offloaded() bool            { return p.offloaded }

func (p *pipeline) loaded() error {
	if p.handle == "" {
		return ErrNotLoaded
	}
	return nil
}

// loadSingleFile materializes the pipeline straight from the checkpoint.
func (p *pipeline) loadSingleFile(ctx context.Context, report progress.Func) error {
	report(0.2, fmt.Sprintf("Loading %s (%s)...", p.class, p.family))
	h, err := p.rt.LoadPipeline(ctx, inference.LoadSpec{
		Class:                p.class,
		Source:               p.modelPath,
		SingleFile:           true,
		DType:                p.dtype,
		DisableSafetyChecker: true,
	})
	if err != nil {
		return fmt.Errorf("load %s: %w", p.class, err)
	}
	p.handle = h
	return nil
}

func (p *pipeline) PlaceOnDevice(ctx context.Context, offload bool) error {
	if err := p.loaded(); err != nil {
		return err
	}
	if offload {
		p.logger.Info("enabling model CPU offload for low VRAM usage")
	} else {
		p.logger.Info("moving pipeline onto the accelerator")
	}
	if err := p.rt.PlaceOnDevice(ctx, p.handle, offload); err != nil {
		return fmt.Errorf("place on device: %w", err)
	}
	p.offloaded = offload
	return nil
}

// Optimize skips offloaded pipelines.
func (p *pipeline) Optimize(ctx context.Context, report progress.Func) error {
	if p.optimized {
		p.logger.Info("pipeline already optimized")
		return nil
	}
	if p.offloaded {
		p.logger.Warn("accelerator optimization is not available in CPU offload mode")
		return nil
	}
	if err := p.loaded(); err != nil {
		return err
	}
	if report == nil {
		report = progress.Nop
	}

	present, err := p.rt.Components(ctx, p.handle)
	if err != nil {
		return fmt.Errorf("list components: %w", err)
	}
	has := make(map[string]bool, len(present))
	for _, c := range present {
		has[c] = true
	}

	var specs []inference.OptimizeSpec
	for _, enc := range []string{"text_encoder", "text_encoder_2", "text_encoder_3"} {
		if has[enc] {
			specs = append(specs, inference.OptimizeSpec{Component: enc, DType: p.autocastDType()})
		}
	}
	switch {
	case has["unet"]:
		specs = append(specs, inference.OptimizeSpec{Component: "unet", DType: p.autocastDType(), ChannelsLast: true, WeightsPrepack: true})
	case has["transformer"]:
		specs = append(specs, inference.OptimizeSpec{Component: "transformer", DType: p.autocastDType()})
	}
	if has["vae"] {
		specs = append(specs, inference.OptimizeSpec{Component: "vae", DType: p.autocastDType(), ChannelsLast: true, WeightsPrepack: true})
	}

	report(0.8, "Optimizing model with IPEX...")
	for i, spec := range specs {
		if err := p.rt.Optimize(ctx, p.handle, spec); err != nil {
			return fmt.Errorf("optimize %s: %w", spec.Component, err)
		}
		p.logger.Info("component optimized", "component", spec.Component, "channelsLast", spec.ChannelsLast)
		report(0.8+0.15*float64(i+1)/float64(len(specs)), "Optimized "+spec.Component)
	}

	p.optimized = true
	return nil
}

func (p *pipeline) LoadLora(ctx context.Context, path string) error {
	if err := p.loaded(); err != nil {
		return err
	}
	return p.rt.LoadLoraWeights(ctx, p.handle, path, "default")
}

func (p *pipeline) SetScheduler(ctx context.Context, className string) error {
	if !p.caps.SupportsScheduler {
		return nil
	}
	if err := p.loaded(); err != nil {
		return err
	}
	return p.rt.SetScheduler(ctx, p.handle, className)
}

func (p *pipeline) SetVaeTiling(ctx context.Context, enabled bool) error {
	if !p.caps.SupportsVaeTiling {
		p.logger.Info("VAE tiling is not applicable")
		return nil
	}
	if err := p.loaded(); err != nil {
		return err
	}
	return p.rt.SetVaeTiling(ctx, p.handle, enabled)
}

func (p *pipeline) Generate(ctx context.Context, args inference.GenerateArgs, onStep func(int)) ([]byte, error) {
	if err := p.loaded(); err != nil {
		return nil, err
	}
	args.AutocastDType = p.autocastDType()
	return p.rt.Generate(ctx, p.handle, args, onStep)
}

func (p *pipeline) Release(ctx context.Context) error {
	if p.handle == "" {
		return nil
	}
	err := p.rt.Release(ctx, p.handle)
	p.handle = ""
	p.optimized = false
	p.offloaded = false
	return err
}

func (p *pipeline) autocastDType() string {
	if p.dtype == "" {
		return "bfloat16"
	}
	return p.dtype
}
