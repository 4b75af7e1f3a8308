// Package fake is an in-memory inference.Runtime for tests.
package fake

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"arttic/internal/inference"
)

type Pipeline struct {
	Spec       inference.LoadSpec
	Loras      []string
	Offloaded  bool
	Placed     bool
	Optimized  []string
	Scheduler  string
	VaeTiling  bool
	Released   bool
	Generated  []inference.GenerateArgs
	components []string
}

// Runtime records every call. Fail* fields inject errors into the named call.
type Runtime struct {
	mu sync.Mutex

	Pipelines   map[inference.Handle]*Pipeline
	Calls       []string
	CacheClears int
	Memory      *inference.MemoryInfo

	FailLoad     error
	FailLora     error
	FailPlace    error
	FailOptimize error
	FailGenerate error
	FailRelease  error

	next int
}

func New() *Runtime {
	return &Runtime{Pipelines: map[inference.Handle]*Pipeline{}}
}

func (r *Runtime) record(format string, args ...any) {
	r.Calls = append(r.Calls, fmt.Sprintf(format, args...))
}

func (r *Runtime) pipeline(h inference.Handle) (*Pipeline, error) {
	p, ok := r.Pipelines[h]
	if !ok || p.Released {
		return nil, inference.ErrUnknownHandle
	}
	return p, nil
}

// Live counts pipelines that were loaded and not released.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.Pipelines {
		if !p.Released {
			n++
		}
	}
	return n
}

func (r *Runtime) Loads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

func (r *Runtime) Last() *Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Pipelines[inference.Handle(fmt.Sprintf("p%d", r.next))]
}

func (r *Runtime) LoadPipeline(_ context.Context, spec inference.LoadSpec) (inference.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("load %s %s", spec.Class, spec.Source)
	if r.FailLoad != nil {
		return "", r.FailLoad
	}
	r.next++
	h := inference.Handle(fmt.Sprintf("p%d", r.next))
	r.Pipelines[h] = &Pipeline{Spec: spec, components: componentsFor(spec.Class)}
	return h, nil
}

func (r *Runtime) LoadLoraWeights(_ context.Context, h inference.Handle, path, adapter string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("lora %s %s", h, path)
	if r.FailLora != nil {
		return r.FailLora
	}
	p, err := r.pipeline(h)
	if err != nil {
		return err
	}
	p.Loras = append(p.Loras, path)
	return nil
}

func (r *Runtime) PlaceOnDevice(_ context.Context, h inference.Handle, offload bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("place %s offload=%t", h, offload)
	if r.FailPlace != nil {
		return r.FailPlace
	}
	p, err := r.pipeline(h)
	if err != nil {
		return err
	}
	p.Placed = true
	p.Offloaded = offload
	return nil
}

func (r *Runtime) Components(_ context.Context, h inference.Handle) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.pipeline(h)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), p.components...), nil
}

func (r *Runtime) Optimize(_ context.Context, h inference.Handle, spec inference.OptimizeSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("optimize %s %s", h, spec.Component)
	if r.FailOptimize != nil {
		return r.FailOptimize
	}
	p, err := r.pipeline(h)
	if err != nil {
		return err
	}
	p.Optimized = append(p.Optimized, spec.Component)
	return nil
}

func (r *Runtime) SetScheduler(_ context.Context, h inference.Handle, className string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("scheduler %s %s", h, className)
	p, err := r.pipeline(h)
	if err != nil {
		return err
	}
	p.Scheduler = className
	return nil
}

func (r *Runtime) SetVaeTiling(_ context.Context, h inference.Handle, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("vae_tiling %s %t", h, enabled)
	p, err := r.pipeline(h)
	if err != nil {
		return err
	}
	p.VaeTiling = enabled
	return nil
}

func (r *Runtime) Generate(ctx context.Context, h inference.Handle, args inference.GenerateArgs, onStep func(int)) ([]byte, error) {
	r.mu.Lock()
	r.record("generate %s", h)
	fail := r.FailGenerate
	p, err := r.pipeline(h)
	if err == nil {
		p.Generated = append(p.Generated, args)
	}
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	for i := 0; i < args.Steps; i++ {
		if fail != nil && i == args.Steps/2 {
			return nil, fail
		}
		if onStep != nil {
			onStep(i)
		}
	}
	if fail != nil {
		return nil, fail
	}
	return TinyPNG(), nil
}

func (r *Runtime) Release(_ context.Context, h inference.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("release %s", h)
	p, ok := r.Pipelines[h]
	if ok {
		p.Released = true
	}
	return r.FailRelease
}

func (r *Runtime) EmptyCache(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("empty_cache")
	r.CacheClears++
	return nil
}

func (r *Runtime) MemoryInfo(context.Context) (inference.MemoryInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Memory == nil {
		return inference.MemoryInfo{}, inference.ErrMemoryInfoUnavailable
	}
	return *r.Memory, nil
}

func componentsFor(class string) []string {
	switch class {
	case "StableDiffusionXLPipeline":
		return []string{"text_encoder", "text_encoder_2", "unet", "vae"}
	case "StableDiffusion3Pipeline":
		return []string{"text_encoder", "text_encoder_2", "text_encoder_3", "transformer", "vae"}
	case "FluxPipeline":
		return []string{"text_encoder", "text_encoder_2", "transformer", "vae"}
	default:
		return []string{"text_encoder", "unet", "vae"}
	}
}

// TinyPNG is a valid 8x8 PNG.
func TinyPNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 32), G: uint8(y * 32), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
