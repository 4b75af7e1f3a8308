// Package inference is the contract of the external diffusion runtime.
package inference

import (
	"context"
	"errors"
)

var (
	ErrOutOfMemory           = errors.New("inference: accelerator out of memory")
	ErrAccessDenied          = errors.New("inference: remote repository access denied")
	ErrUnavailable           = errors.New("inference: remote source unavailable")
	ErrMemoryInfoUnavailable = errors.New("inference: memory introspection unavailable")
	ErrUnknownHandle         = errors.New("inference: unknown pipeline handle")
)

// Handle identifies one pipeline resident in the runtime.
type Handle string

type LoadSpec struct {
	// Class is the diffusers pipeline class, e.g. "StableDiffusionXLPipeline".
	Class string `json:"class"`
	// Source is a checkpoint file (SingleFile) or a local pretrained directory.
	Source               string `json:"source"`
	SingleFile           bool   `json:"single_file"`
	DType                string `json:"dtype"`
	DisableSafetyChecker bool   `json:"disable_safety_checker"`
}

type OptimizeSpec struct {
	Component      string `json:"component"`
	DType          string `json:"dtype"`
	ChannelsLast   bool   `json:"channels_last"`
	WeightsPrepack bool   `json:"weights_prepack"`
}

// GenerateArgs mirrors the keyword arguments of a pipeline call. A nil
// NegativePrompt or LoraScale means the argument is omitted entirely.
type GenerateArgs struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt *string  `json:"negative_prompt,omitempty"`
	Steps          int      `json:"num_inference_steps"`
	Guidance       float64  `json:"guidance_scale"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	Seed           uint32   `json:"seed"`
	LoraScale      *float64 `json:"lora_scale,omitempty"`
	AutocastDType  string   `json:"autocast_dtype"`
}

type MemoryInfo struct {
	Device     string `json:"device"`
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
}

type Runtime interface {
	LoadPipeline(ctx context.Context, spec LoadSpec) (Handle, error)
	LoadLoraWeights(ctx context.Context, h Handle, path, adapterName string) error
	PlaceOnDevice(ctx context.Context, h Handle, offload bool) error
	Components(ctx context.Context, h Handle) ([]string, error)
	Optimize(ctx context.Context, h Handle, spec OptimizeSpec) error
	SetScheduler(ctx context.Context, h Handle, className string) error
	SetVaeTiling(ctx context.Context, h Handle, enabled bool) error
	// Generate returns PNG bytes. onStep receives the zero-based index of
	// each finished sampling step.
	Generate(ctx context.Context, h Handle, args GenerateArgs, onStep func(step int)) ([]byte, error)
	Release(ctx context.Context, h Handle) error
	EmptyCache(ctx context.Context) error
	MemoryInfo(ctx context.Context) (MemoryInfo, error)
}
