package pipelines

import (
	"context"

	"arttic/internal/classifier"
	"arttic/internal/inference"
	"arttic/internal/progress"
)

// StableDiffusion covers every family that loads from a single checkpoint
// file: SD 1.5, SD 2.x, SDXL and SD3.
type StableDiffusion struct {
	pipeline
}

func (s *StableDiffusion) Load(ctx context.Context, report progress.Func) error {
	if report == nil {
		report = progress.Nop
	}
	return s.loadSingleFile(ctx, report)
}

func NewSD15(rt inference.Runtime, modelPath string) *StableDiffusion {
	return &StableDiffusion{newPipeline(rt, classifier.SD15, modelPath, "StableDiffusionPipeline", "bfloat16", Capabilities{
		DefaultResolution: 512,
		SupportsScheduler: true,
		SupportsVaeTiling: true,
		GBPerMegapixel:    1.5,
	})}
}

// NewSD2 leaves the dtype to the runtime; SD 2.x produces black images in
// half precision on some accelerators.
func NewSD2(rt inference.Runtime, modelPath string) *StableDiffusion {
	return &StableDiffusion{newPipeline(rt, classifier.SD2, modelPath, "StableDiffusionPipeline", "", Capabilities{
		DefaultResolution: 768,
		SupportsScheduler: true,
		SupportsVaeTiling: true,
		GBPerMegapixel:    2.0,
	})}
}

func NewSDXL(rt inference.Runtime, modelPath string) *StableDiffusion {
	return &StableDiffusion{newPipeline(rt, classifier.SDXL, modelPath, "StableDiffusionXLPipeline", "bfloat16", Capabilities{
		DefaultResolution: 1024,
		SupportsScheduler: true,
		SupportsVaeTiling: true,
		GBPerMegapixel:    3.0,
	})}
}

func NewSD3(rt inference.Runtime, modelPath string) *StableDiffusion {
	return &StableDiffusion{newPipeline(rt, classifier.SD3, modelPath, "StableDiffusion3Pipeline", "bfloat16", Capabilities{
		DefaultResolution: 1024,
		SupportsVaeTiling: true,
		GBPerMegapixel:    4.0,
	})}
}
