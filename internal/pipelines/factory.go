package pipelines

import (
	"sort"

	"arttic/internal/classifier"
	"arttic/internal/inference"
)

// Schedulers maps the UI names to runtime scheduler classes.
var Schedulers = map[string]string{
	"Euler A":  "EulerAncestralDiscreteScheduler",
	"DPM++ 2M": "DPMSolverMultistepScheduler",
	"DDIM":     "DDIMScheduler",
	"UniPC":    "UniPCMultistepScheduler",
	"Euler":    "EulerDiscreteScheduler",
	"LMS":      "LMSDiscreteScheduler",
}

func SchedulerNames() []string {
	names := make([]string, 0, len(Schedulers))
	for name := range Schedulers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Deps is what the factory needs to build any family's adapter.
type Deps struct {
	Runtime         inference.Runtime
	Fetcher         BaseFetcher
	FluxDevRepo     string
	FluxSchnellRepo string
}

func New(fam classifier.Family, modelPath string, deps Deps) Adapter {
	switch fam {
	case classifier.SD2:
		return NewSD2(deps.Runtime, modelPath)
	case classifier.SDXL:
		return NewSDXL(deps.Runtime, modelPath)
	case classifier.SD3:
		return NewSD3(deps.Runtime, modelPath)
	case classifier.FluxDev:
		return NewFlux(deps.Runtime, deps.Fetcher, modelPath, deps.FluxDevRepo, false)
	case classifier.FluxSchnell:
		return NewFlux(deps.Runtime, deps.Fetcher, modelPath, deps.FluxSchnellRepo, true)
	default:
		return NewSD15(deps.Runtime, modelPath)
	}
}
