package pipelines

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"arttic/internal/apperr"
	"arttic/internal/classifier"
	"arttic/internal/clients/huggingface"
	"arttic/internal/inference"
	"arttic/internal/progress"
)

// BaseFetcher is satisfied by *huggingface.Hub.
type BaseFetcher interface {
	Snapshot(ctx context.Context, repo string, include func(string) bool, report progress.Func) (string, error)
	CacheDir() string
}

type Flux struct {
	pipeline
	fetcher BaseFetcher
	repo    string
	schnell bool
}

func NewFlux(rt inference.Runtime, fetcher BaseFetcher, modelPath, repo string, schnell bool) *Flux {
	fam := classifier.FluxDev
	if schnell {
		fam = classifier.FluxSchnell
	}
	return &Flux{
		pipeline: newPipeline(rt, fam, modelPath, "FluxPipeline", "bfloat16", Capabilities{
			DefaultResolution: 1024,
			GBPerMegapixel:    6.0,
		}),
		fetcher: fetcher,
		repo:    repo,
		schnell: schnell,
	}
}

// baseComponent skips the flat single-file checkpoints some base repos ship
// next to the diffusers layout.
func baseComponent(name string) bool {
	if !strings.Contains(name, "/") && strings.HasSuffix(name, ".safetensors") {
		return false
	}
	return !strings.HasPrefix(name, ".")
}

func (f *Flux) Load(ctx context.Context, report progress.Func) error {
	if report == nil {
		report = progress.Nop
	}
	variant := "DEV"
	if f.schnell {
		variant = "Schnell"
	}

	report(0.2, fmt.Sprintf("Loading base FLUX.1 %s components...", variant))
	dir, err := f.fetcher.Snapshot(ctx, f.repo, baseComponent, progress.Scale(report, 0.2, 0.45))
	if err != nil {
		return f.remoteError(err)
	}

	h, err := f.rt.LoadPipeline(ctx, inference.LoadSpec{
		Class:  f.class,
		Source: dir,
		DType:  f.dtype,
	})
	if err != nil {
		return f.remoteError(err)
	}
	f.handle = h

	report(0.5, "Injecting local model weights...")
	if err := f.rt.LoadLoraWeights(ctx, h, f.modelPath, ""); err != nil {
		return fmt.Errorf("inject weights: %w", err)
	}
	f.logger.Info("injected FLUX weights", "variant", variant, "path", f.modelPath)
	return nil
}

func (f *Flux) Generate(ctx context.Context, args inference.GenerateArgs, onStep func(int)) ([]byte, error) {
	if f.schnell && args.NegativePrompt != nil {
		f.logger.Info("FLUX Schnell does not use a negative prompt, ignoring it")
		args.NegativePrompt = nil
	}
	return f.pipeline.Generate(ctx, args, onStep)
}

func (f *Flux) remoteError(err error) error {
	switch {
	case errors.Is(err, huggingface.ErrAccessDenied), errors.Is(err, inference.ErrAccessDenied):
		f.logger.Error("gated repository, login and license acceptance required", "repo", f.repo)
		return apperr.Wrap(apperr.RemoteAccessDenied, fmt.Sprintf(
			"Access to FLUX base model is restricted. Please run 'huggingface-cli login' "+
				"and ensure you have accepted the license for '%s' on the Hugging Face website.", f.repo), err)
	case errors.Is(err, huggingface.ErrUnavailable), errors.Is(err, inference.ErrUnavailable):
		f.logger.Error("failed to download FLUX base model", "repo", f.repo, "err", err)
		return apperr.Wrap(apperr.RemoteUnavailable, fmt.Sprintf(
			"Could not download base FLUX components from Hugging Face. "+
				"This is likely a network issue or a corrupted file cache. "+
				"Ensure your internet connection is stable, delete the Hugging Face cache folder to force a fresh download, "+
				"then restart ArtTic-LAB and try again. Your cache folder is located at: %s", f.fetcher.CacheDir()), err)
	default:
		return fmt.Errorf("load FLUX base: %w", err)
	}
}
