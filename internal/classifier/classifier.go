package classifier

import (
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
)

type Family int

const (
	SD15 Family = iota
	SD2
	SDXL
	SD3
	FluxDev
	FluxSchnell
)

func (f Family) String() string {
	switch f {
	case SD2:
		return "SD 2.x"
	case SDXL:
		return "SDXL"
	case SD3:
		return "SD3"
	case FluxDev:
		return "FLUX Dev"
	case FluxSchnell:
		return "FLUX Schnell"
	default:
		return "SD 1.5"
	}
}

func (f Family) IsFlux() bool { return f == FluxDev || f == FluxSchnell }

const v2CrossAttentionKey = "model.diffusion_model.input_blocks.8.1.transformer_blocks.0.attn2.to_k.weight"

// Classify inspects the checkpoint at path. Any failure to read it falls
// back to SD15 so a load attempt is never blocked here.
func Classify(path string) Family {
	logger := log.With("component", "classifier", "model", filepath.Base(path))

	keys, err := ReadTensorNames(path)
	if err != nil {
		logger.Error("could not inspect checkpoint, assuming SD 1.5", "err", err)
		return SD15
	}

	fam := ClassifyKeys(keys, filepath.Base(path))
	logger.Info("checkpoint classified", "family", fam.String(), "tensors", len(keys))
	return fam
}

// ClassifyKeys applies the signature rules most-specific first.
func ClassifyKeys(keys []string, filename string) Family {
	switch {
	case anyKey(keys, func(k string) bool { return strings.HasPrefix(k, "text_encoders.") }):
		return SD3
	case anyKey(keys, func(k string) bool { return strings.HasPrefix(k, "conditioner.embedders.1") }):
		return SDXL
	case isFlux(keys):
		if strings.Contains(strings.ToLower(filename), "schnell") {
			return FluxSchnell
		}
		return FluxDev
	case anyKey(keys, func(k string) bool { return k == v2CrossAttentionKey }):
		return SD2
	default:
		return SD15
	}
}

func isFlux(keys []string) bool {
	flux := anyKey(keys, func(k string) bool {
		return strings.Contains(k, "transformer.") || strings.Contains(k, "double_blocks.")
	})
	unet := anyKey(keys, func(k string) bool {
		return strings.Contains(k, "input_blocks") || strings.Contains(k, "output_blocks")
	})
	return flux && !unet
}

func anyKey(keys []string, match func(string) bool) bool {
	for _, k := range keys {
		if match(k) {
			return true
		}
	}
	return false
}
