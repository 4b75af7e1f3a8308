package services

import (
	"strings"

	"arttic/internal/apperr"

	"github.com/xeipuuv/gojsonschema"
)

var filenameSchema = map[string]any{
	"type":     "object",
	"required": []string{"filename"},
	"properties": map[string]any{
		"filename": map[string]any{"type": "string", "minLength": 1},
	},
}

// payloadSchemas lists the actions whose payload is checked before dispatch.
var payloadSchemas = map[string]map[string]any{
	actionLoadModel: {
		"type":     "object",
		"required": []string{"model_name"},
		"properties": map[string]any{
			"model_name":     map[string]any{"type": "string"},
			"scheduler_name": map[string]any{"type": "string"},
			"vae_tiling":     map[string]any{"type": "boolean"},
			"cpu_offload":    map[string]any{"type": "boolean"},
			"lora_name":      map[string]any{"type": []string{"string", "null"}},
		},
	},
	actionGenerateImage: {
		"type":     "object",
		"required": []string{"prompt", "steps", "guidance", "width", "height"},
		"properties": map[string]any{
			"prompt":          map[string]any{"type": "string"},
			"negative_prompt": map[string]any{"type": []string{"string", "null"}},
			"steps":           map[string]any{"type": "integer", "minimum": 1},
			"guidance":        map[string]any{"type": "number", "minimum": 0},
			"seed":            map[string]any{"type": []string{"integer", "null"}, "minimum": 0, "maximum": 4294967295},
			"width":           map[string]any{"type": "integer", "minimum": 1},
			"height":          map[string]any{"type": "integer", "minimum": 1},
			"lora_weight":     map[string]any{"type": []string{"number", "null"}},
		},
	},
	actionDeleteImage:     filenameSchema,
	actionDeleteModelFile: filenameSchema,
	actionDeleteLoraFile:  filenameSchema,
}

// validatePayload checks payload against the action's schema, if it has one.
func validatePayload(action string, payload []byte) error {
	schema, ok := payloadSchemas[action]
	if !ok {
		return nil
	}
	if len(payload) == 0 || string(payload) == "null" {
		payload = []byte("{}")
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return apperr.Wrap(apperr.InvalidInput, "Malformed payload for '"+action+"'.", err)
	}
	if result.Valid() {
		return nil
	}
	var details []string
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return apperr.Invalid("Invalid payload for '%s': %s", action, strings.Join(details, "; "))
}
