package huggingface

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ModelInfo is the subset of GET /api/models/{repo} this app reads.
type ModelInfo struct {
	ID           string          `json:"id"`
	ModelID      string          `json:"modelId"`
	Sha          string          `json:"sha"`
	Private      bool            `json:"private"`
	Disabled     bool            `json:"disabled"`
	Gated        json.RawMessage `json:"gated,omitempty"`
	LastModified hubTime         `json:"lastModified"`
	Tags         []string        `json:"tags"`
	Siblings     []Sibling       `json:"siblings"`
}

type Sibling struct {
	Filename string `json:"rfilename"`
	Size     *int64 `json:"size,omitempty"`
}

// IsGated reports whether the repo requires accepting a license. The hub
// encodes this as false, "auto" or "manual".
func (m ModelInfo) IsGated() bool {
	s := strings.TrimSpace(string(m.Gated))
	return s != "" && s != "false" && s != "null"
}

func (m ModelInfo) Files() []string {
	out := make([]string, 0, len(m.Siblings))
	for _, s := range m.Siblings {
		if s.Filename != "" {
			out = append(out, s.Filename)
		}
	}
	return out
}

// Size sums the sibling sizes the hub reported. Unknown sizes count as zero.
func (m ModelInfo) Size(include func(string) bool) int64 {
	var total int64
	for _, s := range m.Siblings {
		if s.Size == nil || (include != nil && !include(s.Filename)) {
			continue
		}
		total += *s.Size
	}
	return total
}

// hubTime is a lastModified stamp. Mirrors return it as an RFC3339 string,
// sometimes without a zone, and a few return unix seconds.
type hubTime struct {
	time.Time
}

var hubTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func (t *hubTime) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("lastModified: %w", err)
	}
	switch v := raw.(type) {
	case nil:
		t.Time = time.Time{}
	case float64:
		t.Time = time.Unix(int64(v), 0).UTC()
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			t.Time = time.Time{}
			return nil
		}
		for _, layout := range hubTimeLayouts {
			if parsed, err := time.Parse(layout, v); err == nil {
				t.Time = parsed
				return nil
			}
		}
		return fmt.Errorf("lastModified: unrecognised time %q", v)
	default:
		return fmt.Errorf("lastModified: unexpected %T", raw)
	}
	return nil
}
