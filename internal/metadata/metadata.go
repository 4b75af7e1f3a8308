// Package metadata seals generation records into PNG text chunks.
package metadata

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
)

// Key is the PNG text keyword holding the record.
const Key = "parameters"

const timestampLayout = "2006-01-02T15:04:05.000000Z"

type Lora struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

type Record struct {
	Prompt                string  `json:"prompt"`
	NegativePrompt        string  `json:"negative_prompt"`
	ModelName             string  `json:"model_name"`
	Seed                  uint32  `json:"seed"`
	Width                 int     `json:"width"`
	Height                int     `json:"height"`
	Steps                 int     `json:"steps"`
	CfgScale              float64 `json:"cfg_scale"`
	TimestampGeneration   string  `json:"timestamp_generation"`
	TimestampModification string  `json:"timestamp_modification"`
	Version               string  `json:"arttic_lab_version"`
	Lora                  *Lora   `json:"lora_info,omitempty"`
	Hash                  string  `json:"hash"`
}

// Params are the generation inputs a record is built from.
type Params struct {
	Prompt         string
	NegativePrompt string
	ModelName      string
	Seed           uint32
	Width          int
	Height         int
	Steps          int
	CfgScale       float64
	Lora           *Lora
}

type Codec struct {
	version string
	now     func() time.Time
	logger  *log.Logger
}

func NewCodec(version string) *Codec {
	return &Codec{
		version: version,
		now:     time.Now,
		logger:  log.With("component", "metadata"),
	}
}

func (c *Codec) stamp() string {
	return c.now().UTC().Format(timestampLayout)
}

// Create stamps both timestamps with the current UTC time and seals the record.
func (c *Codec) Create(p Params) (Record, error) {
	ts := c.stamp()
	r := Record{
		Prompt:                p.Prompt,
		NegativePrompt:        p.NegativePrompt,
		ModelName:             p.ModelName,
		Seed:                  p.Seed,
		Width:                 p.Width,
		Height:                p.Height,
		Steps:                 p.Steps,
		CfgScale:              p.CfgScale,
		TimestampGeneration:   ts,
		TimestampModification: ts,
		Version:               c.version,
		Lora:                  p.Lora,
	}
	h, err := Hash(r.fields())
	if err != nil {
		return Record{}, err
	}
	r.Hash = h
	return r, nil
}

// fields is the record as a generic map, without the hash.
func (r Record) fields() map[string]any {
	m := map[string]any{
		"prompt":                 r.Prompt,
		"negative_prompt":        r.NegativePrompt,
		"model_name":             r.ModelName,
		"seed":                   r.Seed,
		"width":                  r.Width,
		"height":                 r.Height,
		"steps":                  r.Steps,
		"cfg_scale":              r.CfgScale,
		"timestamp_generation":   r.TimestampGeneration,
		"timestamp_modification": r.TimestampModification,
		"arttic_lab_version":     r.Version,
	}
	if r.Lora != nil {
		m["lora_info"] = map[string]any{"name": r.Lora.Name, "weight": r.Lora.Weight}
	}
	return m
}

// Hash is the hex SHA-256 of the canonical form of fields, which must not
// contain the "hash" key itself.
func Hash(fields map[string]any) (string, error) {
	b, err := Canonical(fields)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Embed rewrites the PNG at path with the record stored under Key.
func (c *Codec) Embed(path string, r Record) error {
	m := r.fields()
	m["hash"] = r.Hash
	payload, err := Canonical(m)
	if err != nil {
		return err
	}
	return c.embedRaw(path, string(payload))
}

func (c *Codec) embedRaw(path, payload string) error {
	file, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out, err := writeText(file, Key, payload)
	if err != nil {
		return fmt.Errorf("embed metadata in %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, out)
}

// Extract returns the verified record stored in the image. Missing,
// unreadable or tampered metadata all come back as absent.
func (c *Codec) Extract(path string) (Record, bool) {
	logger := c.logger.With("image", filepath.Base(path))

	file, err := os.ReadFile(path)
	if err != nil {
		logger.Error("could not read image", "err", err)
		return Record{}, false
	}
	text, ok, err := readText(file, Key)
	if err != nil {
		logger.Error("could not read metadata chunk", "err", err)
		return Record{}, false
	}
	if !ok {
		return Record{}, false
	}

	fields, stored, err := decode(text)
	if err != nil {
		logger.Error("metadata is not valid JSON", "err", err)
		return Record{}, false
	}
	if stored == "" {
		logger.Warn("metadata has no hash, ignoring it")
		return Record{}, false
	}
	calculated, err := Hash(fields)
	if err != nil {
		logger.Error("could not hash metadata", "err", err)
		return Record{}, false
	}
	if calculated != stored {
		logger.Warn("metadata hash mismatch, metadata may have been tampered with")
		return Record{}, false
	}

	var r Record
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		logger.Error("metadata does not match the record layout", "err", err)
		return Record{}, false
	}
	return r, true
}

// decode splits the stored JSON into the hashed fields and the stored hash.
// Numbers stay json.Number so they are hashed exactly as written.
func decode(text string) (map[string]any, string, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, "", err
	}
	stored, _ := fields["hash"].(string)
	delete(fields, "hash")
	return fields, stored, nil
}

// TouchModified refreshes timestamp_modification and reseals the record.
// It reports false when the image carries no valid record.
func (c *Codec) TouchModified(path string) (bool, error) {
	if _, ok := c.Extract(path); !ok {
		return false, nil
	}

	// work on the raw fields so unknown keys and number spellings survive
	file, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	text, _, err := readText(file, Key)
	if err != nil {
		return false, err
	}
	fields, _, err := decode(text)
	if err != nil {
		return false, err
	}

	fields["timestamp_modification"] = c.stamp()
	h, err := Hash(fields)
	if err != nil {
		return false, err
	}
	fields["hash"] = h
	payload, err := Canonical(fields)
	if err != nil {
		return false, err
	}
	if err := c.embedRaw(path, string(payload)); err != nil {
		return false, err
	}
	return true, nil
}

func writeFileAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".meta-*.png")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
