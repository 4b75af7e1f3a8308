package metadata

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writePNG(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "ArtTic-LAB_1.png")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func fixedCodec(ts time.Time) *Codec {
	c := NewCodec("3.1.0")
	c.now = func() time.Time { return ts }
	return c
}

func testParams() Params {
	return Params{
		Prompt:         "a castle on a hill, café ☕",
		NegativePrompt: "blurry",
		ModelName:      "dreamshaper",
		Seed:           42,
		Width:          512,
		Height:         768,
		Steps:          30,
		CfgScale:       7.0,
		Lora:           &Lora{Name: "pixel", Weight: 0.75},
	}
}

func TestCanonical_MatchesPythonJSONDumps(t *testing.T) {
	got, err := Canonical(map[string]any{
		"b": 7.0,
		"a": "é😀<>&/\n\x7f",
		"c": 1e-05,
		"d": []any{1, true, nil},
		"e": 0.1,
		"f": 1e16,
		"g": 123456789.5,
		"h": 0.0,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a": "\u00e9\ud83d\ude00<>&/\n\u007f", "b": 7.0, "c": 1e-05, "d": [1, true, null], "e": 0.1, "f": 1e+16, "g": 123456789.5, "h": 0.0}`
	if string(got) != want {
		t.Fatalf("canonical mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestCreate_HashMatchesPython(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)
	r, err := fixedCodec(ts).Create(testParams())
	if err != nil {
		t.Fatal(err)
	}
	if r.TimestampGeneration != "2024-05-01T10:00:00.123456Z" || r.TimestampModification != r.TimestampGeneration {
		t.Fatalf("timestamps = %q %q", r.TimestampGeneration, r.TimestampModification)
	}
	// json.dumps(record, sort_keys=True) hashed by the Python release
	const want = "3a7b710044d2556e8a5228c274edb13721a771c080afc755850328e50bd79a89"
	if r.Hash != want {
		t.Fatalf("hash = %s, want %s", r.Hash, want)
	}
}

func TestEmbedExtract_RoundTrip(t *testing.T) {
	path := writePNG(t)
	c := fixedCodec(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	r, err := c.Create(testParams())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Embed(path, r); err != nil {
		t.Fatal(err)
	}

	got, ok := c.Extract(path)
	if !ok {
		t.Fatal("expected metadata")
	}
	if got.Prompt != r.Prompt || got.Seed != r.Seed || got.CfgScale != r.CfgScale || got.Hash != r.Hash {
		t.Fatalf("got %+v, want %+v", got, r)
	}
	if got.Lora == nil || *got.Lora != *r.Lora {
		t.Fatalf("lora = %+v", got.Lora)
	}

	// still a decodable image
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := png.Decode(f); err != nil {
		t.Fatalf("image no longer decodes: %v", err)
	}
}

func TestEmbed_ReplacesExistingChunk(t *testing.T) {
	path := writePNG(t)
	c := NewCodec("3.1.0")
	for _, prompt := range []string{"first", "second"} {
		p := testParams()
		p.Prompt = prompt
		r, err := c.Create(p)
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Embed(path, r); err != nil {
			t.Fatal(err)
		}
	}
	raw, _ := os.ReadFile(path)
	if n := bytes.Count(raw, []byte("tEXt"+Key)); n != 1 {
		t.Fatalf("found %d metadata chunks", n)
	}
	got, ok := c.Extract(path)
	if !ok || got.Prompt != "second" {
		t.Fatalf("got %+v, %v", got, ok)
	}
}

func TestExtract_TamperedIsAbsent(t *testing.T) {
	path := writePNG(t)
	c := NewCodec("3.1.0")
	r, _ := c.Create(testParams())
	if err := c.Embed(path, r); err != nil {
		t.Fatal(err)
	}

	raw, _ := os.ReadFile(path)
	tampered := bytes.Replace(raw, []byte("castle"), []byte("cattle"), 1)
	if bytes.Equal(raw, tampered) {
		t.Fatal("tamper did not change the file")
	}
	if err := os.WriteFile(path, tampered, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Extract(path); ok {
		t.Fatal("tampered metadata must be treated as absent")
	}
}

func TestExtract_PythonWrittenRecord(t *testing.T) {
	path := writePNG(t)
	// json.dumps(metadata) as written by the Python release: insertion order
	payload := `{"prompt": "a castle on a hill, caf\u00e9 \u2615", "negative_prompt": "blurry", "model_name": "dreamshaper", "seed": 42, "width": 512, "height": 768, "steps": 30, "cfg_scale": 7.0, "timestamp_generation": "2024-05-01T10:00:00.123456Z", "timestamp_modification": "2024-05-01T10:00:00.123456Z", "arttic_lab_version": "3.1.0", "lora_info": {"name": "pixel", "weight": 0.75}, "hash": "3a7b710044d2556e8a5228c274edb13721a771c080afc755850328e50bd79a89"}`
	c := NewCodec("3.1.0")
	if err := c.embedRaw(path, payload); err != nil {
		t.Fatal(err)
	}
	got, ok := c.Extract(path)
	if !ok {
		t.Fatal("expected Python record to verify")
	}
	if got.Prompt != "a castle on a hill, café ☕" || got.CfgScale != 7 {
		t.Fatalf("got %+v", got)
	}
}

func TestExtract_MissingOrUnhashed(t *testing.T) {
	path := writePNG(t)
	c := NewCodec("3.1.0")
	if _, ok := c.Extract(path); ok {
		t.Fatal("plain image has no metadata")
	}
	if _, ok := c.Extract(filepath.Join(t.TempDir(), "missing.png")); ok {
		t.Fatal("missing file has no metadata")
	}
	if err := c.embedRaw(path, `{"prompt": "x"}`); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Extract(path); ok {
		t.Fatal("record without hash must be absent")
	}
}

func TestTouchModified(t *testing.T) {
	path := writePNG(t)
	gen := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c := fixedCodec(gen)

	ok, err := c.TouchModified(path)
	if err != nil || ok {
		t.Fatalf("touch without metadata = %v, %v", ok, err)
	}

	r, _ := c.Create(testParams())
	if err := c.Embed(path, r); err != nil {
		t.Fatal(err)
	}

	c.now = func() time.Time { return gen.Add(time.Hour) }
	ok, err = c.TouchModified(path)
	if err != nil || !ok {
		t.Fatalf("touch = %v, %v", ok, err)
	}

	got, valid := c.Extract(path)
	if !valid {
		t.Fatal("touched record must verify")
	}
	if got.TimestampGeneration != r.TimestampGeneration {
		t.Fatalf("generation timestamp changed: %s", got.TimestampGeneration)
	}
	if !strings.HasPrefix(got.TimestampModification, "2024-05-01T11:00:00") {
		t.Fatalf("modification timestamp = %s", got.TimestampModification)
	}
	if got.Hash == r.Hash {
		t.Fatal("hash must be recomputed")
	}
}

func TestWriteText_RejectsNonPNG(t *testing.T) {
	if _, err := writeText([]byte("GIF89a"), Key, "{}"); err != ErrNotPNG {
		t.Fatalf("err = %v", err)
	}
}
