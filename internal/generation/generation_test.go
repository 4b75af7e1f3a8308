package generation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"arttic/internal/apperr"
	"arttic/internal/history"
	"arttic/internal/inference"
	"arttic/internal/inference/fake"
	"arttic/internal/metadata"
	"arttic/internal/pipelines"
	"arttic/internal/state"
	"arttic/internal/storage"
)

type stubModels struct{}

// the path does not exist, so classification falls back to SD 1.5
func (stubModels) ModelPath(name string) (string, error) { return "/nonexistent/" + name + ".safetensors", nil }
func (stubModels) LoraPath(name string) (string, bool) {
	return "/nonexistent/" + name + ".safetensors", name == "pixel"
}

type memHistory struct{ entries []history.Entry }

func (m *memHistory) Record(_ context.Context, e history.Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

type fixture struct {
	rt      *fake.Runtime
	state   *state.Manager
	store   *storage.Store
	codec   *metadata.Codec
	history *memHistory
	orch    *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	store, err := storage.New(filepath.Join(root, "models"), filepath.Join(root, "loras"), filepath.Join(root, "outputs"), "ArtTic-LAB")
	if err != nil {
		t.Fatal(err)
	}
	rt := fake.New()
	st := state.NewManager(stubModels{}, pipelines.Deps{Runtime: rt}, nil)
	codec := metadata.NewCodec("3.1.0")
	h := &memHistory{}
	return &fixture{
		rt:      rt,
		state:   st,
		store:   store,
		codec:   codec,
		history: h,
		orch:    NewOrchestrator(st, rt, store, codec, h, nil),
	}
}

func (f *fixture) load(t *testing.T, lora string) {
	t.Helper()
	if _, err := f.state.Load(context.Background(), state.LoadRequest{Model: "dream", Lora: lora}, nil); err != nil {
		t.Fatal(err)
	}
}

func seed(v uint32) *uint32 { return &v }

func TestGenerate_NoModel(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Generate(context.Background(), Request{Prompt: "x", Steps: 2, Width: 64, Height: 64}, nil)
	if !errors.Is(err, state.ErrNoModelLoaded) {
		t.Fatalf("err = %v", err)
	}
}

func TestGenerate_Validation(t *testing.T) {
	f := newFixture(t)
	f.load(t, "")
	tests := []Request{
		{Steps: 0, Width: 64, Height: 64},
		{Steps: 1, Guidance: -1, Width: 64, Height: 64},
		{Steps: 1, Width: 0, Height: 64},
	}
	for i, req := range tests {
		if _, err := f.orch.Generate(context.Background(), req, nil); !apperr.Is(err, apperr.InvalidInput) {
			t.Fatalf("case %d: err = %v", i, err)
		}
	}
}

func TestGenerate_Success(t *testing.T) {
	f := newFixture(t)
	f.load(t, "")

	var descs []string
	var values []float64
	res, err := f.orch.Generate(context.Background(), Request{
		Prompt:         "a castle",
		NegativePrompt: "   ",
		Steps:          4,
		Guidance:       7.5,
		Seed:           seed(7),
		Width:          512,
		Height:         512,
		LoraWeight:     0.8,
	}, func(p float64, d string) {
		values = append(values, p)
		descs = append(descs, d)
	})
	if err != nil {
		t.Fatal(err)
	}

	if res.ImageFilename != "ArtTic-LAB_1.png" || res.Seed != 7 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.HasPrefix(res.Info, "Generated in ") || !strings.HasSuffix(res.Info, "on 'dream' with seed 7.") {
		t.Fatalf("info = %q", res.Info)
	}

	if fmt.Sprint(descs) != "[Sampling... 1/4 Sampling... 2/4 Sampling... 3/4 Sampling... 4/4]" {
		t.Fatalf("descs = %v", descs)
	}
	if fmt.Sprint(values) != "[0 0.25 0.5 0.75]" {
		t.Fatalf("values = %v", values)
	}

	args := f.rt.Last().Generated[0]
	if args.NegativePrompt != nil {
		t.Fatal("blank negative prompt must be omitted")
	}
	if args.LoraScale != nil {
		t.Fatal("no LoRA loaded, scale must be omitted")
	}
	if args.Seed != 7 || args.Steps != 4 || args.Guidance != 7.5 {
		t.Fatalf("args = %+v", args)
	}

	rec, ok := f.codec.Extract(filepath.Join(f.store.OutputsDir(), res.ImageFilename))
	if !ok {
		t.Fatal("metadata missing from output")
	}
	if rec.Seed != 7 || rec.ModelName != "dream" || rec.CfgScale != 7.5 || rec.Lora != nil {
		t.Fatalf("record = %+v", rec)
	}
	if len(f.history.entries) != 1 || f.history.entries[0].Filename != "ArtTic-LAB_1.png" {
		t.Fatalf("history = %+v", f.history.entries)
	}

	res2, err := f.orch.Generate(context.Background(), Request{Prompt: "again", Steps: 1, Width: 64, Height: 64}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res2.ImageFilename != "ArtTic-LAB_2.png" {
		t.Fatalf("second filename = %s", res2.ImageFilename)
	}
}

func TestGenerate_RandomSeed(t *testing.T) {
	f := newFixture(t)
	f.load(t, "")
	f.orch.randomSeed = func() uint32 { return 4294967295 }
	res, err := f.orch.Generate(context.Background(), Request{Prompt: "x", Steps: 1, Width: 64, Height: 64}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Seed != 4294967295 || f.rt.Last().Generated[0].Seed != 4294967295 {
		t.Fatalf("seed = %d", res.Seed)
	}
}

func TestGenerate_Lora(t *testing.T) {
	f := newFixture(t)
	f.load(t, "pixel")

	res, err := f.orch.Generate(context.Background(), Request{Prompt: "x", NegativePrompt: "blurry", Steps: 2, Width: 64, Height: 64, LoraWeight: 0.8}, nil)
	if err != nil {
		t.Fatal(err)
	}
	args := f.rt.Last().Generated[0]
	if args.LoraScale == nil || *args.LoraScale != 0.8 {
		t.Fatalf("lora scale = %v", args.LoraScale)
	}
	if args.NegativePrompt == nil || *args.NegativePrompt != "blurry" {
		t.Fatal("negative prompt must be passed")
	}
	if !strings.HasSuffix(res.Info, " LoRA: pixel @ 0.8.") {
		t.Fatalf("info = %q", res.Info)
	}

	if _, err := f.orch.Generate(context.Background(), Request{Prompt: "x", Steps: 1, Width: 64, Height: 64, LoraWeight: 0}, nil); err != nil {
		t.Fatal(err)
	}
	if f.rt.Last().Generated[1].LoraScale != nil {
		t.Fatal("zero weight must not apply the LoRA")
	}
}

func TestGenerate_OutOfMemoryKeepsModelLoaded(t *testing.T) {
	f := newFixture(t)
	f.load(t, "")
	f.rt.FailGenerate = fmt.Errorf("xpu: %w", inference.ErrOutOfMemory)
	clears := f.rt.CacheClears

	_, err := f.orch.Generate(context.Background(), Request{Prompt: "x", Steps: 4, Width: 4096, Height: 4096}, nil)
	if !apperr.Is(err, apperr.OutOfMemory) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(apperr.Message(err), "reducing the resolution") {
		t.Fatalf("message = %q", apperr.Message(err))
	}
	if !f.state.Status().Loaded {
		t.Fatal("pipeline must remain resident after OOM")
	}
	if f.rt.CacheClears != clears+1 {
		t.Fatalf("cache clears = %d", f.rt.CacheClears)
	}
	entries, _ := os.ReadDir(f.store.OutputsDir())
	if len(entries) != 0 {
		t.Fatalf("outputs written on failure: %v", entries)
	}
}

func TestGenerate_OtherFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	f.load(t, "")
	f.rt.FailGenerate = errors.New("nan latents")
	_, err := f.orch.Generate(context.Background(), Request{Prompt: "x", Steps: 2, Width: 64, Height: 64}, nil)
	if !apperr.Is(err, apperr.Internal) {
		t.Fatalf("err = %v", err)
	}
}
