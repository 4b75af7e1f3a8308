package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"arttic/internal/generation"
	"arttic/internal/inference"
	"arttic/internal/progress"
	"arttic/types"

	"github.com/gofiber/contrib/websocket"
)

type fakeSocket struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) WriteMessage(kind int, data []byte) error {
	if kind != websocket.TextMessage {
		return nil
	}
	select {
	case s.out <- append([]byte(nil), data...):
		return nil
	case <-s.closed:
		return io.ErrClosedPipe
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case m := <-s.in:
		return websocket.TextMessage, m, nil
	case <-s.closed:
		return 0, nil, io.EOF
	}
}

func (s *fakeSocket) SetReadLimit(int64)                {}
func (s *fakeSocket) SetReadDeadline(time.Time) error   { return nil }
func (s *fakeSocket) SetWriteDeadline(time.Time) error  { return nil }
func (s *fakeSocket) SetPongHandler(func(string) error) {}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *fakeSocket) send(t *testing.T, action string, payload any) {
	t.Helper()
	b, err := json.Marshal(map[string]any{"action": action, "payload": payload})
	if err != nil {
		t.Fatal(err)
	}
	s.in <- b
}

// expect reads frames until one of the given type arrives and returns it
// together with the types skipped on the way.
func (s *fakeSocket) expect(t *testing.T, eventType string) (frame, []string) {
	t.Helper()
	var skipped []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case b := <-s.out:
			var f frame
			if err := json.Unmarshal(b, &f); err != nil {
				t.Fatalf("bad frame %s: %v", b, err)
			}
			if f.Type == eventType {
				return f, skipped
			}
			skipped = append(skipped, f.Type)
		case <-timeout:
			t.Fatalf("timed out waiting for %q, saw %v", eventType, skipped)
		}
	}
}

func connect(t *testing.T, f *fixture, id string) *fakeSocket {
	t.Helper()
	sock := newFakeSocket()
	go f.api.serveClient(sock, id, f.api.actions())
	t.Cleanup(func() { sock.Close() })
	sock.expect(t, eventConnected)
	return sock
}

func TestWS_LoadGenerateUnload(t *testing.T) {
	f := newFixture(t)
	sock := connect(t, f, "c1")

	sock.send(t, actionLoadModel, types.LoadModelPayload{ModelName: "dream", SchedulerName: "Euler A", VaeTiling: true})
	loaded, skipped := sock.expect(t, eventModelLoaded)
	for _, s := range skipped {
		if s != eventProgress {
			t.Fatalf("unexpected event before model_loaded: %s", s)
		}
	}
	var ml types.ModelLoadedEvent
	if err := json.Unmarshal(loaded.Data, &ml); err != nil {
		t.Fatal(err)
	}
	if ml.StatusMessage != "Ready: dream (SD 1.5)" || ml.Width != 512 || ml.MaxResVRAM != 1024 || ml.MaxResOffload != 1024 {
		t.Fatalf("model_loaded = %+v", ml)
	}

	sock.send(t, actionGenerateImage, map[string]any{
		"prompt": "a castle", "negative_prompt": "", "steps": 4, "guidance": 7.5,
		"seed": 42, "width": 64, "height": 64, "lora_weight": 0,
	})
	done, _ := sock.expect(t, eventGenerationComplete)
	var res generation.Result
	if err := json.Unmarshal(done.Data, &res); err != nil {
		t.Fatal(err)
	}
	if res.ImageFilename != "ArtTic-LAB_1.png" || res.Seed != 42 {
		t.Fatalf("result = %+v", res)
	}

	gallery, skipped := sock.expect(t, eventGalleryUpdated)
	if len(skipped) != 0 {
		t.Fatalf("events after generation_complete: %v", skipped)
	}
	var g types.GalleryResponse
	if err := json.Unmarshal(gallery.Data, &g); err != nil {
		t.Fatal(err)
	}
	if len(g.Images) != 1 || g.Images[0] != "ArtTic-LAB_1.png" {
		t.Fatalf("gallery = %v", g.Images)
	}

	sock.send(t, actionUnloadModel, nil)
	unloaded, _ := sock.expect(t, eventModelUnloaded)
	var um types.StatusMessageEvent
	if err := json.Unmarshal(unloaded.Data, &um); err != nil {
		t.Fatal(err)
	}
	if um.StatusMessage != "No model loaded." {
		t.Fatalf("model_unloaded = %+v", um)
	}
}

func TestWS_GenerateWithoutModel(t *testing.T) {
	f := newFixture(t)
	sock := connect(t, f, "c1")

	sock.send(t, actionGenerateImage, map[string]any{"prompt": "x", "steps": 2, "guidance": 7, "width": 64, "height": 64})
	ev, _ := sock.expect(t, eventError)
	var m types.MessageEvent
	if err := json.Unmarshal(ev.Data, &m); err != nil {
		t.Fatal(err)
	}
	if m.Message != "Cannot generate, no model is loaded." {
		t.Fatalf("message = %q", m.Message)
	}
}

func TestWS_GenerateOutOfMemory(t *testing.T) {
	f := newFixture(t)
	sock := connect(t, f, "c1")

	sock.send(t, actionLoadModel, types.LoadModelPayload{ModelName: "dream"})
	sock.expect(t, eventModelLoaded)

	f.rt.FailGenerate = inference.ErrOutOfMemory
	sock.send(t, actionGenerateImage, map[string]any{"prompt": "x", "steps": 4, "guidance": 7, "width": 64, "height": 64})
	ev, skipped := sock.expect(t, eventGenerationFailed)
	for _, s := range skipped {
		if s == eventError {
			t.Fatal("out of memory must not surface as a generic error")
		}
	}
	var m types.MessageEvent
	if err := json.Unmarshal(ev.Data, &m); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(m.Message, "Out of memory!") {
		t.Fatalf("message = %q", m.Message)
	}
}

func TestWS_PayloadValidation(t *testing.T) {
	f := newFixture(t)
	sock := connect(t, f, "c1")

	tests := []struct {
		action  string
		payload any
	}{
		{actionGenerateImage, map[string]any{"prompt": "x", "steps": 0, "guidance": 7, "width": 64, "height": 64}},
		{actionGenerateImage, map[string]any{"prompt": "x", "steps": 2, "guidance": 7, "width": 64, "height": 64, "seed": -1}},
		{actionLoadModel, map[string]any{"cpu_offload": "yes"}},
		{actionDeleteImage, map[string]any{}},
	}
	for _, tt := range tests {
		sock.send(t, tt.action, tt.payload)
		ev, _ := sock.expect(t, eventError)
		var m types.MessageEvent
		if err := json.Unmarshal(ev.Data, &m); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(m.Message, tt.action) {
			t.Fatalf("%s: message = %q", tt.action, m.Message)
		}
	}
}

func TestWS_MalformedFrame(t *testing.T) {
	f := newFixture(t)
	sock := connect(t, f, "c1")

	sock.in <- []byte("{not json")
	sock.expect(t, eventError)
}

func TestWS_DeleteImage(t *testing.T) {
	f := newFixture(t)
	sock := connect(t, f, "c1")

	sock.send(t, actionDeleteImage, types.FilePayload{Filename: "../prompts.toml"})
	ev, _ := sock.expect(t, eventImageDeleted)
	var r types.ResultEvent
	if err := json.Unmarshal(ev.Data, &r); err != nil {
		t.Fatal(err)
	}
	if r.Status != "error" {
		t.Fatalf("traversal accepted: %+v", r)
	}
	if _, err := os.Stat(filepath.Join(f.root, "prompts.toml")); err != nil {
		t.Fatalf("file outside outputs touched: %v", err)
	}

	name, _, err := f.store.WriteOutput([]byte("png"))
	if err != nil {
		t.Fatal(err)
	}
	sock.send(t, actionDeleteImage, types.FilePayload{Filename: name})
	ev, _ = sock.expect(t, eventImageDeleted)
	if err := json.Unmarshal(ev.Data, &r); err != nil {
		t.Fatal(err)
	}
	if r.Status != "success" {
		t.Fatalf("delete = %+v", r)
	}
	sock.expect(t, eventGalleryUpdated)
}

func TestWS_DeleteImageRefusesNonImages(t *testing.T) {
	f := newFixture(t)
	sock := connect(t, f, "c1")

	db := filepath.Join(f.root, "outputs", "history.db")
	if err := os.WriteFile(db, []byte("sqlite"), 0o644); err != nil {
		t.Fatal(err)
	}
	sock.send(t, actionDeleteImage, types.FilePayload{Filename: "history.db"})
	ev, _ := sock.expect(t, eventImageDeleted)
	var r types.ResultEvent
	if err := json.Unmarshal(ev.Data, &r); err != nil {
		t.Fatal(err)
	}
	if r.Status != "error" {
		t.Fatalf("non-image delete accepted: %+v", r)
	}
	if _, err := os.Stat(db); err != nil {
		t.Fatalf("non-image file removed: %v", err)
	}
}

func TestWS_DeleteModelFileBroadcastsSettings(t *testing.T) {
	f := newFixture(t)
	sock := connect(t, f, "c1")
	other := connect(t, f, "c2")

	sock.send(t, actionDeleteModelFile, types.FilePayload{Filename: "dream.safetensors"})
	ev, _ := sock.expect(t, eventModelFileDeleted)
	var r types.ResultEvent
	if err := json.Unmarshal(ev.Data, &r); err != nil {
		t.Fatal(err)
	}
	if r.Status != "success" {
		t.Fatalf("delete = %+v", r)
	}

	upd, _ := other.expect(t, eventSettingsDataUpdated)
	var sd types.SettingsDataEvent
	if err := json.Unmarshal(upd.Data, &sd); err != nil {
		t.Fatal(err)
	}
	if len(sd.Models) != 0 {
		t.Fatalf("models = %+v", sd.Models)
	}

	sock.send(t, actionDeleteLoraFile, types.FilePayload{Filename: "missing.safetensors"})
	ev, _ = sock.expect(t, eventLoraFileDeleted)
	if err := json.Unmarshal(ev.Data, &r); err != nil {
		t.Fatal(err)
	}
	if r.Status != "error" {
		t.Fatalf("missing lora delete = %+v", r)
	}
}

func TestWS_SettingsAndCache(t *testing.T) {
	f := newFixture(t)
	sock := connect(t, f, "c1")

	sock.send(t, actionSettingsData, nil)
	ev, _ := sock.expect(t, eventSettingsData)
	var sd types.SettingsDataEvent
	if err := json.Unmarshal(ev.Data, &sd); err != nil {
		t.Fatal(err)
	}
	if len(sd.Models) != 1 || sd.Models[0].Filename != "dream.safetensors" {
		t.Fatalf("models = %+v", sd.Models)
	}

	before := f.rt.CacheClears
	sock.send(t, actionClearCache, nil)
	sock.expect(t, eventCacheCleared)
	if f.rt.CacheClears != before+1 {
		t.Fatalf("cache clears = %d", f.rt.CacheClears)
	}
}

type blockingGenerator struct {
	started chan struct{}
	release chan struct{}
}

func (g *blockingGenerator) Generate(ctx context.Context, _ generation.Request, report progress.Func) (generation.Result, error) {
	close(g.started)
	report(0.5, "Sampling... 1/2")
	select {
	case <-g.release:
		return generation.Result{ImageFilename: "x.png"}, nil
	case <-ctx.Done():
		return generation.Result{}, ctx.Err()
	}
}

func TestWS_OneHeavyActionPerConnection(t *testing.T) {
	f := newFixture(t)
	gen := &blockingGenerator{started: make(chan struct{}), release: make(chan struct{})}
	f.api.Generator = gen
	sock := connect(t, f, "c1")

	payload := map[string]any{"prompt": "x", "steps": 2, "guidance": 7, "width": 64, "height": 64}
	sock.send(t, actionGenerateImage, payload)
	<-gen.started
	sock.send(t, actionGenerateImage, payload)

	ev, _ := sock.expect(t, eventError)
	var m types.MessageEvent
	if err := json.Unmarshal(ev.Data, &m); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(m.Message, "Another operation") {
		t.Fatalf("message = %q", m.Message)
	}

	close(gen.release)
	sock.expect(t, eventGenerationComplete)
}

func TestWS_RestartBackend(t *testing.T) {
	restartDelay = 0
	f := newFixture(t)
	sock := connect(t, f, "c1")

	sock.send(t, actionRestartBackend, nil)
	sock.expect(t, eventBackendRestarting)
	select {
	case <-f.restarted:
	case <-time.After(5 * time.Second):
		t.Fatal("restart was not requested")
	}
}

func TestHub_KeepsFirstClientForID(t *testing.T) {
	h := NewHub()
	first := newWSClient("same", newFakeSocket())
	second := newWSClient("same", newFakeSocket())

	if !h.Add(first) {
		t.Fatal("first add rejected")
	}
	if h.Add(second) {
		t.Fatal("second client took over a live id")
	}
	select {
	case <-first.done:
		t.Fatal("existing connection was closed")
	default:
	}

	// a rejected client disconnecting must not evict the owner
	h.Remove(second)
	if h.Count() != 1 {
		t.Fatalf("count = %d", h.Count())
	}
	if !h.SendTo("same", eventError, types.MessageEvent{Message: "hi"}) {
		t.Fatal("owner not reachable")
	}
}

func TestWS_DuplicateClientIDGetsFreshID(t *testing.T) {
	f := newFixture(t)
	owner := connect(t, f, "c1")

	intruder := newFakeSocket()
	go f.api.serveClient(intruder, "c1", f.api.actions())
	t.Cleanup(func() { intruder.Close() })

	ev, _ := intruder.expect(t, eventConnected)
	var ce types.ConnectedEvent
	if err := json.Unmarshal(ev.Data, &ce); err != nil {
		t.Fatal(err)
	}
	if ce.ClientID == "" || ce.ClientID == "c1" {
		t.Fatalf("duplicate id accepted: %+v", ce)
	}

	if !f.api.Hub.SendTo("c1", eventError, types.MessageEvent{Message: "still here"}) {
		t.Fatal("original client was evicted")
	}
	owner.expect(t, eventError)
}

func TestClient_NotifyDropsWhenFull(t *testing.T) {
	c := newWSClient("c", newFakeSocket())
	for i := 0; i < sendBuffer+10; i++ {
		c.Notify(eventProgress, types.ProgressEvent{Progress: float64(i)})
	}
	if len(c.send) != sendBuffer {
		t.Fatalf("buffered = %d", len(c.send))
	}

	c.close()
	if err := c.Send(eventError, nil); !errors.Is(err, ErrClientGone) {
		t.Fatalf("send after close = %v", err)
	}
}
