package promptbook

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"arttic/internal/apperr"
)

func openTemp(t *testing.T) (*Book, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompts.toml")
	b, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return b, path
}

func TestOpen_CreatesDefaults(t *testing.T) {
	b, path := openTemp(t)
	all := b.All()
	if len(all) != 4 {
		t.Fatalf("got %d entries", len(all))
	}
	if all[0].Title != "Ocean Spirit" || all[3].Title != "Steampunk Inventor" {
		t.Fatalf("unexpected order: %v", all)
	}
	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), "[[default_prompts]]") {
		t.Fatalf("file layout:\n%s", raw)
	}
	if strings.Contains(string(raw), "custom") {
		t.Fatal("built-in entries are not custom")
	}
}

func TestOpen_KeepsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.toml")
	content := "[[default_prompts]]\ntitle = \"Mine\"\nprompt = \"p\"\nnegative_prompt = \"\"\ncustom = true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	all := b.All()
	if len(all) != 1 || all[0].Title != "Mine" || !all[0].Custom {
		t.Fatalf("got %+v", all)
	}
}

func TestAdd(t *testing.T) {
	b, path := openTemp(t)
	if err := b.Add("Forest", "a forest", "city"); err != nil {
		t.Fatal(err)
	}
	all := b.All()
	last := all[len(all)-1]
	if last.Title != "Forest" || !last.Custom || last.NegativePrompt != "city" {
		t.Fatalf("last = %+v", last)
	}

	before, _ := os.ReadFile(path)
	err := b.Add("Forest", "other", "")
	if !apperr.Is(err, apperr.InvalidInput) {
		t.Fatalf("duplicate add err = %v", err)
	}
	after, _ := os.ReadFile(path)
	if !bytes.Equal(before, after) {
		t.Fatal("duplicate add modified the store")
	}

	if err := b.Add("  ", "x", ""); !apperr.Is(err, apperr.InvalidInput) {
		t.Fatalf("blank title err = %v", err)
	}
}

func TestUpdate(t *testing.T) {
	b, path := openTemp(t)

	if err := b.Update("Ocean Spirit", "Ocean Spirit", "new prompt", "neg"); err != nil {
		t.Fatal(err)
	}
	if got := b.All()[0]; got.Prompt != "new prompt" || got.NegativePrompt != "neg" {
		t.Fatalf("got %+v", got)
	}

	before, _ := os.ReadFile(path)
	if err := b.Update("Ocean Spirit", "Cyberpunk Cityscape", "x", ""); !apperr.Is(err, apperr.InvalidInput) {
		t.Fatalf("rename onto existing err = %v", err)
	}
	after, _ := os.ReadFile(path)
	if !bytes.Equal(before, after) {
		t.Fatal("failed rename modified the store")
	}

	if err := b.Update("Ocean Spirit", "Sea Spirit", "p", ""); err != nil {
		t.Fatal(err)
	}
	if b.All()[0].Title != "Sea Spirit" {
		t.Fatal("rename not applied in place")
	}

	if err := b.Update("Nope", "Other", "p", ""); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestDelete(t *testing.T) {
	b, _ := openTemp(t)
	if err := b.Delete("Ethereal Landscape"); err != nil {
		t.Fatal(err)
	}
	for _, e := range b.All() {
		if e.Title == "Ethereal Landscape" {
			t.Fatal("entry still present")
		}
	}
	if len(b.All()) != 3 {
		t.Fatal("expected 3 entries")
	}
	if err := b.Delete("Ethereal Landscape"); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}
