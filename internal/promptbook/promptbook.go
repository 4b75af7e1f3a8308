package promptbook

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"arttic/internal/apperr"

	"github.com/charmbracelet/log"
	"github.com/pelletier/go-toml/v2"
)

type Entry struct {
	Title          string `toml:"title" json:"title"`
	Prompt         string `toml:"prompt" json:"prompt"`
	NegativePrompt string `toml:"negative_prompt" json:"negative_prompt"`
	Custom         bool   `toml:"custom,omitempty" json:"custom,omitempty"`
}

type document struct {
	Prompts []Entry `toml:"default_prompts"`
}

var defaults = []Entry{
	{
		Title:          "Ocean Spirit",
		Prompt:         "fantasy portrait of an Ocean Spirit, mystical woman with flowing hair like seafoam green and celadon waves, watercolor art, cool color palette of mint green and dark brunswick green, luminous eyes, elegant posture, magical and calming aura, fine art style, detailed face, soft-focus lighting, painterly textures",
		NegativePrompt: "ugly, deformed, blurry, noisy, saturated colors, warm colors",
	},
	{
		Title:          "Cyberpunk Cityscape",
		Prompt:         "Cyberpunk cityscape at night, neon lights reflecting on wet streets, towering skyscrapers, flying vehicles, futuristic architecture, vibrant colors, cinematic lighting",
		NegativePrompt: "outdated, rural, daytime, dull colors",
	},
	{
		Title:          "Ethereal Landscape",
		Prompt:         "Ethereal landscape with floating islands, waterfalls cascading into the void, soft pastel colors, dreamlike atmosphere, fantasy environment, highly detailed, 8k resolution",
		NegativePrompt: "realistic, ordinary, dark, muddy colors",
	},
	{
		Title:          "Steampunk Inventor",
		Prompt:         "Steampunk inventor in his workshop, brass gears and cogs everywhere, vintage machinery, goggles, leather apron, warm lighting, detailed character design, golden hour",
		NegativePrompt: "modern technology, plastic materials, digital interface",
	},
}

// Book is safe for concurrent use. Every mutation rewrites the whole file.
type Book struct {
	mu     sync.Mutex
	path   string
	logger *log.Logger
}

// Open creates the file with the built-in examples when it does not exist.
func Open(path string) (*Book, error) {
	b := &Book{path: path, logger: log.With("component", "promptbook")}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		b.logger.Info("creating prompt book with built-in examples", "path", path)
		if err := b.save(document{Prompts: defaults}); err != nil {
			return nil, fmt.Errorf("create prompt book: %w", err)
		}
	} else if err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Book) load() (document, error) {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		return document{}, err
	}
	var doc document
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return document{}, fmt.Errorf("parse %s: %w", b.path, err)
	}
	return doc, nil
}

func (b *Book) save(doc document) error {
	raw, err := toml.Marshal(doc)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(b.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

// All returns the entries in file order. An unreadable file yields an empty list.
func (b *Book) All() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, err := b.load()
	if err != nil {
		b.logger.Error("could not load prompts", "err", err)
		return []Entry{}
	}
	if doc.Prompts == nil {
		return []Entry{}
	}
	return doc.Prompts
}

func indexOf(entries []Entry, title string) int {
	for i, e := range entries {
		if e.Title == title {
			return i
		}
	}
	return -1
}

// Add appends a custom entry. A duplicate title leaves the file untouched.
func (b *Book) Add(title, prompt, negative string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return apperr.Invalid("Prompt title is required.")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	doc, err := b.load()
	if err != nil {
		return apperr.Wrap(apperr.Internal, "Could not read the prompt book.", err)
	}
	if indexOf(doc.Prompts, title) >= 0 {
		return apperr.Invalid("A prompt titled %q already exists.", title)
	}
	doc.Prompts = append(doc.Prompts, Entry{Title: title, Prompt: prompt, NegativePrompt: negative, Custom: true})
	if err := b.save(doc); err != nil {
		return apperr.Wrap(apperr.Internal, "Could not save the prompt book.", err)
	}
	b.logger.Info("prompt added", "title", title)
	return nil
}

// Update replaces the entry named oldTitle, renaming it to newTitle.
func (b *Book) Update(oldTitle, newTitle, prompt, negative string) error {
	newTitle = strings.TrimSpace(newTitle)
	if newTitle == "" {
		return apperr.Invalid("Prompt title is required.")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	doc, err := b.load()
	if err != nil {
		return apperr.Wrap(apperr.Internal, "Could not read the prompt book.", err)
	}
	if oldTitle != newTitle && indexOf(doc.Prompts, newTitle) >= 0 {
		return apperr.Invalid("A prompt titled %q already exists.", newTitle)
	}
	i := indexOf(doc.Prompts, oldTitle)
	if i < 0 {
		return apperr.Missing("Prompt %q not found.", oldTitle)
	}
	doc.Prompts[i].Title = newTitle
	doc.Prompts[i].Prompt = prompt
	doc.Prompts[i].NegativePrompt = negative
	if err := b.save(doc); err != nil {
		return apperr.Wrap(apperr.Internal, "Could not save the prompt book.", err)
	}
	b.logger.Info("prompt updated", "title", oldTitle, "newTitle", newTitle)
	return nil
}

func (b *Book) Delete(title string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, err := b.load()
	if err != nil {
		return apperr.Wrap(apperr.Internal, "Could not read the prompt book.", err)
	}
	i := indexOf(doc.Prompts, title)
	if i < 0 {
		return apperr.Missing("Prompt %q not found.", title)
	}
	doc.Prompts = append(doc.Prompts[:i], doc.Prompts[i+1:]...)
	if err := b.save(doc); err != nil {
		return apperr.Wrap(apperr.Internal, "Could not save the prompt book.", err)
	}
	b.logger.Info("prompt deleted", "title", title)
	return nil
}
