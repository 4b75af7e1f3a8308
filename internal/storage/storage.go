package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"arttic/internal/apperr"
	"arttic/utils"

	"github.com/charmbracelet/log"
)

const (
	checkpointExt = ".safetensors"
	imageExt      = ".png"
)

type FileInfo struct {
	Filename   string    `json:"filename"`
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

type Store struct {
	models  string
	loras   string
	outputs string
	prefix  string
	counter *regexp.Regexp

	// serializes output numbering
	mu     sync.Mutex
	logger *log.Logger
}

func New(models, loras, outputs, prefix string) (*Store, error) {
	for _, dir := range []string{models, loras, outputs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Store{
		models:  models,
		loras:   loras,
		outputs: outputs,
		prefix:  prefix,
		counter: regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + `_(\d+)\.png$`),
		logger:  log.With("component", "storage"),
	}, nil
}

func (s *Store) OutputsDir() string { return s.outputs }

func (s *Store) ListModels() []string { return s.stems(s.models) }
func (s *Store) ListLoras() []string  { return s.stems(s.loras) }

func (s *Store) stems(dir string) []string {
	files := s.files(dir, checkpointExt)
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	return names
}

// ModelFiles and LoraFiles include size and mtime for the settings view.
func (s *Store) ModelFiles() []FileInfo { return s.files(s.models, checkpointExt) }
func (s *Store) LoraFiles() []FileInfo  { return s.files(s.loras, checkpointExt) }

func (s *Store) files(dir, ext string) []FileInfo {
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Error("could not list directory", "dir", dir, "err", err)
		return []FileInfo{}
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{
			Filename:   e.Name(),
			Name:       strings.TrimSuffix(e.Name(), ext),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListOutputs returns PNG filenames, newest modification first.
func (s *Store) ListOutputs() []string {
	files := s.files(s.outputs, imageExt)
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].ModifiedAt.After(files[j].ModifiedAt)
	})
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Filename)
	}
	return names
}

// ModelPath resolves a model name (filename stem) to its checkpoint.
func (s *Store) ModelPath(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", apperr.Invalid("Please select a model from the dropdown.")
	}
	return s.existing(s.models, name+checkpointExt, "Model")
}

// LoraPath reports whether the named LoRA file exists.
func (s *Store) LoraPath(name string) (string, bool) {
	p, err := s.existing(s.loras, name+checkpointExt, "LoRA")
	return p, err == nil
}

// IsImage reports whether filename names a generated image. Only those are
// served or deleted from the outputs directory.
func IsImage(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), imageExt)
}

func imageOnly(filename string) error {
	if IsImage(filename) {
		return nil
	}
	return apperr.Wrap(apperr.InvalidInput, "Permission denied: only PNG images can be accessed.",
		fmt.Errorf("%q is not an image: %w", filename, fs.ErrPermission))
}

func (s *Store) OutputPath(filename string) (string, error) {
	if err := imageOnly(filename); err != nil {
		return "", err
	}
	return s.existing(s.outputs, filename, "Image")
}

func (s *Store) existing(dir, filename, what string) (string, error) {
	p, err := utils.SafeJoin(dir, filename)
	if err != nil {
		return "", apperr.Wrap(apperr.InvalidInput, "Permission denied: invalid filename.", err)
	}
	fi, err := os.Stat(p)
	if err != nil || fi.IsDir() {
		return "", apperr.Missing("%s '%s' not found.", what, filename)
	}
	return p, nil
}

func (s *Store) DeleteOutput(filename string) error {
	if strings.TrimSpace(filename) != "" {
		if err := imageOnly(filename); err != nil {
			s.logger.Warn("refused delete of non-image output", "filename", filename)
			return err
		}
	}
	return s.remove(s.outputs, filename, "Image")
}


func (s *Store) DeleteModelFile(filename string) error { return s.remove(s.models, filename, "Model") }
func (s *Store) DeleteLoraFile(filename string) error  { return s.remove(s.loras, filename, "LoRA") }

func (s *Store) remove(dir, filename, what string) error {
	if strings.TrimSpace(filename) == "" {
		return apperr.Invalid("Filename is required.")
	}
	p, err := s.existing(dir, filename, what)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			s.logger.Warn("refused delete outside its directory", "dir", dir, "filename", filename)
		}
		return err
	}
	if err := os.Remove(p); err != nil {
		return apperr.Wrap(apperr.Internal, fmt.Sprintf("Could not delete '%s'.", filename), err)
	}
	s.logger.Info("file deleted", "path", p)
	return nil
}

// NextFilename is one past the highest counter among existing outputs.
func (s *Store) NextFilename() (string, error) {
	entries, err := os.ReadDir(s.outputs)
	if err != nil {
		s.logger.Error("could not scan outputs", "dir", s.outputs, "err", err)
		return "", fmt.Errorf("scan outputs: %w", err)
	}
	highest := 0
	for _, e := range entries {
		m := s.counter.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("%s_%d%s", s.prefix, highest+1, imageExt), nil
}

// WriteOutput stores data under the next free counter filename and returns
// that name and its full path.
func (s *Store) WriteOutput(data []byte) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < 5; attempt++ {
		name, err := s.NextFilename()
		if err != nil {
			return "", "", err
		}
		p := filepath.Join(s.outputs, name)
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", "", err
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			_ = os.Remove(p)
			return "", "", err
		}
		if err := f.Close(); err != nil {
			_ = os.Remove(p)
			return "", "", err
		}
		return name, p, nil
	}
	return "", "", fmt.Errorf("could not reserve an output filename")
}
