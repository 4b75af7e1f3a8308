package utils

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// SafeJoin resolves name inside base and refuses anything that would land
// outside it. The returned error wraps fs.ErrPermission.
func SafeJoin(base, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("empty filename: %w", fs.ErrPermission)
	}

	baseAbs, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	joinedAbs, err := filepath.Abs(filepath.Join(baseAbs, name))
	if err != nil {
		return "", err
	}

	sep := string(os.PathSeparator)
	if !strings.HasPrefix(joinedAbs, baseAbs+sep) {
		return "", fmt.Errorf("path traversal detected for %q: %w", name, fs.ErrPermission)
	}
	return joinedAbs, nil
}

func NewJobID() string {
	return uuid.NewString()
}
