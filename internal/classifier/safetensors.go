package classifier

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tidwall/gjson"
)

const maxHeaderBytes = 100 << 20

var ErrInvalidHeader = errors.New("invalid safetensors header")

// ReadTensorNames returns the parameter names stored in a safetensors file
// without touching tensor data.
func ReadTensorNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return readTensorNames(f)
}

func readTensorNames(r io.Reader) ([]string, error) {
	var size uint64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, fmt.Errorf("%w: reading length: %v", ErrInvalidHeader, err)
	}
	if size == 0 || size > maxHeaderBytes {
		return nil, fmt.Errorf("%w: header length %d", ErrInvalidHeader, size)
	}

	header := make([]byte, size)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrInvalidHeader, err)
	}
	if !gjson.ValidBytes(header) {
		return nil, fmt.Errorf("%w: header is not valid json", ErrInvalidHeader)
	}

	parsed := gjson.ParseBytes(header)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("%w: header is not an object", ErrInvalidHeader)
	}

	var names []string
	parsed.ForEach(func(key, _ gjson.Result) bool {
		if k := key.String(); k != "__metadata__" {
			names = append(names, k)
		}
		return true
	})
	return names, nil
}
