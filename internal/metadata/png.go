package metadata

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
)

var (
	ErrNotPNG       = errors.New("metadata: not a PNG file")
	ErrCorruptChunk = errors.New("metadata: corrupt PNG chunk")
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

type chunk struct {
	typ  string
	data []byte
	// raw is the whole chunk including length, type and CRC.
	raw []byte
}

func splitChunks(file []byte) ([]chunk, error) {
	if !bytes.HasPrefix(file, pngSignature) {
		return nil, ErrNotPNG
	}
	var chunks []chunk
	rest := file[len(pngSignature):]
	for len(rest) > 0 {
		if len(rest) < 12 {
			return nil, ErrCorruptChunk
		}
		n := binary.BigEndian.Uint32(rest[:4])
		if uint64(n)+12 > uint64(len(rest)) {
			return nil, ErrCorruptChunk
		}
		end := 12 + int(n)
		chunks = append(chunks, chunk{
			typ:  string(rest[4:8]),
			data: rest[8 : 8+int(n)],
			raw:  rest[:end],
		})
		rest = rest[end:]
		if chunks[len(chunks)-1].typ == "IEND" {
			break
		}
	}
	return chunks, nil
}

func textKey(c chunk) (string, bool) {
	switch c.typ {
	case "tEXt", "zTXt", "iTXt":
	default:
		return "", false
	}
	i := bytes.IndexByte(c.data, 0)
	if i < 0 {
		return "", false
	}
	return string(c.data[:i]), true
}

// readText returns the value of the first text chunk named key.
func readText(file []byte, key string) (string, bool, error) {
	chunks, err := splitChunks(file)
	if err != nil {
		return "", false, err
	}
	for _, c := range chunks {
		k, ok := textKey(c)
		if !ok || k != key {
			continue
		}
		body := c.data[len(k)+1:]
		switch c.typ {
		case "tEXt":
			return latin1(body), true, nil
		case "zTXt":
			if len(body) < 1 {
				return "", false, ErrCorruptChunk
			}
			raw, err := inflate(body[1:])
			if err != nil {
				return "", false, err
			}
			return latin1(raw), true, nil
		case "iTXt":
			text, err := itxtValue(body)
			if err != nil {
				return "", false, err
			}
			return text, true, nil
		}
	}
	return "", false, nil
}

// itxtValue skips the compression flags, language tag and translated keyword.
func itxtValue(body []byte) (string, error) {
	if len(body) < 2 {
		return "", ErrCorruptChunk
	}
	compressed := body[0] == 1
	rest := body[2:]
	for i := 0; i < 2; i++ {
		j := bytes.IndexByte(rest, 0)
		if j < 0 {
			return "", ErrCorruptChunk
		}
		rest = rest[j+1:]
	}
	if compressed {
		raw, err := inflate(rest)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	return string(rest), nil
}

// writeText drops every existing text chunk named key and inserts a single
// tEXt chunk before the first IDAT.
func writeText(file []byte, key, value string) ([]byte, error) {
	for _, r := range value {
		if r > 0xff {
			return nil, fmt.Errorf("metadata: tEXt value must be latin-1")
		}
	}
	chunks, err := splitChunks(file)
	if err != nil {
		return nil, err
	}

	out := bytes.NewBuffer(make([]byte, 0, len(file)+len(value)+len(key)+13))
	out.Write(pngSignature)
	inserted := false
	for _, c := range chunks {
		if k, ok := textKey(c); ok && k == key {
			continue
		}
		if !inserted && (c.typ == "IDAT" || c.typ == "IEND") {
			writeChunk(out, "tEXt", append(append([]byte(key), 0), toLatin1(value)...))
			inserted = true
		}
		out.Write(c.raw)
	}
	if !inserted {
		return nil, ErrCorruptChunk
	}
	return out.Bytes(), nil
}

func writeChunk(w *bytes.Buffer, typ string, data []byte) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(data)))
	copy(hdr[4:], typ)
	w.Write(hdr[:])
	w.Write(data)

	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(data)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	w.Write(sum[:])
}

func inflate(b []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptChunk, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(io.LimitReader(zr, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptChunk, err)
	}
	return raw, nil
}

func latin1(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

func toLatin1(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		out = append(out, byte(r))
	}
	return out
}
