package batch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/hyperjump/shirabe/internal/models"
)

const maxLineSize = 16 << 20

func decodeChunk(data []byte) (*models.Chunk, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var c models.Chunk
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidChunk, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func readJSONL(path string) ([]*models.Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []*models.Chunk
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		data := bytes.TrimSpace(sc.Bytes())
		if len(data) == 0 {
			continue
		}
		c, err := decodeChunk(data)
		if err != nil {
			return nil, invalid(path, line, err)
		}
		out = append(out, c)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

func readJSON(path string) ([]*models.Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var raw []json.RawMessage
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w: expected a JSON array of chunks: %v", path, models.ErrInvalidChunk, err)
	}
	out := make([]*models.Chunk, 0, len(raw))
	for i, r := range raw {
		c, err := decodeChunk(r)
		if err != nil {
			return nil, invalid(path, i+1, err)
		}
		out = append(out, c)
	}
	return out, nil
}
