package metadata

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hyperjump/shirabe/internal/models"
)

const (
	jsonlFormatName = "shirabe-metadata"
	jsonlVersion    = 1
	maxLineBytes    = 64 << 20
)

type jsonlHeader struct {
	Format  string `json:"format"`
	Version int    `json:"version"`
	Count   int    `json:"count"`
}

// JSONLCodec stores one header line followed by one JSON object per row.
type JSONLCodec struct{}

func (JSONLCodec) Format() string { return FormatJSONL }

func (JSONLCodec) Write(path string, rows []*models.Chunk) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	err = enc.Encode(jsonlHeader{Format: jsonlFormatName, Version: jsonlVersion, Count: len(rows)})
	for i := 0; err == nil && i < len(rows); i++ {
		err = enc.Encode(rows[i])
	}
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("write metadata file: %w", err)
	}
	return f.Close()
}

func (JSONLCodec) Read(path string) ([]*models.Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open metadata file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, corrupt(path, "read header", err)
		}
		return nil, corrupt(path, "missing header", nil)
	}
	var h jsonlHeader
	if err := strictUnmarshal(sc.Bytes(), &h); err != nil {
		return nil, corrupt(path, "bad header", err)
	}
	if h.Format != jsonlFormatName || h.Version != jsonlVersion {
		return nil, corrupt(path, fmt.Sprintf("unsupported format %q version %d", h.Format, h.Version), nil)
	}
	if h.Count < 0 {
		return nil, corrupt(path, fmt.Sprintf("negative count %d", h.Count), nil)
	}

	rows := make([]*models.Chunk, 0, min(h.Count, 1<<16))
	line := 1
	for sc.Scan() {
		line++
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var c models.Chunk
		if err := strictUnmarshal(sc.Bytes(), &c); err != nil {
			return nil, corrupt(path, fmt.Sprintf("line %d", line), err)
		}
		if err := c.Validate(); err != nil {
			return nil, corrupt(path, fmt.Sprintf("line %d", line), err)
		}
		rows = append(rows, &c)
	}
	if err := sc.Err(); err != nil {
		return nil, corrupt(path, "read rows", err)
	}
	if len(rows) != h.Count {
		return nil, corrupt(path, fmt.Sprintf("header declares %d rows, found %d", h.Count, len(rows)), nil)
	}
	return rows, nil
}

// strictUnmarshal decodes one JSON value and rejects unknown fields.
func strictUnmarshal(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}
