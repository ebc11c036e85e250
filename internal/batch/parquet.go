package batch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"

	"github.com/hyperjump/shirabe/internal/models"
)

const parquetReadBatch = 256

// readParquet reads a flat Parquet table, such as the chunked article files written by
// pandas. Column names resolve like CSV headers and null cells are empty. Record numbers
// count data rows from 1.
func readParquet(path string) ([]*models.Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, models.ErrInvalidChunk, err)
	}

	schema := pf.Schema()
	columns := schema.Columns()
	names := make([]string, len(columns))
	leaves := make([]parquet.Node, len(columns))
	for i, col := range columns {
		leaf, ok := schema.Lookup(col...)
		if !ok || len(col) != 1 || leaf.MaxRepetitionLevel > 0 {
			return nil, fmt.Errorf("%s: %w: nested column %q", path, models.ErrInvalidChunk, strings.Join(col, "."))
		}
		names[i] = col[0]
		leaves[i] = leaf.Node
	}
	h, err := parseHeader(names)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	out := make([]*models.Chunk, 0, int(pf.NumRows()))
	record := 0
	buf := make([]parquet.Row, parquetReadBatch)
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		for {
			n, readErr := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				record++
				cells := make([]string, len(columns))
				for _, v := range row {
					col := v.Column()
					if col < 0 || col >= len(cells) {
						continue
					}
					s, err := parquetString(v, leaves[col])
					if err != nil {
						_ = rows.Close()
						return nil, invalid(path, record, err)
					}
					cells[col] = s
				}
				if isBlank(cells) {
					continue
				}
				c, err := h.chunk(cells)
				if err != nil {
					_ = rows.Close()
					return nil, invalid(path, record, err)
				}
				out = append(out, c)
			}
			if errors.Is(readErr, io.EOF) || (n == 0 && readErr == nil) {
				break
			}
			if readErr != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("%s: read rows: %w", path, readErr)
			}
		}
		if err := rows.Close(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return out, nil
}

// parquetString renders one cell the way the row parser expects it. Timestamps and dates
// become RFC 3339.
func parquetString(v parquet.Value, node parquet.Node) (string, error) {
	if v.IsNull() {
		return "", nil
	}
	lt := node.Type().LogicalType()
	switch v.Kind() {
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray()), nil
	case parquet.Boolean:
		return strconv.FormatBool(v.Boolean()), nil
	case parquet.Int32:
		if lt != nil && lt.Date != nil {
			return time.Unix(int64(v.Int32())*86400, 0).UTC().Format("2006-01-02"), nil
		}
		return strconv.FormatInt(int64(v.Int32()), 10), nil
	case parquet.Int64:
		if lt != nil && lt.Timestamp != nil {
			return unixTime(v.Int64(), lt.Timestamp.Unit).Format(time.RFC3339Nano), nil
		}
		return strconv.FormatInt(v.Int64(), 10), nil
	case parquet.Float:
		return strconv.FormatFloat(float64(v.Float()), 'g', -1, 32), nil
	case parquet.Double:
		return strconv.FormatFloat(v.Double(), 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("%w: unsupported parquet type %s", models.ErrInvalidChunk, v.Kind())
	}
}

func unixTime(v int64, unit format.TimeUnit) time.Time {
	switch {
	case unit.Millis != nil:
		return time.UnixMilli(v).UTC()
	case unit.Micros != nil:
		return time.UnixMicro(v).UTC()
	default:
		return time.Unix(0, v).UTC()
	}
}
