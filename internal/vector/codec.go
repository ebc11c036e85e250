package vector

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"

	"github.com/hyperjump/shirabe/internal/models"
)

// Snapshot layout, little endian:
//
//	magic   [8]byte  "SHRBVEC1"
//	version uint32
//	dim     uint32
//	count   uint64
//	vectors count*dim float32
//	crc32   uint32   IEEE checksum of the vector bytes
const (
	formatVersion = 1
	headerSize    = 24
	footerSize    = 4
)

var magic = [8]byte{'S', 'H', 'R', 'B', 'V', 'E', 'C', '1'}

// WriteTo writes the binary snapshot of the index to w.
func (m *MemoryIndex) WriteTo(w io.Writer) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bw := bufio.NewWriter(w)
	var header [headerSize]byte
	copy(header[:8], magic[:])
	binary.LittleEndian.PutUint32(header[8:12], formatVersion)
	binary.LittleEndian.PutUint32(header[12:16], uint32(m.dimensions))
	binary.LittleEndian.PutUint64(header[16:24], uint64(len(m.data)/m.dimensions))
	written := int64(0)
	n, err := bw.Write(header[:])
	written += int64(n)
	if err != nil {
		return written, fmt.Errorf("write header: %w", err)
	}

	crc := crc32.NewIEEE()
	buf := make([]byte, 4*m.dimensions)
	for p := 0; p < len(m.data)/m.dimensions; p++ {
		for i, v := range m.row(p) {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		_, _ = crc.Write(buf)
		n, err := bw.Write(buf)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("write vector %d: %w", p, err)
		}
	}

	var footer [footerSize]byte
	binary.LittleEndian.PutUint32(footer[:], crc.Sum32())
	n, err = bw.Write(footer[:])
	written += int64(n)
	if err != nil {
		return written, fmt.Errorf("write checksum: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return written, fmt.Errorf("flush: %w", err)
	}
	return written, nil
}

// ReadIndex decodes a snapshot written by WriteTo. size is the total byte length of the
// stream when known, or -1; a known size is checked against the header before reading
// the vectors. Any inconsistency is a *models.CorruptIndexError.
func ReadIndex(r io.Reader, size int64) (*MemoryIndex, error) {
	corrupt := func(reason string, err error) error {
		return &models.CorruptIndexError{Artifact: models.ArtifactVectors, Reason: reason, Err: err}
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, corrupt("truncated header", err)
	}
	if [8]byte(header[:8]) != magic {
		return nil, corrupt("bad magic", nil)
	}
	if v := binary.LittleEndian.Uint32(header[8:12]); v != formatVersion {
		return nil, corrupt(fmt.Sprintf("unsupported format version %d", v), nil)
	}
	dim := int64(binary.LittleEndian.Uint32(header[12:16]))
	count := binary.LittleEndian.Uint64(header[16:24])
	if dim == 0 {
		return nil, corrupt("zero dimension", nil)
	}
	if count > uint64((math.MaxInt64-headerSize-footerSize)/(dim*4)) {
		return nil, corrupt(fmt.Sprintf("declared count %d overflows", count), nil)
	}
	payload := int64(count) * dim * 4
	if size >= 0 && size != headerSize+payload+footerSize {
		return nil, corrupt(fmt.Sprintf("declared %d vectors of dimension %d need %d bytes, file has %d",
			count, dim, headerSize+payload+footerSize, size), nil)
	}

	capacity := int(count) * int(dim)
	if size < 0 && capacity > 1<<24 {
		capacity = 1 << 24
	}
	idx := &MemoryIndex{dimensions: int(dim), data: make([]float32, 0, capacity)}
	crc := crc32.NewIEEE()
	buf := make([]byte, 4*dim)
	for p := uint64(0); p < count; p++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, corrupt(fmt.Sprintf("declared %d vectors, read %d", count, p), err)
		}
		_, _ = crc.Write(buf)
		for i := int64(0); i < dim; i++ {
			idx.data = append(idx.data, math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])))
		}
	}

	var footer [footerSize]byte
	if _, err := io.ReadFull(r, footer[:]); err != nil {
		return nil, corrupt("missing checksum", err)
	}
	if binary.LittleEndian.Uint32(footer[:]) != crc.Sum32() {
		return nil, corrupt("checksum mismatch", nil)
	}
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n > 0 {
		return nil, corrupt("trailing bytes after checksum", nil)
	}
	return idx, nil
}

// ReadFile loads a snapshot from path.
func ReadFile(path string) (*MemoryIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat index file: %w", err)
	}
	idx, err := ReadIndex(bufio.NewReader(f), info.Size())
	if err != nil {
		var cie *models.CorruptIndexError
		if errors.As(err, &cie) {
			cie.Path = path
		}
		return nil, err
	}
	return idx, nil
}

// WriteFile writes the snapshot of idx to path and syncs it to disk.
func WriteFile(path string, idx VectorIndex) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if _, err := idx.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync index file: %w", err)
	}
	return f.Close()
}
