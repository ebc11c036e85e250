package metadata

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/shirabe/internal/models"
)

func testChunks() []*models.Chunk {
	return []*models.Chunk{
		{ChunkID: "a__0", DocumentID: "a", Text: "first", Fingerprint: "fp-a", Section: "Sport", Topic: "UK"},
		{ChunkID: "b__0", DocumentID: "b", Text: "second", Fingerprint: "fp-b", Section: "sport", Topic: "US"},
		{ChunkID: "c__0", DocumentID: "c", Text: "third", Fingerprint: "fp-c", Section: "Politics", Topic: "uk"},
	}
}

func TestStore_AppendPositions(t *testing.T) {
	s := NewStore()
	defer s.Close()

	first, err := s.Append(testChunks()[:2])
	require.NoError(t, err)
	assert.Equal(t, 0, first)

	first, err = s.Append(testChunks()[2:])
	require.NoError(t, err)
	assert.Equal(t, 2, first)
	assert.Equal(t, 3, s.Size())

	c, err := s.Get(2)
	require.NoError(t, err)
	assert.Equal(t, "c__0", c.ChunkID)

	_, err = s.Get(3)
	assert.ErrorIs(t, err, models.ErrOutOfRange)
	_, err = s.Get(-1)
	assert.ErrorIs(t, err, models.ErrOutOfRange)
}

func TestStore_AppendRejectsBadRowsAtomically(t *testing.T) {
	s := NewStore()
	_, err := s.Append(testChunks()[:1])
	require.NoError(t, err)

	tests := []struct {
		name string
		rows []*models.Chunk
	}{
		{"existing id", []*models.Chunk{{ChunkID: "x__0", DocumentID: "x", Text: "ok"}, {ChunkID: "a__0", DocumentID: "a", Text: "dup"}}},
		{"repeated id in batch", []*models.Chunk{{ChunkID: "y__0", DocumentID: "y", Text: "1"}, {ChunkID: "y__0", DocumentID: "y", Text: "2"}}},
		{"missing text", []*models.Chunk{{ChunkID: "z__0", DocumentID: "z"}}},
		{"nil row", []*models.Chunk{nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Append(tt.rows)
			assert.ErrorIs(t, err, models.ErrInvalidChunk)
			assert.Equal(t, 1, s.Size())
			assert.False(t, s.HasChunkID("x__0"))
		})
	}
}

func TestStore_DedupLookups(t *testing.T) {
	s := NewStore()
	_, err := s.Append(testChunks())
	require.NoError(t, err)

	assert.True(t, s.HasChunkID("b__0"))
	assert.False(t, s.HasChunkID("d__0"))
	assert.True(t, s.HasFingerprint("fp-c"))
	assert.False(t, s.HasFingerprint("fp-d"))
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewStore()
	rows := testChunks()
	_, err := s.Append(rows)
	require.NoError(t, err)

	rows[0].Title = "changed after append"
	c, _ := s.Get(0)
	assert.Empty(t, c.Title)

	c.Title = "changed after get"
	again, _ := s.Get(0)
	assert.Empty(t, again.Title)
}

func TestStore_Filter(t *testing.T) {
	for _, kind := range []string{FilterMemory, FilterScan, FilterBleve} {
		t.Run(kind, func(t *testing.T) {
			fi, err := NewFilterIndex(kind)
			require.NoError(t, err)
			s := NewStore(WithFilterIndex(fi))
			defer s.Close()
			assert.Equal(t, kind, s.FilterType())

			_, err = s.Append(testChunks()[:2])
			require.NoError(t, err)
			_, err = s.Append(testChunks()[2:])
			require.NoError(t, err)

			tests := []struct {
				filters map[string]string
				want    []int
			}{
				{map[string]string{"section": "SPORT"}, []int{0, 1}},
				{map[string]string{"topic": "uk"}, []int{0, 2}},
				{map[string]string{"section": "sport", "topic": "Uk"}, []int{0}},
				{map[string]string{"section": "weather"}, nil},
				{map[string]string{"chunk_id": "C__0"}, []int{2}},
				{map[string]string{}, []int{0, 1, 2}},
			}
			for _, tt := range tests {
				got, err := s.Filter(tt.filters)
				require.NoError(t, err)
				if len(tt.want) == 0 {
					assert.Empty(t, got, "filters %v", tt.filters)
				} else {
					assert.Equal(t, tt.want, got, "filters %v", tt.filters)
				}
			}

			_, err = s.Filter(map[string]string{"colour": "red"})
			assert.ErrorIs(t, err, models.ErrInvalidQuery)
			_, err = s.Filter(map[string]string{"section": ""})
			assert.ErrorIs(t, err, models.ErrInvalidQuery)
		})
	}
}

func TestNewFilterIndex_Unknown(t *testing.T) {
	_, err := NewFilterIndex("btree")
	assert.Error(t, err)
}

func TestMemoryFilter_MatchesScan(t *testing.T) {
	mem := NewMemoryFilter()
	scan := NewScanFilter()
	sections := []string{"Sport", "Politics", "Business", "sport"}
	var rows []*models.Chunk
	for i := 0; i < 200; i++ {
		rows = append(rows, &models.Chunk{
			ChunkID:    models.NewChunkID(fmt.Sprintf("doc%d", i/4), i%4),
			DocumentID: fmt.Sprintf("doc%d", i/4),
			Text:       "t",
			Section:    sections[i%len(sections)],
			Topic:      []string{"uk", "us", "eu"}[i%3],
		})
	}
	require.NoError(t, mem.Add(0, rows))
	require.NoError(t, scan.Add(0, rows))

	for _, f := range []map[string]string{
		{"section": "sport"},
		{"section": "sport", "topic": "EU"},
		{"document_id": "doc7", "topic": "us"},
	} {
		a, err := mem.Lookup(f)
		require.NoError(t, err)
		b, err := scan.Lookup(f)
		require.NoError(t, err)
		assert.Equal(t, b, a, "filters %v", f)
	}
	assert.Error(t, mem.Add(5, rows[:1]), "non-contiguous add must fail")
}
