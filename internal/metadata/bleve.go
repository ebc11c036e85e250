package metadata

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/single"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/shirabe/internal/models"
)

// attrAnalyzer indexes a whole attribute value as one lowercased term, giving
// case-insensitive exact matching.
const attrAnalyzer = "attr_exact_lower"

// BleveFilter keeps the attribute index in an in-memory bleve index. Document ids are
// row positions. It is rebuilt from the metadata rows whenever a snapshot is loaded.
type BleveFilter struct {
	index bleve.Index
}

// NewBleveFilter creates an empty in-memory bleve attribute index.
func NewBleveFilter() (*BleveFilter, error) {
	im := bleve.NewIndexMapping()
	err := im.AddCustomAnalyzer(attrAnalyzer, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     single.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register analyzer: %w", err)
	}

	docMapping := bleve.NewDocumentMapping()
	for _, name := range models.FilterableAttributes {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = attrAnalyzer
		fm.Store = false
		fm.IncludeInAll = false
		fm.IncludeTermVectors = false
		docMapping.AddFieldMappingsAt(name, fm)
	}
	im.AddDocumentMapping("chunk", docMapping)
	im.DefaultType = "chunk"
	im.DefaultMapping = docMapping

	index, err := bleve.NewMemOnly(im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveFilter{index: index}, nil
}

func (b *BleveFilter) Add(start int, rows []*models.Chunk) error {
	batch := b.index.NewBatch()
	for i, row := range rows {
		doc := make(map[string]interface{}, len(models.FilterableAttributes))
		for _, name := range models.FilterableAttributes {
			if v, _ := row.Attribute(name); v != "" {
				doc[name] = v
			}
		}
		if err := batch.Index(strconv.Itoa(start+i), doc); err != nil {
			return fmt.Errorf("index row %d: %w", start+i, err)
		}
	}
	return b.index.Batch(batch)
}

func (b *BleveFilter) Lookup(filters map[string]string) ([]int, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	queries := make([]blevequery.Query, 0, len(filters))
	for name, value := range filters {
		tq := bleve.NewTermQuery(foldValue(value))
		tq.SetField(name)
		queries = append(queries, tq)
	}
	total, err := b.index.DocCount()
	if err != nil {
		return nil, fmt.Errorf("Bleve doc count failed: %w", err)
	}
	if total == 0 {
		return nil, nil
	}
	req := bleve.NewSearchRequest(bleve.NewConjunctionQuery(queries...))
	req.Size = int(total)
	results, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]int, 0, len(results.Hits))
	for _, hit := range results.Hits {
		pos, err := strconv.Atoi(hit.ID)
		if err != nil {
			return nil, fmt.Errorf("unexpected document id %q", hit.ID)
		}
		out = append(out, pos)
	}
	sort.Ints(out)
	return out, nil
}

func (b *BleveFilter) Type() string { return FilterBleve }

func (b *BleveFilter) Close() error {
	return b.index.Close()
}
