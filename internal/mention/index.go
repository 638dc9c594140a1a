// Package mention provides a Bleve full-text index over concept notes, used to
// surface direct-mention candidates alongside vector recall: a note whose body
// spells out another concept's title is a link candidate even when the
// embeddings disagree.
package mention

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"

	"github.com/hyperjump/tsunagu/internal/models"
)

// conceptDoc is the indexed shape of a concept.
type conceptDoc struct {
	Identity string   `json:"identity"`
	Title    string   `json:"title"`
	Aliases  []string `json:"aliases"`
	Body     string   `json:"body"`
	Subject  string   `json:"subject"`
}

// Hit is one mention candidate with its full-text score.
type Hit struct {
	Identity string
	Score    float64
}

// Index wraps a Bleve index keyed by concept identity.
type Index struct {
	index bleve.Index
}

// NewIndex creates or opens a Bleve index at path.
// An existing index is opened and reused so incremental ingestion does not pay
// a full re-index. If the mapping in code changes, remove the index directory
// to force a rebuild.
func NewIndex(path string) (*Index, error) {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer: lowercase + tokenize, no stemming. Han characters
	// tokenize per-rune, so phrase queries match contiguous CJK titles inside
	// note bodies.
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("body", textFieldMapping)
	docMapping.AddFieldMappingsAt("title", textFieldMapping)
	docMapping.AddFieldMappingsAt("aliases", textFieldMapping)
	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("identity", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("subject", keywordFieldMapping)
	im.AddDocumentMapping("concept", docMapping)
	im.DefaultType = "concept"
	im.DefaultMapping = docMapping

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open mention index: %w", openErr)
		}
		return &Index{index: index}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create mention index: %w", err)
	}
	return &Index{index: index}, nil
}

// Index adds or replaces a concept in the index.
func (m *Index) Index(ctx context.Context, c *models.Concept) error {
	doc := conceptDoc{
		Identity: c.Identity,
		Title:    models.StripSubjectPrefix(c.Title),
		Aliases:  make([]string, 0, len(c.Aliases)),
		Body:     c.Body,
		Subject:  c.Subject,
	}
	for _, a := range c.Aliases {
		doc.Aliases = append(doc.Aliases, models.StripSubjectPrefix(a))
	}
	return m.index.Index(c.Identity, doc)
}

// Delete removes a concept from the index.
func (m *Index) Delete(ctx context.Context, identity string) error {
	return m.index.Delete(identity)
}

// Candidates returns concepts whose title or body mentions any of the given
// concept's names, excluding the concept itself, best score first. Each name
// runs as a phrase query so multi-character titles must appear contiguously.
func (m *Index) Candidates(ctx context.Context, c *models.Concept, limit int) ([]Hit, error) {
	if limit <= 0 {
		return nil, nil
	}

	names := make([]string, 0, 1+len(c.Aliases))
	if t := models.StripSubjectPrefix(c.Title); t != "" {
		names = append(names, t)
	}
	for _, a := range c.Aliases {
		if s := models.StripSubjectPrefix(a); s != "" {
			names = append(names, s)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}

	// Same concept can match several names; keep the best score per identity.
	best := make(map[string]float64)
	for _, name := range names {
		for _, field := range []string{"body", "title", "aliases"} {
			q := bleve.NewMatchPhraseQuery(name)
			q.SetField(field)
			req := bleve.NewSearchRequest(q)
			req.Size = limit * 2
			results, err := m.index.Search(req)
			if err != nil {
				return nil, fmt.Errorf("mention search failed: %w", err)
			}
			for _, hit := range results.Hits {
				if hit.ID == c.Identity {
					continue
				}
				if hit.Score > best[hit.ID] {
					best[hit.ID] = hit.Score
				}
			}
		}
	}

	hits := make([]Hit, 0, len(best))
	for id, score := range best {
		hits = append(hits, Hit{Identity: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Identity < hits[j].Identity
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// DocCount returns the number of indexed concepts.
func (m *Index) DocCount() (uint64, error) {
	return m.index.DocCount()
}

// Close closes the underlying index.
func (m *Index) Close() error {
	return m.index.Close()
}
