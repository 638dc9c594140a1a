// Package models defines core data structures for concepts, embeddings, and link edges.
package models

import (
	"regexp"
	"strings"
	"time"
)

// Concept is one atomic knowledge note in the corpus.
type Concept struct {
	// Identity is the stable unique key, "subject:title" (e.g. "minfa:善意取得").
	Identity  string    `json:"identity" db:"identity"`
	Title     string    `json:"title" db:"title"`
	Aliases   []string  `json:"aliases,omitempty" db:"aliases"`
	Tags      []string  `json:"tags,omitempty" db:"tags"`
	Body      string    `json:"body" db:"body"`
	Subject   string    `json:"subject" db:"subject"`
	FilePath  string    `json:"file_path,omitempty" db:"file_path"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ConceptInput is the input for creating or updating a concept over the API.
type ConceptInput struct {
	Identity string   `json:"identity"`
	Title    string   `json:"title"`
	Aliases  []string `json:"aliases,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Body     string   `json:"body"`
	Subject  string   `json:"subject"`
}

// subjectPrefix matches a leading 【科目】 marker on titles, aliases, and tags.
var subjectPrefix = regexp.MustCompile(`^【[^】]+】`)

// StripSubjectPrefix removes a leading 【...】 marker from s.
func StripSubjectPrefix(s string) string {
	return strings.TrimSpace(subjectPrefix.ReplaceAllString(strings.TrimSpace(s), ""))
}

// DescriptionText builds the text that gets embedded for this concept:
// title, aliases, subject, tags, and up to three related concept titles,
// each with the subject prefix stripped. relatedTitles may be nil.
func (c *Concept) DescriptionText(relatedTitles []string) string {
	parts := make([]string, 0, 4+len(c.Aliases)+len(c.Tags))
	appendPart := func(s string) {
		if cleaned := StripSubjectPrefix(s); cleaned != "" {
			parts = append(parts, cleaned)
		}
	}
	appendPart(c.Title)
	for _, alias := range c.Aliases {
		appendPart(alias)
	}
	if subject := strings.TrimSpace(c.Subject); subject != "" {
		parts = append(parts, subject)
	}
	for _, tag := range c.Tags {
		appendPart(tag)
	}
	for i, title := range relatedTitles {
		if i >= 3 {
			break
		}
		appendPart(title)
	}
	return strings.Join(parts, " ")
}

// EmbeddingRecord is a cached embedding for a concept at a given content fingerprint.
// The record is valid only while Fingerprint matches the concept's current text.
type EmbeddingRecord struct {
	Identity    string    `json:"identity" db:"identity"`
	Fingerprint string    `json:"fingerprint" db:"fingerprint"`
	Vector      []float32 `json:"vector" db:"vector"`
	Model       string    `json:"model" db:"model"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// LinkStatus is the relationship status of a concept in the pipeline.
type LinkStatus string

const (
	StatusUnlinked    LinkStatus = "unlinked"
	StatusRecalled    LinkStatus = "recalled"
	StatusReranked    LinkStatus = "reranked"
	StatusSynthesized LinkStatus = "synthesized"
)

// Decision is the link decision for a candidate pair.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionLinked   Decision = "linked"
	DecisionRejected Decision = "rejected"
)

// CandidateScore is a scored (source, target) pair flowing through the pipeline.
// RecallScore is always set before RerankScore; when RerankScore is non-nil it
// supersedes RecallScore for thresholding.
type CandidateScore struct {
	Source      string   `json:"source"`
	Target      string   `json:"target"`
	RecallScore float64  `json:"recall_score"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
	Decision    Decision `json:"decision"`
}

// EffectiveScore returns the rerank score when present, otherwise the recall score.
func (c *CandidateScore) EffectiveScore() float64 {
	if c.RerankScore != nil {
		return *c.RerankScore
	}
	return c.RecallScore
}
