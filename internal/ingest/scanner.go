// Package ingest turns a vault of Markdown notes into concepts: YAML front
// matter carries the metadata, the directory name is the subject, and
// [[wiki links]] become curated edges.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hyperjump/tsunagu/internal/config"
	"github.com/hyperjump/tsunagu/internal/models"
	"github.com/hyperjump/tsunagu/internal/store"
)

// MentionIndexer receives ingested concepts for full-text indexing. A nil
// indexer disables mention recall.
type MentionIndexer interface {
	Index(ctx context.Context, c *models.Concept) error
	Delete(ctx context.Context, identity string) error
}

// Note is one parsed vault file.
type Note struct {
	Concept models.Concept
	// Links are raw wiki-link targets found in the body, display text and
	// heading anchors stripped.
	Links []string
}

// frontMatter is the YAML header of a note.
type frontMatter struct {
	Title   string   `yaml:"title"`
	Aliases []string `yaml:"aliases"`
	Tags    []string `yaml:"tags"`
}

var wikiLink = regexp.MustCompile(`\[\[([^\]]+)\]\]`)

// ParseNote reads one Markdown note and builds the concept for it. The title
// comes from the front matter, falling back to the file name; the identity is
// "subject:title".
func ParseNote(path, subject string) (*Note, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read note: %w", err)
	}

	body := string(raw)
	var fm frontMatter
	if rest, ok := strings.CutPrefix(body, "---\n"); ok {
		if header, tail, found := strings.Cut(rest, "\n---"); found {
			if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
				return nil, fmt.Errorf("front matter in %s: %w", filepath.Base(path), err)
			}
			body = strings.TrimPrefix(tail, "\n")
		}
	}

	title := strings.TrimSpace(fm.Title)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	title = models.StripSubjectPrefix(title)
	if title == "" {
		return nil, fmt.Errorf("note %s has no usable title", path)
	}

	note := &Note{
		Concept: models.Concept{
			Identity:  subject + ":" + title,
			Title:     title,
			Aliases:   fm.Aliases,
			Tags:      fm.Tags,
			Body:      strings.TrimSpace(body),
			Subject:   subject,
			FilePath:  path,
			UpdatedAt: time.Now(),
		},
	}
	for _, m := range wikiLink.FindAllStringSubmatch(body, -1) {
		target := m[1]
		if i := strings.IndexByte(target, '|'); i >= 0 {
			target = target[:i]
		}
		if i := strings.IndexByte(target, '#'); i >= 0 {
			target = target[:i]
		}
		target = strings.TrimSpace(target)
		if target != "" {
			note.Links = append(note.Links, target)
		}
	}
	return note, nil
}

// ScanReport summarizes one pass over the vault.
type ScanReport struct {
	Scanned      int      `json:"scanned"`
	Created      int      `json:"created"`
	Updated      int      `json:"updated"`
	CuratedEdges int      `json:"curated_edges"`
	Conflicts    []string `json:"conflicts,omitempty"`
}

// Scanner ingests a vault directory into the store and mention index.
type Scanner struct {
	cfg      *config.VaultConfig
	store    store.Store
	mentions MentionIndexer
	logger   *zap.Logger
}

// NewScanner creates a vault scanner. mentions may be nil.
func NewScanner(cfg *config.VaultConfig, st store.Store, mentions MentionIndexer, logger *zap.Logger) *Scanner {
	return &Scanner{cfg: cfg, store: st, mentions: mentions, logger: logger}
}

// Scan walks the vault, upserts every note as a concept, and then resolves
// wiki links into curated edges. Links are resolved in a second pass so
// forward references between notes work. An alias conflict skips the note and
// is reported; it never aborts the scan.
func (s *Scanner) Scan(ctx context.Context) (*ScanReport, error) {
	report := &ScanReport{}
	var notes []*Note

	subjects, err := s.subjectDirs()
	if err != nil {
		return nil, err
	}
	for _, subject := range subjects {
		dir := filepath.Join(s.cfg.Path, subject)
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			if !s.matchExtension(path) {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			note, parseErr := ParseNote(path, subject)
			if parseErr != nil {
				s.logger.Warn("skipping unparseable note", zap.String("path", path), zap.Error(parseErr))
				return nil
			}
			report.Scanned++
			notes = append(notes, note)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	titleIndex := make(map[string]string, len(notes))
	for _, n := range notes {
		titleIndex[n.Concept.Subject+":"+n.Concept.Title] = n.Concept.Identity
		for _, alias := range n.Concept.Aliases {
			titleIndex[n.Concept.Subject+":"+models.StripSubjectPrefix(alias)] = n.Concept.Identity
		}
	}

	for _, n := range notes {
		created, err := s.store.UpsertConcept(ctx, &n.Concept)
		if err != nil {
			if errors.Is(err, models.ErrConflict) {
				s.logger.Warn("concept conflict", zap.String("identity", n.Concept.Identity), zap.Error(err))
				report.Conflicts = append(report.Conflicts, n.Concept.Identity)
				continue
			}
			return nil, err
		}
		if created {
			report.Created++
		} else {
			report.Updated++
		}
		if s.mentions != nil {
			if err := s.mentions.Index(ctx, &n.Concept); err != nil {
				s.logger.Warn("mention indexing failed", zap.String("identity", n.Concept.Identity), zap.Error(err))
			}
		}
	}

	for _, n := range notes {
		added, err := s.curateLinks(ctx, n, titleIndex)
		if err != nil {
			return nil, err
		}
		report.CuratedEdges += added
	}

	s.logger.Info("vault scan complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("curated_edges", report.CuratedEdges),
		zap.Int("conflicts", len(report.Conflicts)),
	)
	return report, nil
}

// curateLinks stores a curated edge per resolvable wiki link. A bare target
// resolves within the note's subject; a "subject:title" target crosses
// subjects. Unresolvable targets are skipped silently: notes routinely link to
// pages that do not exist yet.
func (s *Scanner) curateLinks(ctx context.Context, n *Note, titleIndex map[string]string) (int, error) {
	added := 0
	for _, target := range n.Links {
		key := target
		if !strings.Contains(target, ":") {
			key = n.Concept.Subject + ":" + target
		}
		identity, ok := titleIndex[key]
		if !ok {
			// Fall back to the store for targets ingested in earlier runs.
			if _, err := s.store.GetConcept(ctx, key); err != nil {
				continue
			}
			identity = key
		}
		if identity == n.Concept.Identity {
			continue
		}
		edge := models.NewLinkEdge(n.Concept.Identity, identity, models.ProvenanceCurated, 1.0)
		if err := s.store.PutEdge(ctx, edge); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// IngestFile ingests a single note, for watcher-driven updates. The subject is
// the first path element under the vault root. Returns the concept identity.
func (s *Scanner) IngestFile(ctx context.Context, path string) (string, error) {
	subject, err := s.subjectOf(path)
	if err != nil {
		return "", err
	}
	note, err := ParseNote(path, subject)
	if err != nil {
		return "", err
	}
	if _, err := s.store.UpsertConcept(ctx, &note.Concept); err != nil {
		return "", err
	}
	if s.mentions != nil {
		if err := s.mentions.Index(ctx, &note.Concept); err != nil {
			s.logger.Warn("mention indexing failed", zap.String("identity", note.Concept.Identity), zap.Error(err))
		}
	}
	if _, err := s.curateLinks(ctx, note, nil); err != nil {
		return "", err
	}
	return note.Concept.Identity, nil
}

// RemoveFile deletes the concept ingested from path, if any. Returns the
// removed identity, or "" when no concept came from this file.
func (s *Scanner) RemoveFile(ctx context.Context, path string) (string, error) {
	var identity string
	err := s.store.ForEachConcept(ctx, func(c *models.Concept) error {
		if c.FilePath == path {
			identity = c.Identity
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return "", err
	}
	if identity == "" {
		return "", nil
	}
	if err := s.store.DeleteConcept(ctx, identity); err != nil {
		return "", err
	}
	if s.mentions != nil {
		if err := s.mentions.Delete(ctx, identity); err != nil {
			s.logger.Warn("mention delete failed", zap.String("identity", identity), zap.Error(err))
		}
	}
	return identity, nil
}

var errStopIteration = errors.New("stop iteration")

// subjectDirs lists the vault's subject directories, filtered by the
// configured subject allowlist when one is set.
func (s *Scanner) subjectDirs() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("read vault: %w", err)
	}
	allow := make(map[string]struct{}, len(s.cfg.Subjects))
	for _, subj := range s.cfg.Subjects {
		allow[subj] = struct{}{}
	}
	var subjects []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if len(allow) > 0 {
			if _, ok := allow[e.Name()]; !ok {
				continue
			}
		}
		subjects = append(subjects, e.Name())
	}
	return subjects, nil
}

func (s *Scanner) subjectOf(path string) (string, error) {
	rel, err := filepath.Rel(s.cfg.Path, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("note %s is outside the vault", path)
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) < 2 {
		return "", fmt.Errorf("note %s is not under a subject directory", path)
	}
	return parts[0], nil
}

func (s *Scanner) matchExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if len(s.cfg.Extensions) == 0 {
		return ext == ".md"
	}
	for _, e := range s.cfg.Extensions {
		if strings.EqualFold(strings.TrimPrefix(e, "."), strings.TrimPrefix(ext, ".")) {
			return true
		}
	}
	return false
}
