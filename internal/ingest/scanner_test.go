package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/tsunagu/internal/config"
	"github.com/hyperjump/tsunagu/internal/models"
	"github.com/hyperjump/tsunagu/internal/store"
)

func writeNote(t *testing.T, vault, subject, name, content string) string {
	t.Helper()
	dir := filepath.Join(vault, subject)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestScanner(t *testing.T, vault string) (*Scanner, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "concepts.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	cfg := &config.VaultConfig{Path: vault, Extensions: []string{".md"}}
	return NewScanner(cfg, st, nil, zap.NewNop()), st
}

func TestParseNoteFrontMatter(t *testing.T) {
	vault := t.TempDir()
	path := writeNote(t, vault, "minfa", "note.md", `---
title: 善意取得
aliases:
  - 善意第三人取得
tags:
  - 物权
---
构成要件：无权处分、受让人善意、合理价格、完成公示。
参见 [[无权处分]] 与 [[抵押权|抵押]]。
`)

	note, err := ParseNote(path, "minfa")
	if err != nil {
		t.Fatalf("ParseNote: %v", err)
	}
	if note.Concept.Identity != "minfa:善意取得" {
		t.Errorf("identity = %q", note.Concept.Identity)
	}
	if len(note.Concept.Aliases) != 1 || note.Concept.Aliases[0] != "善意第三人取得" {
		t.Errorf("aliases = %v", note.Concept.Aliases)
	}
	if len(note.Concept.Tags) != 1 || note.Concept.Tags[0] != "物权" {
		t.Errorf("tags = %v", note.Concept.Tags)
	}
	if len(note.Links) != 2 || note.Links[0] != "无权处分" || note.Links[1] != "抵押权" {
		t.Errorf("links = %v", note.Links)
	}
	if note.Concept.Body == "" || note.Concept.Body[0] == '-' {
		t.Errorf("body should exclude front matter, got %q", note.Concept.Body)
	}
}

func TestParseNoteTitleFallsBackToFileName(t *testing.T) {
	vault := t.TempDir()
	path := writeNote(t, vault, "ds", "binary heap.md", "No front matter here.")

	note, err := ParseNote(path, "ds")
	if err != nil {
		t.Fatalf("ParseNote: %v", err)
	}
	if note.Concept.Identity != "ds:binary heap" {
		t.Errorf("identity = %q", note.Concept.Identity)
	}
	if note.Concept.Body != "No front matter here." {
		t.Errorf("body = %q", note.Concept.Body)
	}
}

func TestScanIngestsVaultAndCuratesLinks(t *testing.T) {
	vault := t.TempDir()
	writeNote(t, vault, "minfa", "a.md", `---
title: 善意取得
---
依赖 [[无权处分]]，另见 [[不存在的概念]]。
`)
	writeNote(t, vault, "minfa", "b.md", `---
title: 无权处分
---
可能引出 [[善意取得]]。
`)
	writeNote(t, vault, "xingfa", "c.md", `---
title: 正当防卫
---
与民法上的 [[minfa:善意取得]] 无关，但可以跨科目链接。
`)

	scanner, st := newTestScanner(t, vault)
	ctx := context.Background()

	report, err := scanner.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if report.Scanned != 3 || report.Created != 3 {
		t.Errorf("report = %+v", report)
	}

	edges, err := st.EdgesFor(ctx, "minfa:善意取得")
	if err != nil {
		t.Fatal(err)
	}
	// a<->b (deduped to one canonical edge) and the cross-subject link from c.
	if len(edges) != 2 {
		t.Fatalf("edges = %+v", edges)
	}
	for _, e := range edges {
		if e.Provenance != models.ProvenanceCurated {
			t.Errorf("edge provenance = %s", e.Provenance)
		}
	}

	// Re-scan is idempotent: same edges, everything counted as updated.
	report, err = scanner.Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Created != 0 || report.Updated != 3 {
		t.Errorf("second scan report = %+v", report)
	}
	if n, _ := st.CountEdges(ctx); n != 2 {
		t.Errorf("edge count after rescan = %d", n)
	}
}

func TestScanSubjectAllowlist(t *testing.T) {
	vault := t.TempDir()
	writeNote(t, vault, "minfa", "a.md", "---\ntitle: 合同\n---\nbody")
	writeNote(t, vault, "xingfa", "b.md", "---\ntitle: 抢劫罪\n---\nbody")

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "concepts.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	scanner := NewScanner(&config.VaultConfig{
		Path:       vault,
		Subjects:   []string{"minfa"},
		Extensions: []string{".md"},
	}, st, nil, zap.NewNop())

	report, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Scanned != 1 {
		t.Errorf("scanned = %d, want 1", report.Scanned)
	}
	if _, err := st.GetConcept(context.Background(), "xingfa:抢劫罪"); err == nil {
		t.Error("filtered subject should not be ingested")
	}
}

func TestIngestFileResolvesSubjectFromPath(t *testing.T) {
	vault := t.TempDir()
	path := writeNote(t, vault, "ds", "trie.md", "---\ntitle: Trie\n---\nPrefix tree.")

	scanner, st := newTestScanner(t, vault)
	identity, err := scanner.IngestFile(context.Background(), path)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if identity != "ds:Trie" {
		t.Errorf("identity = %q", identity)
	}
	if _, err := st.GetConcept(context.Background(), identity); err != nil {
		t.Errorf("GetConcept: %v", err)
	}

	// A file outside the vault is rejected.
	outside := filepath.Join(t.TempDir(), "stray.md")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := scanner.IngestFile(context.Background(), outside); err == nil {
		t.Error("expected error for a note outside the vault")
	}
}

func TestRemoveFileDeletesConcept(t *testing.T) {
	vault := t.TempDir()
	path := writeNote(t, vault, "ds", "heap.md", "---\ntitle: Heap\n---\nbody")

	scanner, st := newTestScanner(t, vault)
	ctx := context.Background()
	if _, err := scanner.IngestFile(ctx, path); err != nil {
		t.Fatal(err)
	}

	identity, err := scanner.RemoveFile(ctx, path)
	if err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}
	if identity != "ds:Heap" {
		t.Errorf("removed identity = %q", identity)
	}
	if _, err := st.GetConcept(ctx, identity); err == nil {
		t.Error("concept should be gone")
	}

	// Removing an unknown path is a no-op.
	identity, err = scanner.RemoveFile(ctx, filepath.Join(vault, "ds", "ghost.md"))
	if err != nil || identity != "" {
		t.Errorf("unknown path: identity=%q err=%v", identity, err)
	}
}
