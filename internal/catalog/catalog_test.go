package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/forPelevin/vidcap/internal/types"
)

func TestUpsertAndList(t *testing.T) {
	t.Parallel()

	c, err := Open(filepath.Join(t.TempDir(), "dataset", "catalog.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	for _, e := range []Entry{
		{RunLabel: "2026-01-01T00-00-00", CreatedAt: "a", Count: 1, ManifestPath: "m1", AnnotationsPath: "a1"},
		{RunLabel: "2026-01-02T00-00-00", CreatedAt: "b", Count: 2, ManifestPath: "m2", AnnotationsPath: "a2"},
		{RunLabel: "2026-01-01T00-00-00", CreatedAt: "a", Count: 3, Failed: 1, ManifestPath: "m1", AnnotationsPath: "a1"},
	} {
		if err := c.Upsert(ctx, e); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	got, err := c.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].RunLabel != "2026-01-02T00-00-00" {
		t.Fatalf("expected newest first, got %s", got[0].RunLabel)
	}
	if got[1].Count != 3 || got[1].Failed != 1 {
		t.Fatalf("expected upsert to replace counts, got %+v", got[1])
	}
}

func TestRebuild(t *testing.T) {
	t.Parallel()

	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	if err := c.Upsert(ctx, Entry{RunLabel: "stale", CreatedAt: "x", ManifestPath: "m", AnnotationsPath: "a"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	manifests := map[string]types.Manifest{
		filepath.Join("runs", "r1", "manifest.json"): {
			RunLabel: "r1",
			Count:    2,
			Records: []types.Record{
				{Annotation: types.AnnotationResult{Success: true}},
				{Annotation: types.AnnotationResult{Success: false}},
			},
		},
	}
	if err := c.Rebuild(ctx, manifests); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	got, err := c.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].RunLabel != "r1" {
		t.Fatalf("unexpected entries %+v", got)
	}
	if got[0].Failed != 1 || got[0].Count != 2 {
		t.Fatalf("unexpected counts %+v", got[0])
	}
	if got[0].AnnotationsPath != filepath.Join("runs", "r1", "annotations.jsonl") {
		t.Fatalf("unexpected annotations path %s", got[0].AnnotationsPath)
	}
}
