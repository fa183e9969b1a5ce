package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/forPelevin/vidcap/internal/catalog"
	"github.com/forPelevin/vidcap/internal/runstore"
	"github.com/forPelevin/vidcap/internal/types"
)

// ListRuns returns catalog entries newest first. An empty catalog is
// rebuilt from disk once so runs made before the catalog existed show up.
func ListRuns(ctx context.Context, dataRoot string) ([]catalog.Entry, error) {
	layout := runstore.Layout{Root: dataRoot}
	cat, err := catalog.Open(layout.CatalogPath())
	if err != nil {
		return nil, err
	}
	defer cat.Close()

	entries, err := cat.List(ctx)
	if err != nil || len(entries) > 0 {
		return entries, err
	}
	if _, err := rebuild(ctx, layout, cat); err != nil {
		return nil, err
	}
	return cat.List(ctx)
}

// ShowRun loads the manifest of one run.
func ShowRun(dataRoot, label string) (types.Manifest, error) {
	path := runstore.New(runstore.Layout{Root: dataRoot}, nil).ManifestPath(label)
	if _, err := os.Stat(path); err != nil {
		return types.Manifest{}, fmt.Errorf("run %s: %w", label, err)
	}
	return runstore.ReadManifest(path)
}

// Reindex rebuilds the catalog from every manifest on disk and returns how
// many runs it indexed.
func Reindex(ctx context.Context, dataRoot string) (int, error) {
	layout := runstore.Layout{Root: dataRoot}
	cat, err := catalog.Open(layout.CatalogPath())
	if err != nil {
		return 0, err
	}
	defer cat.Close()
	return rebuild(ctx, layout, cat)
}

func rebuild(ctx context.Context, layout runstore.Layout, cat *catalog.Catalog) (int, error) {
	paths, err := runstore.New(layout, nil).ListManifests()
	if err != nil {
		return 0, err
	}
	manifests := make(map[string]types.Manifest, len(paths))
	for _, p := range paths {
		m, err := runstore.ReadManifest(p)
		if err != nil {
			return 0, err
		}
		manifests[p] = m
	}
	if err := cat.Rebuild(ctx, manifests); err != nil {
		return 0, err
	}
	return len(manifests), nil
}
