package runstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/forPelevin/vidcap/internal/types"
)

const (
	// LabelLayout gives sortable labels at second resolution.
	LabelLayout = "2006-01-02T15-04-05"

	AnnotationsFile = "annotations.jsonl"
	ManifestFile    = "manifest.json"
)

// Layout describes the directories under a data root.
type Layout struct {
	Root string
}

func (l Layout) IntakeDir() string       { return filepath.Join(l.Root, "incoming_videos") }
func (l Layout) StandardizedDir() string { return filepath.Join(l.Root, "standardized_videos") }
func (l Layout) DatasetDir() string      { return filepath.Join(l.Root, "dataset") }
func (l Layout) RunsDir() string         { return filepath.Join(l.Root, "dataset", "runs") }
func (l Layout) CatalogPath() string     { return filepath.Join(l.Root, "dataset", "catalog.db") }
func (l Layout) LockPath() string        { return filepath.Join(l.Root, ".vidcap.lock") }

// Ensure creates the intake, standardized and runs areas.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.IntakeDir(), l.StandardizedDir(), l.RunsDir()} {
		if err := Mkdir(dir); err != nil {
			return err
		}
	}
	return nil
}

type Run struct {
	Label   string
	Dir     string
	records []types.Record
}

// Append adds rec to the run in memory.
func (r *Run) Append(rec types.Record) {
	r.records = append(r.records, rec)
}

func (r *Run) Records() []types.Record {
	return append([]types.Record(nil), r.records...)
}

type Store struct {
	layout Layout
	now    func() time.Time
}

func New(layout Layout, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{layout: layout, now: now}
}

func (s *Store) Layout() Layout { return s.layout }

// BeginRun allocates a label from the clock and creates its directory.
func (s *Store) BeginRun() (*Run, error) {
	label := s.now().UTC().Format(LabelLayout)
	dir := filepath.Join(s.layout.RunsDir(), label)
	if err := Mkdir(dir); err != nil {
		return nil, err
	}
	return &Run{Label: label, Dir: dir}, nil
}

// Finalize writes the annotation log and then the manifest, replacing any
// previous copies.
func (s *Store) Finalize(run *Run) (string, string, error) {
	var log bytes.Buffer
	for _, rec := range run.records {
		b, err := marshalLine(rec)
		if err != nil {
			return "", "", fmt.Errorf("marshal record %s: %w", rec.SourceFile, err)
		}
		log.Write(b)
		log.WriteByte('\n')
	}
	annotationsPath := filepath.Join(run.Dir, AnnotationsFile)
	if err := WriteBytes(annotationsPath, log.Bytes()); err != nil {
		return "", "", err
	}

	records := run.records
	if records == nil {
		records = []types.Record{}
	}
	m := types.Manifest{
		RunLabel:  run.Label,
		CreatedAt: types.Timestamp(s.now()),
		Count:     len(records),
		Records:   records,
	}
	manifestPath := filepath.Join(run.Dir, ManifestFile)
	if err := WriteJSON(manifestPath, m); err != nil {
		return "", "", err
	}
	return annotationsPath, manifestPath, nil
}

// ListManifests returns manifest paths of every run on disk, oldest first.
func (s *Store) ListManifests() ([]string, error) {
	entries, err := os.ReadDir(s.layout.RunsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(s.layout.RunsDir(), e.Name(), ManifestFile)
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ManifestPath returns where the manifest for label lives.
func (s *Store) ManifestPath(label string) string {
	return filepath.Join(s.layout.RunsDir(), label, ManifestFile)
}

func ReadManifest(path string) (types.Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return types.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m types.Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return types.Manifest{}, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return m, nil
}

// ReadAnnotations decodes an annotation log line by line.
func ReadAnnotations(path string) ([]types.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open annotations: %w", err)
	}
	defer f.Close()

	var out []types.Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec types.Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("decode annotation line %d: %w", len(out)+1, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan annotations: %w", err)
	}
	return out, nil
}

// marshalLine encodes v without HTML escaping so payloads stay readable.
func marshalLine(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
