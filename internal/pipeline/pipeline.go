// Package pipeline wires the adapters, the run store and the catalog into
// the `vidcap process` and `vidcap runs` operations.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/forPelevin/vidcap/internal/catalog"
	"github.com/forPelevin/vidcap/internal/ports"
	"github.com/forPelevin/vidcap/internal/ports/adapters/ffmpeg"
	"github.com/forPelevin/vidcap/internal/ports/adapters/shellcmd"
	"github.com/forPelevin/vidcap/internal/runstore"
	"github.com/forPelevin/vidcap/internal/types"
	"github.com/forPelevin/vidcap/internal/usecase"
)

// ErrLocked means another process is already running a pipeline on the data root.
var ErrLocked = errors.New("data root is locked by another vidcap process")

type Config struct {
	DataRoot     string
	Inputs       []string
	AnnotatorCmd string

	FFmpegPath string
	// Shell runs the annotator template; empty means /bin/sh.
	Shell string

	Log logrus.FieldLogger
	Now func() time.Time

	// Transcoder and Annotator replace the ffmpeg and shell adapters when set.
	Transcoder ports.Transcoder
	Annotator  ports.Annotator
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DataRoot) == "" {
		return errors.New("data root is empty")
	}
	for _, in := range c.Inputs {
		info, err := os.Stat(in)
		if err != nil {
			return fmt.Errorf("stat input: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("input %s is a directory", in)
		}
	}
	return nil
}

// Report is what a finished invocation hands back to the CLI.
type Report struct {
	usecase.Result
	// Empty is set when there was nothing to process.
	Empty bool
}

func (r Report) Summary() string {
	if r.Empty {
		return "No files uploaded."
	}
	return fmt.Sprintf("Processing complete.\nRun label: %s\nAnnotations: %s\nManifest: %s",
		r.RunLabel, r.AnnotationsPath, r.ManifestPath)
}

// Run processes cfg.Inputs as one run while holding the data root lock.
func Run(ctx context.Context, cfg Config) (Report, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	layout := runstore.Layout{Root: cfg.DataRoot}
	if err := runstore.Mkdir(layout.Root); err != nil {
		return Report{}, err
	}

	lock := flock.New(layout.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return Report{}, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return Report{}, fmt.Errorf("%w (%s)", ErrLocked, layout.LockPath())
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.WithError(err).Warn("failed to release data root lock")
		}
	}()

	transcoder := cfg.Transcoder
	if transcoder == nil {
		transcoder = ffmpeg.New(cfg.FFmpegPath, layout.StandardizedDir())
	}
	annotator := cfg.Annotator
	if annotator == nil {
		annotator = shellcmd.New(cfg.Shell)
	}

	uc := usecase.New(usecase.Deps{
		Transcoder: transcoder,
		Annotator:  annotator,
		Store:      runstore.New(layout, now),
		Log:        log,
		Now:        now,
	})

	uploads := make([]types.Upload, 0, len(cfg.Inputs))
	for _, in := range cfg.Inputs {
		uploads = append(uploads, types.Upload{Path: in, Name: filepath.Base(in)})
	}

	res, err := uc.Process(ctx, usecase.Input{Uploads: uploads, Template: cfg.AnnotatorCmd})
	if errors.Is(err, usecase.ErrNothingToDo) {
		return Report{Empty: true}, nil
	}
	if err != nil {
		return Report{Result: res}, err
	}

	recordRun(ctx, layout, res.ManifestPath, log)
	return Report{Result: res}, nil
}

// recordRun adds the finished run to the catalog. Failures only warn: the
// manifest on disk stays authoritative and `runs reindex` can rebuild.
func recordRun(ctx context.Context, layout runstore.Layout, manifestPath string, log logrus.FieldLogger) {
	m, err := runstore.ReadManifest(manifestPath)
	if err != nil {
		log.WithError(err).Warn("catalog update skipped")
		return
	}
	cat, err := catalog.Open(layout.CatalogPath())
	if err != nil {
		log.WithError(err).Warn("catalog update skipped")
		return
	}
	defer cat.Close()
	if err := cat.Upsert(ctx, catalog.EntryFromManifest(manifestPath, m)); err != nil {
		log.WithError(err).Warn("catalog update failed")
	}
}

var (
	_ ports.Transcoder = (*ffmpeg.Adapter)(nil)
	_ ports.Annotator  = (*shellcmd.Adapter)(nil)
)
