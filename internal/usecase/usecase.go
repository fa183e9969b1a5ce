package usecase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/forPelevin/vidcap/internal/ports"
	"github.com/forPelevin/vidcap/internal/runstore"
	"github.com/forPelevin/vidcap/internal/types"
)

// ErrNothingToDo is returned when Process receives no uploads.
var ErrNothingToDo = errors.New("no files uploaded")

type Deps struct {
	Transcoder ports.Transcoder
	Annotator  ports.Annotator
	Store      *runstore.Store
	Log        logrus.FieldLogger
	Now        func() time.Time
}

type Usecase struct{ d Deps }

func New(d Deps) Usecase {
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return Usecase{d: d}
}

type Input struct {
	Uploads  []types.Upload
	Template string
}

type Result struct {
	RunLabel        string
	AnnotationsPath string
	ManifestPath    string
	Count           int
	Failed          int
}

// Process runs every upload through transcode and annotate, in order, and
// finalizes one run. A transcode failure stops the run before finalize.
func (u Usecase) Process(ctx context.Context, in Input) (Result, error) {
	layout := u.d.Store.Layout()
	if err := layout.Ensure(); err != nil {
		return Result{}, err
	}
	if len(in.Uploads) == 0 {
		return Result{}, ErrNothingToDo
	}

	run, err := u.d.Store.BeginRun()
	if err != nil {
		return Result{}, err
	}
	log := u.d.Log.WithField("run_label", run.Label)
	log.WithField("files", len(in.Uploads)).Info("run started")

	res := Result{RunLabel: run.Label}
	for i, up := range in.Uploads {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		flog := log.WithFields(logrus.Fields{"index": i + 1, "source": up.Path})

		sourcePath, err := saveUpload(layout.IntakeDir(), up)
		if err != nil {
			return res, fmt.Errorf("save upload %s: %w", up.Path, err)
		}

		flog.Debug("standardizing")
		standardized, err := u.d.Transcoder.Standardize(ctx, sourcePath)
		if err != nil {
			flog.WithError(err).Error("transcode failed, stopping run")
			return res, fmt.Errorf("standardize %s: %w", sourcePath, err)
		}

		outPath := filepath.Join(run.Dir, stem(standardized)+"_annotation.json")
		flog.Debug("annotating")
		ann := u.d.Annotator.Annotate(ctx, standardized, outPath, in.Template)
		if !ann.Success {
			res.Failed++
			flog.WithFields(logrus.Fields{
				"returncode": ann.ReturnCode,
				"error":      ann.Error,
			}).Warn("annotation failed")
		}

		run.Append(types.Record{
			RunLabel:             run.Label,
			SourceFile:           sourcePath,
			StandardizedFile:     standardized,
			AnnotationOutputFile: outPath,
			Annotation:           ann,
			ProcessedAt:          types.Timestamp(u.d.Now()),
		})
		flog.WithField("success", ann.Success).Info("video processed")
	}

	annotations, manifest, err := u.d.Store.Finalize(run)
	if err != nil {
		return res, err
	}
	res.AnnotationsPath = annotations
	res.ManifestPath = manifest
	res.Count = len(in.Uploads)
	log.WithFields(logrus.Fields{"count": res.Count, "failed": res.Failed}).Info("run finalized")
	return res, nil
}

func saveUpload(intakeDir string, up types.Upload) (string, error) {
	name := up.Name
	if name == "" {
		name = filepath.Base(up.Path)
	}
	dst := filepath.Join(intakeDir, filepath.Base(name))
	if sameFile(up.Path, dst) {
		return dst, nil
	}
	if err := runstore.CopyFile(up.Path, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func sameFile(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}

func stem(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
