// Package sinks holds the operators that end a pipeline.
package sinks

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/operator"
	"github.com/tarungka/telepipe/internal/utils"
)

// FileSink appends byte chunks to a file.
type FileSink struct {
	Path string
}

func (f *FileSink) Name() string { return "to_file" }

// Location is local: the path refers to the filesystem of the caller.
func (f *FileSink) Location() models.Location { return models.Local }

func (f *FileSink) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindBytes, models.KindNone)
}

func (f *FileSink) open(ctrl operator.Control) (*os.File, error) {
	log := ctrl.Logger()
	log.Trace().Str("file_path", f.Path).Msg("preparing to open file for writing")

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}
	if utils.PathExists(f.Path) {
		log.Warn().Str("file_path", f.Path).Msg("file already exists; appending to it")
	}
	file, err := os.OpenFile(f.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

func (f *FileSink) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	file, err := f.open(ctrl)
	if err != nil {
		return operator.Output{}, err
	}
	seq := func(yield func(models.Batch) bool) {
		for b := range in.Seq {
			if !models.IsIdle(b) {
				if _, err := file.Write(b.(models.Chunk)); err != nil {
					ctrl.Abort(fmt.Errorf("failed to write to %s: %w", f.Path, err))
					return
				}
			}
			if !yield(nil) {
				return
			}
		}
		if err := file.Sync(); err != nil {
			ctrl.Warn(err)
		}
	}
	return operator.Output{Kind: models.KindNone, Seq: seq, Release: file.Close}, nil
}
