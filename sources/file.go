// Package sources holds the operators that start a pipeline.
package sources

import (
	"bufio"
	"fmt"
	"os"

	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/operator"
)

// FileSource reads a file line by line and emits the lines as byte chunks.
type FileSource struct {
	Path string
	// Lines is how many lines go into one chunk.
	Lines int
}

func (f *FileSource) Name() string { return "from_file" }

// Location is local: the path refers to the filesystem of the caller.
func (f *FileSource) Location() models.Location { return models.Local }

func (f *FileSource) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindNone, models.KindBytes)
}

func (f *FileSource) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return operator.Output{}, fmt.Errorf("failed to open file: %w", err)
	}
	ctrl.Logger().Trace().Str("file_path", f.Path).Msg("opened file for reading")

	lines := max(f.Lines, 1)
	seq := func(yield func(models.Batch) bool) {
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		var chunk []byte
		n := 0
		for scanner.Scan() {
			chunk = append(chunk, scanner.Bytes()...)
			chunk = append(chunk, '\n')
			n++
			if n < lines {
				continue
			}
			if !yield(models.Chunk(chunk)) {
				return
			}
			chunk, n = nil, 0
		}
		if err := scanner.Err(); err != nil {
			ctrl.Abort(fmt.Errorf("failed to read %s: %w", f.Path, err))
			return
		}
		if len(chunk) > 0 {
			yield(models.Chunk(chunk))
		}
	}
	return operator.Output{Kind: models.KindBytes, Seq: seq, Release: file.Close}, nil
}
