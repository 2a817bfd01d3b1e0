package adapters

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/exploopio/attackmap/pkg/corpus"
	"github.com/exploopio/attackmap/pkg/logging"
	"github.com/exploopio/attackmap/pkg/metrics"
)

// File is a corpus file read by ReadBatch.
type File struct {
	Path string
	Data []byte
}

// ReadBatch reads paths from src in consecutive batches of batchSize, each
// batch read concurrently, and hands every batch to fn before the next one is
// read, so only one batch is held at a time. A failed read is logged and left
// out; it never fails the batch. Files within a batch keep the order of
// paths. It returns how many files were read. An error from fn stops the
// walk and is returned. If ctx is cancelled, ctx's error is returned.
func ReadBatch(ctx context.Context, src corpus.Source, paths []string, batchSize int, logger logging.Logger, collector metrics.Collector, fn func([]File) error) (int, error) {
	logger = logging.OrDefault(logger, "adapters")
	collector = metrics.OrDefault(collector)
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	read := 0
	for start := 0; start < len(paths); start += batchSize {
		if err := ctx.Err(); err != nil {
			return read, err
		}
		batch := paths[start:min(start+batchSize, len(paths))]
		results := make([]*File, len(batch))

		var g errgroup.Group
		for i, p := range batch {
			g.Go(func() error {
				data, err := src.Read(ctx, p)
				if err != nil {
					logger.Warn("skipping %s from %s: %v", p, src.Name(), err)
					collector.CounterInc(metrics.CorpusReadFailures.Name, "corpus", src.Name())
					return nil
				}
				collector.CounterInc(metrics.CorpusFilesRead.Name, "corpus", src.Name())
				results[i] = &File{Path: p, Data: data}
				return nil
			})
		}
		_ = g.Wait()

		files := make([]File, 0, len(batch))
		for _, f := range results {
			if f != nil {
				files = append(files, *f)
			}
		}
		read += len(files)
		if err := fn(files); err != nil {
			return read, err
		}
	}
	return read, nil
}
