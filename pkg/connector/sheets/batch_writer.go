package sheets

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	sheets "google.golang.org/api/sheets/v4"

	"github.com/revops-tools/kpisync/pkg/metrics"
)

// DefaultChunkSize is the number of queued rows written per batch call.
const DefaultChunkSize = 200

// FlushError reports the inclusive sheet-row range of the chunk whose
// write failed. Chunks flushed before it are not rolled back, so the
// destination may be partially populated; chunks after it were never
// attempted.
type FlushError struct {
	FirstRow int
	LastRow  int
	Err      error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("batch flush failed for rows %d-%d: %v", e.FirstRow, e.LastRow, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

// BatchWriter stages rows in memory and flushes them to a spreadsheet in
// fixed-size chunks. The destination range is cleared once, up front, and
// chunks are written in increasing row order; a chunk failure aborts all
// remaining chunks.
type BatchWriter struct {
	writer        ValueWriter
	spreadsheetID string
	clearRange    string
	chunkSize     int
	firstRow      int
	queued        []*sheets.ValueRange
	logger        *zap.Logger
}

// NewBatchWriter creates a writer staging rows for one spreadsheet.
// firstRow is the sheet row the first queued row lands on (typically 2,
// below a header) and is used only for failure reporting.
func NewBatchWriter(writer ValueWriter, spreadsheetID, clearRange string, chunkSize, firstRow int, logger *zap.Logger) *BatchWriter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if firstRow <= 0 {
		firstRow = 2
	}
	return &BatchWriter{
		writer:        writer,
		spreadsheetID: spreadsheetID,
		clearRange:    clearRange,
		chunkSize:     chunkSize,
		firstRow:      firstRow,
		logger:        logger,
	}
}

// Queue stages one row for the given range.
func (w *BatchWriter) Queue(valueRange string, values []interface{}) {
	w.queued = append(w.queued, &sheets.ValueRange{
		Range:  valueRange,
		Values: [][]interface{}{values},
	})
}

// Len returns the number of staged rows.
func (w *BatchWriter) Len() int {
	return len(w.queued)
}

// Flush clears the destination range once and writes the staged rows in
// chunk-size batches, in order. On a chunk failure it stops immediately
// and returns a *FlushError carrying the failed chunk's inclusive row
// range; earlier chunks remain written.
func (w *BatchWriter) Flush(ctx context.Context) error {
	if len(w.queued) == 0 {
		w.logger.Info("no rows staged, nothing to flush")
		return nil
	}

	if w.clearRange != "" {
		if err := w.writer.Clear(ctx, w.spreadsheetID, w.clearRange); err != nil {
			return err
		}
	}

	total := len(w.queued)
	w.logger.Info("flushing staged rows",
		zap.Int("rows", total),
		zap.Int("chunk_size", w.chunkSize))

	for start := 0; start < total; start += w.chunkSize {
		end := start + w.chunkSize
		if end > total {
			end = total
		}
		chunk := w.queued[start:end]

		if err := w.writer.BatchUpdate(ctx, w.spreadsheetID, chunk); err != nil {
			flushErr := &FlushError{
				FirstRow: w.firstRow + start,
				LastRow:  w.firstRow + end - 1,
				Err:      err,
			}
			w.logger.Error("stopping flush after chunk failure",
				zap.Int("first_row", flushErr.FirstRow),
				zap.Int("last_row", flushErr.LastRow),
				zap.Error(err))
			return flushErr
		}

		metrics.RowsWritten.WithLabelValues("sheets").Add(float64(len(chunk)))
	}

	w.logger.Info("flush complete", zap.Int("rows", total))
	w.queued = nil
	return nil
}
