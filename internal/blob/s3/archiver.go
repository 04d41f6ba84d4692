package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/polyclawd/marketlab/internal/domain"
)

// archiveBatch is how many rows one archive query pulls at a time.
const archiveBatch = 50_000

// BlobWriter is the upload surface the archiver needs.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// PriceArchiveSource provides read access to price history for archival.
type PriceArchiveSource interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.PriceChange, error)
}

// BookArchiveSource provides read access to book snapshots for archival.
type BookArchiveSource interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.BookSnapshot, error)
}

// Archiver copies aged tick and book data to cold storage as JSONL files at
// archive/{kind}/YYYY-MM.jsonl. It never deletes from the primary store;
// pruning is a separate, explicit step run after the archive is verified.
type Archiver struct {
	writer BlobWriter
	prices PriceArchiveSource
	books  BookArchiveSource
	logger *slog.Logger

	// multipartThreshold is the payload size at which uploads switch to
	// multipart.
	multipartThreshold int64
}

// NewArchiver creates an Archiver.
func NewArchiver(writer BlobWriter, prices PriceArchiveSource, books BookArchiveSource, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:             writer,
		prices:             prices,
		books:              books,
		logger:             logger,
		multipartThreshold: minPartSize,
	}
}

// upload picks single-shot or multipart depending on payload size.
func (a *Archiver) upload(ctx context.Context, path string, buf []byte, contentType string) error {
	if int64(len(buf)) >= a.multipartThreshold {
		return a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), contentType, minPartSize)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), contentType)
}

// ArchivePriceChanges uploads all price rows older than the cutoff and
// returns the archived count.
func (a *Archiver) ArchivePriceChanges(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.prices.ListBefore(ctx, before, archiveBatch)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive prices query: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive prices marshal: %w", err)
	}

	path := archivePath("prices", before)
	if err := a.upload(ctx, path, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive prices upload: %w", err)
	}

	a.logger.InfoContext(ctx, "s3blob: archived price changes",
		slog.String("path", path),
		slog.Int("count", len(rows)),
		slog.Time("before", before),
	)
	return int64(len(rows)), nil
}

// ArchiveBookSnapshots uploads all book snapshots older than the cutoff and
// returns the archived count.
func (a *Archiver) ArchiveBookSnapshots(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.books.ListBefore(ctx, before, archiveBatch)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive books query: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive books marshal: %w", err)
	}

	path := archivePath("books", before)
	if err := a.upload(ctx, path, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive books upload: %w", err)
	}

	a.logger.InfoContext(ctx, "s3blob: archived book snapshots",
		slog.String("path", path),
		slog.Int("count", len(rows)),
		slog.Time("before", before),
	)
	return int64(len(rows)), nil
}

// RunLoop archives both kinds on the given interval until the context is
// cancelled. retention determines the cutoff relative to now.
func (a *Archiver) RunLoop(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-retention)
		if _, err := a.ArchivePriceChanges(ctx, cutoff); err != nil {
			a.logger.ErrorContext(ctx, "s3blob: price archive failed",
				slog.String("error", err.Error()),
			)
		}
		if _, err := a.ArchiveBookSnapshots(ctx, cutoff); err != nil {
			a.logger.ErrorContext(ctx, "s3blob: book archive failed",
				slog.String("error", err.Error()),
			)
		}
	}
}

func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
