// Package export writes query results to an object store as parquet
// files so callers can hand large result sets to downstream tools
// without re-running the query.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/duckgate/duckgate/internal/engine"
	"github.com/duckgate/duckgate/internal/storage"
)

const parquetContentType = "application/vnd.apache.parquet"

type EncodeResult struct {
	Data        []byte
	RecordCount int64
}

// parquetRow carries one result row as a JSON document. Keeping the
// schema fixed avoids per-query parquet schema inference and handles
// arbitrary column types uniformly.
type parquetRow struct {
	RowIndex    int64  `parquet:"row_index"`
	PayloadJSON string `parquet:"payload_json"`
}

func EncodeResultToParquet(result engine.Result) (EncodeResult, error) {
	if len(result.Columns) == 0 {
		return EncodeResult{}, fmt.Errorf("result columns are required")
	}

	rows := make([]parquetRow, 0, len(result.Rows))
	for i, values := range result.Rows {
		if len(values) != len(result.Columns) {
			return EncodeResult{}, fmt.Errorf("row %d has %d values, want %d", i, len(values), len(result.Columns))
		}
		payload := make(map[string]any, len(result.Columns))
		for j, column := range result.Columns {
			payload[column] = values[j]
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return EncodeResult{}, fmt.Errorf("encode row %d: %w", i, err)
		}
		rows = append(rows, parquetRow{RowIndex: int64(i), PayloadJSON: string(encoded)})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetRow](buf)
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			return EncodeResult{}, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return EncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}

	return EncodeResult{Data: buf.Bytes(), RecordCount: int64(len(rows))}, nil
}

type Service struct {
	store storage.ObjectStore
	now   func() time.Time
}

func NewService(store storage.ObjectStore) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	return &Service{store: store, now: time.Now}, nil
}

type ExportInfo struct {
	Key         string
	Size        int64
	RecordCount int64
}

// Export encodes the result and uploads it under the subject's prefix.
func (s *Service) Export(ctx context.Context, subject, queryHash string, result engine.Result) (ExportInfo, error) {
	encoded, err := EncodeResultToParquet(result)
	if err != nil {
		return ExportInfo{}, err
	}

	key, err := storage.BuildExportPath(subject, queryHash, s.now())
	if err != nil {
		return ExportInfo{}, err
	}

	info, err := s.store.Put(ctx, key, bytes.NewReader(encoded.Data), int64(len(encoded.Data)), storage.PutOptions{ContentType: parquetContentType})
	if err != nil {
		return ExportInfo{}, fmt.Errorf("upload export %q: %w", key, err)
	}
	return ExportInfo{Key: info.Key, Size: info.Size, RecordCount: encoded.RecordCount}, nil
}

// ExportObject is a stored export ready to stream back to its owner.
// Callers must close Body.
type ExportObject struct {
	Key         string
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

// Open streams a previously exported result back to the requesting
// subject. Keys outside the subject's prefix report not found rather
// than revealing another subject's objects.
func (s *Service) Open(ctx context.Context, subject, key string) (ExportObject, error) {
	owned, err := ownedKey(subject, key)
	if err != nil {
		return ExportObject{}, err
	}
	info, err := s.store.Stat(ctx, owned)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return ExportObject{}, storage.ErrObjectNotFound
		}
		return ExportObject{}, fmt.Errorf("stat export %q: %w", owned, err)
	}
	body, err := s.store.Get(ctx, owned)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return ExportObject{}, storage.ErrObjectNotFound
		}
		return ExportObject{}, fmt.Errorf("open export %q: %w", owned, err)
	}
	return ExportObject{Key: owned, Body: body, ContentType: parquetContentType, Size: info.Size}, nil
}

// Delete removes one of the subject's exports. Deleting an object that
// is already gone succeeds.
func (s *Service) Delete(ctx context.Context, subject, key string) error {
	owned, err := ownedKey(subject, key)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, owned); err != nil {
		return fmt.Errorf("delete export %q: %w", owned, err)
	}
	return nil
}

// ownedKey cleans a caller-supplied key and confines it to the
// subject's prefix. Anything outside that prefix, including traversal
// attempts, is reported as not found.
func ownedKey(subject, key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if key == "" || strings.TrimSpace(subject) == "" {
		return "", storage.ErrObjectNotFound
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", storage.ErrObjectNotFound
	}
	if !strings.HasPrefix(cleaned, subject+"/") {
		return "", storage.ErrObjectNotFound
	}
	return cleaned, nil
}
