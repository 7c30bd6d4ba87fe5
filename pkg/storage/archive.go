package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ErrBlobNotFound is returned by Download when the blob does not exist
var ErrBlobNotFound = errors.New("blob not found")

// DefaultPrefix is the virtual directory holding all batches
const DefaultPrefix = "batches"

// OutputFile names the output file of one instance
type OutputFile struct {
	InstanceID string
	Path       string
}

// ManifestEntry describes one archived file
type ManifestEntry struct {
	InstanceID string `json:"instance_id,omitempty"`
	Blob       string `json:"blob"`
	URL        string `json:"url"`
	SizeBytes  int64  `json:"size_bytes"`
}

// Manifest lists everything archived for a batch
type Manifest struct {
	BatchID    string          `json:"batch_id"`
	ArchivedAt time.Time       `json:"archived_at"`
	Table      ManifestEntry   `json:"table"`
	Outputs    []ManifestEntry `json:"outputs"`
	Missing    []string        `json:"missing,omitempty"`
}

// Archiver copies batch artifacts to blob storage under <prefix>/<batchID>/
type Archiver struct {
	store  BlobStore
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewArchiver creates an archiver. An empty prefix selects DefaultPrefix.
func NewArchiver(store BlobStore, prefix string, logger *zap.Logger) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{store: store, prefix: prefix, logger: logger, now: time.Now}, nil
}

// TableBlob is the blob path of a batch's result table
func (a *Archiver) TableBlob(batchID string) string {
	return path.Join(a.prefix, batchID, "results.csv")
}

// OutputBlob is the blob path of an instance output file
func (a *Archiver) OutputBlob(batchID string, out OutputFile) string {
	return path.Join(a.prefix, batchID, "outputs", out.InstanceID, filepath.Base(out.Path))
}

// ManifestBlob is the blob path of a batch manifest
func (a *Archiver) ManifestBlob(batchID string) string {
	return path.Join(a.prefix, batchID, "manifest.json")
}

// ArchiveBatch uploads the result table, every existing output file and a
// manifest. Output files that do not exist are listed as missing.
func (a *Archiver) ArchiveBatch(ctx context.Context, batchID, tablePath string, outputs []OutputFile) (*Manifest, error) {
	if batchID == "" {
		return nil, fmt.Errorf("batch id is required")
	}

	manifest := &Manifest{BatchID: batchID, ArchivedAt: a.now().UTC()}
	metadata := map[string]string{"batch_id": batchID}

	table, err := a.uploadFile(ctx, a.TableBlob(batchID), tablePath, "text/csv", metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to archive result table: %w", err)
	}
	manifest.Table = table

	for _, out := range outputs {
		meta := map[string]string{"batch_id": batchID, "instance_id": out.InstanceID}
		entry, err := a.uploadFile(ctx, a.OutputBlob(batchID, out), out.Path, "text/plain", meta)
		if errors.Is(err, os.ErrNotExist) {
			manifest.Missing = append(manifest.Missing, out.InstanceID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to archive output of %s: %w", out.InstanceID, err)
		}
		entry.InstanceID = out.InstanceID
		manifest.Outputs = append(manifest.Outputs, entry)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if _, err := a.store.Upload(ctx, a.ManifestBlob(batchID), bytes.NewReader(data), "application/json", metadata); err != nil {
		return nil, fmt.Errorf("failed to archive manifest: %w", err)
	}

	a.logger.Info("Archived batch",
		zap.String("batchID", batchID),
		zap.Int("outputs", len(manifest.Outputs)),
		zap.Int("missing", len(manifest.Missing)))
	return manifest, nil
}

func (a *Archiver) uploadFile(ctx context.Context, blobPath, localPath, contentType string, metadata map[string]string) (ManifestEntry, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return ManifestEntry{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ManifestEntry{}, err
	}

	url, err := a.store.Upload(ctx, blobPath, f, contentType, metadata)
	if err != nil {
		return ManifestEntry{}, err
	}
	return ManifestEntry{Blob: blobPath, URL: url, SizeBytes: info.Size()}, nil
}

// RestoreTable downloads the archived table of batchID to tablePath so the
// batch can be resumed on another machine. An existing local table is kept.
// It reports whether a table was restored.
func (a *Archiver) RestoreTable(ctx context.Context, batchID, tablePath string) (bool, error) {
	if _, err := os.Stat(tablePath); err == nil {
		a.logger.Info("Local result table exists, not restoring", zap.String("path", tablePath))
		return false, nil
	}

	data, err := a.store.Download(ctx, a.TableBlob(batchID))
	if errors.Is(err, ErrBlobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to download result table: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(tablePath), 0o755); err != nil {
		return false, fmt.Errorf("failed to create table directory: %w", err)
	}
	tmp := tablePath + ".restore"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return false, fmt.Errorf("failed to write restored table: %w", err)
	}
	if err := os.Rename(tmp, tablePath); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("failed to install restored table: %w", err)
	}

	a.logger.Info("Restored result table",
		zap.String("batchID", batchID),
		zap.String("path", tablePath),
		zap.Int("size_bytes", len(data)))
	return true, nil
}
