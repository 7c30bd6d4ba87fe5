// Package table maintains the on-disk result table of a benchmark batch.
//
// The table is a CSV file whose first column is the instance id. Columns are
// added in first-seen order and never removed. Rows are appended one per
// completed instance and synced before Append returns, so the file can be
// used to resume an interrupted batch. Adding columns rewrites the whole file
// through a temporary file and an atomic rename; a reader never sees a
// partially written table.
package table

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/runhelper/pkg/errors"
	"github.com/wehubfusion/runhelper/pkg/record"
)

// Table is an append-only CSV result table with a self-widening header.
// It is not safe for concurrent use; the runner confines it to one goroutine.
type Table struct {
	path       string
	columns    *orderedmap.OrderedMap[string, int]
	rows       [][]string
	migrations int
	// torn is set when the file did not end in a newline; the next Append
	// rewrites it before adding a row
	torn   bool
	logger *zap.Logger
}

// Open loads the table at path. A missing or empty file yields an empty table;
// the file is created on the first Append. A last row without a terminating
// newline was cut short by a crash and is dropped, so its instance runs again.
func Open(path string, logger *zap.Logger) (*Table, error) {
	if path == "" {
		return nil, errors.New("table path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Table{
		path:    path,
		columns: orderedmap.New[string, int](),
		logger:  logger,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return t, nil
		}
		return nil, fmt.Errorf("failed to open result table: %w", err)
	}

	if err := t.load(bytes.NewReader(data)); err != nil {
		return nil, err
	}

	if len(data) > 0 && data[len(data)-1] != '\n' {
		t.torn = true
		if n := len(t.rows); n > 0 {
			logger.Warn("Dropped unterminated last row of result table",
				zap.String("path", path),
				zap.String("instance", t.rows[n-1][0]))
			t.rows = t.rows[:n-1]
		}
	}

	if t.columns.Len() > 0 {
		logger.Info("Loaded existing result table",
			zap.String("path", path),
			zap.Int("columns", t.columns.Len()),
			zap.Int("rows", len(t.rows)))
	}
	return t, nil
}

func (t *Table) load(r io.Reader) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return t.malformed(err)
	}
	if header[0] != record.KeyInstance {
		return t.malformed(fmt.Errorf("first column is %q, want %q", header[0], record.KeyInstance))
	}
	for i, name := range header {
		if _, present := t.columns.Set(name, i); present {
			return t.malformed(fmt.Errorf("duplicate column %q", name))
		}
	}

	for {
		fields, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return t.malformed(err)
		}
		if len(fields) > len(header) {
			line, _ := reader.FieldPos(0)
			return t.malformed(fmt.Errorf("line %d has %d fields, header has %d", line, len(fields), len(header)))
		}
		t.rows = append(t.rows, t.pad(fields))
	}
}

func (t *Table) malformed(err error) error {
	return fmt.Errorf("%w: %s: %v", sdkerrors.ErrMalformedTable, t.path, err)
}

// pad extends fields with null markers up to the current column count
func (t *Table) pad(fields []string) []string {
	for len(fields) < t.columns.Len() {
		fields = append(fields, record.Null)
	}
	return fields
}

// Path returns the file backing the table
func (t *Table) Path() string {
	return t.path
}

// Columns returns the column names in order
func (t *Table) Columns() []string {
	cols := make([]string, 0, t.columns.Len())
	for pair := t.columns.Oldest(); pair != nil; pair = pair.Next() {
		cols = append(cols, pair.Key)
	}
	return cols
}

// Rows returns a copy of the rows, each aligned to Columns
func (t *Table) Rows() [][]string {
	rows := make([][]string, len(t.rows))
	for i, row := range t.rows {
		rows[i] = append([]string(nil), row...)
	}
	return rows
}

// Len returns the number of rows
func (t *Table) Len() int {
	return len(t.rows)
}

// Migrations returns how many times the schema was widened since Open
func (t *Table) Migrations() int {
	return t.migrations
}

// InstanceIDs returns the first field of every row in file order
func (t *Table) InstanceIDs() []string {
	ids := make([]string, 0, len(t.rows))
	for _, row := range t.rows {
		ids = append(ids, row[0])
	}
	return ids
}

// Append adds rec as a new row. Keys not yet in the table are appended to the
// column order first, which rewrites the file once. It reports whether such a
// migration happened.
func (t *Table) Append(rec *record.Record) (bool, error) {
	if !rec.Has(record.KeyInstance) {
		return false, fmt.Errorf("record has no %q field", record.KeyInstance)
	}

	var added []string
	if t.columns.Len() == 0 {
		t.columns.Set(record.KeyInstance, 0)
		added = append(added, record.KeyInstance)
	}
	for _, key := range rec.Keys() {
		if _, ok := t.columns.Get(key); !ok {
			t.columns.Set(key, t.columns.Len())
			added = append(added, key)
		}
	}

	row := t.render(rec)
	migrated := len(added) > 0

	if t.torn && !migrated {
		if err := t.rewrite(); err != nil {
			return false, err
		}
	}

	if migrated {
		for i := range t.rows {
			t.rows[i] = t.pad(t.rows[i])
		}
		if err := t.rewrite(); err != nil {
			return false, err
		}
		t.migrations++
		t.logger.Warn("Result table schema widened",
			zap.String("path", t.path),
			zap.Strings("newColumns", added),
			zap.Int("columns", t.columns.Len()),
			zap.Int("rows", len(t.rows)))
	}

	t.torn = false

	if err := t.appendRow(row); err != nil {
		return migrated, err
	}
	t.rows = append(t.rows, row)
	return migrated, nil
}

func (t *Table) render(rec *record.Record) []string {
	row := make([]string, 0, t.columns.Len())
	for pair := t.columns.Oldest(); pair != nil; pair = pair.Next() {
		if v, ok := rec.Get(pair.Key); ok {
			row = append(row, record.FormatValue(v))
		} else {
			row = append(row, record.Null)
		}
	}
	return row
}

// rewrite replaces the file with the current header and history
func (t *Table) rewrite() error {
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create table directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(t.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary table: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := csv.NewWriter(tmp)
	if err := w.Write(t.Columns()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write table header: %w", err)
	}
	if err := w.WriteAll(t.rows); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write table rows: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set table permissions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temporary table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary table: %w", err)
	}
	if err := os.Rename(tmpPath, t.path); err != nil {
		return fmt.Errorf("failed to replace result table: %w", err)
	}
	syncDir(dir)
	return nil
}

func (t *Table) appendRow(row []string) error {
	f, err := os.OpenFile(t.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open result table for append: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(row); err != nil {
		f.Close()
		return fmt.Errorf("failed to append row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("failed to append row: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync result table: %w", err)
	}
	return f.Close()
}

// syncDir makes a rename durable; not every platform supports it
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
