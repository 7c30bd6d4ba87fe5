package table

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	sdkerrors "github.com/wehubfusion/runhelper/pkg/errors"
	"github.com/wehubfusion/runhelper/pkg/record"
)

func newRecord(kv ...any) *record.Record {
	rec := record.New()
	for i := 0; i+1 < len(kv); i += 2 {
		rec.Set(kv[i].(string), kv[i+1])
	}
	return rec
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	table, err := Open(path, nil)
	require.NoError(t, err)

	assert.Empty(t, table.Columns())
	assert.Equal(t, 0, table.Len())
	assert.NoFileExists(t, path)
}

func TestOpenEmptyFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	table, err := Open(path, nil)
	require.NoError(t, err)
	assert.Empty(t, table.Columns())
}

func TestFirstAppendWritesHeaderAndRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "results.csv")
	table, err := Open(path, nil)
	require.NoError(t, err)

	migrated, err := table.Append(newRecord("instance", "a", "real", 1.5, "status", int64(0), "timeout", false))
	require.NoError(t, err)
	assert.True(t, migrated)

	assert.Equal(t, "instance,real,status,timeout\na,1.5,0,false\n", readFile(t, path))
	assert.Equal(t, 1, table.Migrations())
}

func TestSubsetRecordsNeverRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	table, err := Open(path, nil)
	require.NoError(t, err)

	_, err = table.Append(newRecord("instance", "a", "x", "1", "y", "2"))
	require.NoError(t, err)

	for _, rec := range []*record.Record{
		newRecord("instance", "b", "x", "3"),
		newRecord("instance", "c", "y", "4"),
		newRecord("instance", "d"),
	} {
		migrated, err := table.Append(rec)
		require.NoError(t, err)
		assert.False(t, migrated)
	}

	assert.Equal(t, 1, table.Migrations())
	assert.Equal(t, "instance,x,y\na,1,2\nb,3,\nc,,4\nd,,\n", readFile(t, path))
}

func TestNewKeysRewriteExactlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	logger, logs := observerLogger()
	table, err := Open(path, logger)
	require.NoError(t, err)

	_, err = table.Append(newRecord("instance", "a", "x", "1"))
	require.NoError(t, err)

	migrated, err := table.Append(newRecord("instance", "b", "z", "9", "x", "2", "w", "8"))
	require.NoError(t, err)
	assert.True(t, migrated)
	assert.Equal(t, 2, table.Migrations())

	assert.Equal(t, []string{"instance", "x", "z", "w"}, table.Columns())
	assert.Equal(t, "instance,x,z,w\na,1,,\nb,2,9,8\n", readFile(t, path))
	assert.Equal(t, [][]string{{"a", "1", "", ""}, {"b", "2", "9", "8"}}, table.Rows())

	widened := logs.FilterMessage("Result table schema widened").All()
	require.Len(t, widened, 2)
	assert.Equal(t, []any{"z", "w"}, widened[1].ContextMap()["newColumns"])
}

func TestNullAndQuotedValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	table, err := Open(path, nil)
	require.NoError(t, err)

	_, err = table.Append(newRecord("instance", "a", "status", nil, "note", `has, comma "q"`))
	require.NoError(t, err)

	assert.Equal(t, "instance,status,note\na,,\"has, comma \"\"q\"\"\"\n", readFile(t, path))

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "", `has, comma "q"`}}, reopened.Rows())
}

func TestResumeLoadsRowsAndKeepsAppending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	require.NoError(t, os.WriteFile(path, []byte("instance,real\nA,1\nB\n"), 0o644))

	table, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, table.InstanceIDs())
	assert.Equal(t, [][]string{{"A", "1"}, {"B", ""}}, table.Rows())

	migrated, err := table.Append(newRecord("instance", "C", "real", 2.25))
	require.NoError(t, err)
	assert.False(t, migrated)
	assert.Equal(t, "instance,real\nA,1\nB\nC,2.25\n", readFile(t, path))
}

func TestUnterminatedTailIsDroppedAndRepaired(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		ids       []string
		append    *record.Record
		want      string
		warnCount int
	}{
		{
			name:      "torn last row",
			content:   "instance,real\nA,1\nB,2",
			ids:       []string{"A"},
			append:    newRecord("instance", "C", "real", "2"),
			want:      "instance,real\nA,1\nC,2\n",
			warnCount: 1,
		},
		{
			name:    "header without newline",
			content: "instance,real",
			ids:     []string{},
			append:  newRecord("instance", "A", "real", "1"),
			want:    "instance,real\nA,1\n",
		},
		{
			name:      "torn row then new column",
			content:   "instance,real\nA,1\nB,",
			ids:       []string{"A"},
			append:    newRecord("instance", "C", "real", "3", "status", "0"),
			want:      "instance,real,status\nA,1,\nC,3,0\n",
			warnCount: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "results.csv")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			logger, logs := observerLogger()
			table, err := Open(path, logger)
			require.NoError(t, err)
			assert.Equal(t, tt.ids, table.InstanceIDs())

			_, err = table.Append(tt.append)
			require.NoError(t, err)
			assert.Equal(t, tt.want, readFile(t, path))
			assert.Equal(t, tt.warnCount, logs.FilterLevelExact(zap.WarnLevel).Len())

			reopened, err := Open(path, nil)
			require.NoError(t, err)
			assert.Equal(t, table.Rows(), reopened.Rows())
		})
	}
}

func TestRewriteKeepsTablePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	table, err := Open(path, nil)
	require.NoError(t, err)

	_, err = table.Append(newRecord("instance", "a", "real", "1"))
	require.NoError(t, err)
	_, err = table.Append(newRecord("instance", "b", "status", "0"))
	require.NoError(t, err)
	require.Equal(t, 2, table.Migrations())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestOpenMalformedTable(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"first column not instance", "id,real\na,1\n"},
		{"duplicate column", "instance,real,real\na,1,2\n"},
		{"row wider than header", "instance,real\na,1,2\n"},
		{"broken quoting", "instance,real\n\"a,1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "results.csv")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			_, err := Open(path, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, sdkerrors.ErrMalformedTable)
		})
	}
}

func TestAppendRequiresInstance(t *testing.T) {
	table, err := Open(filepath.Join(t.TempDir(), "results.csv"), nil)
	require.NoError(t, err)

	_, err = table.Append(newRecord("real", 1.0))
	assert.Error(t, err)
	assert.Empty(t, table.Columns())
}

func TestFileIsCompleteAfterEveryAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "results.csv")
	table, err := Open(path, nil)
	require.NoError(t, err)

	records := []*record.Record{
		newRecord("instance", "i0", "a", "1"),
		newRecord("instance", "i1", "b", "2"),
		newRecord("instance", "i2", "a", "3"),
		newRecord("instance", "i3", "c", "4", "d", "5"),
	}

	for n, rec := range records {
		_, err := table.Append(rec)
		require.NoError(t, err)

		// A crash here must leave a loadable table holding every row so far.
		reopened, err := Open(path, nil)
		require.NoError(t, err)
		assert.Equal(t, n+1, reopened.Len())
		assert.Equal(t, table.Columns(), reopened.Columns())
		assert.Equal(t, table.Rows(), reopened.Rows())

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, e := range entries {
			assert.False(t, strings.Contains(e.Name(), ".tmp-"), "leftover temp file %s", e.Name())
		}
	}
}

func observerLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}
