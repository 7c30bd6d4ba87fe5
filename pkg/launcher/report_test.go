package launcher

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/wehubfusion/runhelper/pkg/errors"
	"github.com/wehubfusion/runhelper/pkg/record"
	"github.com/wehubfusion/runhelper/pkg/tags"
)

const cleanReport = "Real time (s): 1.5\nCPU time (s): 1.2\nMax. memory (cumulated for all children) (KiB): 2048\nChild status: 0\n"

func TestParseReportCleanRun(t *testing.T) {
	rec, err := ParseReport("inst-1", cleanReport)
	require.NoError(t, err)

	assert.Equal(t, []string{"instance", "real", "cpu", "ram", "timeout", "memout", "status"}, rec.Keys())

	want := map[string]any{
		record.KeyInstance: "inst-1",
		record.KeyReal:     1.5,
		record.KeyCPU:      1.2,
		record.KeyRAM:      int64(2048),
		record.KeyTimeout:  false,
		record.KeyMemout:   false,
		record.KeyStatus:   int64(0),
	}
	for key, expected := range want {
		got, ok := rec.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, expected, got, key)
	}
}

func TestParseReportStatusRules(t *testing.T) {
	base := "Real time (s): 3\nCPU time (s): 2.5\nMax. memory (cumulated for all children) (KiB): 10\n"

	tests := []struct {
		name   string
		stdout string
		status any
		flags  [2]bool
	}{
		{"explicit status", base + "Child status: 3\n", int64(3), [2]bool{false, false}},
		{"absent status on clean run", base, int64(0), [2]bool{false, false}},
		{"absent status after timeout", WallClockExceededLine + "\n" + base, nil, [2]bool{true, false}},
		{"absent status after memout", MemoryExceededLine + "\n" + base, nil, [2]bool{false, true}},
		{"status kept when flagged", WallClockExceededLine + "\n" + base + "Child status: 143\n", int64(143), [2]bool{true, false}},
		{"unparsable status", base + "Child status: killed\n", nil, [2]bool{false, false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := ParseReport("x", tt.stdout)
			require.NoError(t, err)

			status, _ := rec.Get(record.KeyStatus)
			assert.Equal(t, tt.status, status)
			timeout, _ := rec.Get(record.KeyTimeout)
			memout, _ := rec.Get(record.KeyMemout)
			assert.Equal(t, tt.flags[0], timeout)
			assert.Equal(t, tt.flags[1], memout)
		})
	}
}

func TestParseReportMissingMandatoryField(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		field  string
	}{
		{"no real time", "CPU time (s): 1\nMax. memory (cumulated for all children) (KiB): 1\n", record.KeyReal},
		{"no cpu time", "Real time (s): 1\nMax. memory (cumulated for all children) (KiB): 1\n", record.KeyCPU},
		{"no memory", "Real time (s): 1\nCPU time (s): 1\n", record.KeyRAM},
		{"bad float", "Real time (s): fast\nCPU time (s): 1\nMax. memory (cumulated for all children) (KiB): 1\n", record.KeyReal},
		{"empty output", "", record.KeyReal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := ParseReport("broken", tt.stdout)
			assert.Nil(t, rec)
			require.True(t, sdkerrors.IsMalformedLauncherOutput(err))

			var malformed *sdkerrors.MalformedLauncherOutputError
			require.ErrorAs(t, err, &malformed)
			assert.Equal(t, tt.field, malformed.Field)
			assert.Equal(t, "broken", malformed.InstanceID)
		})
	}
}

func TestParseTagLine(t *testing.T) {
	tests := []struct {
		line  string
		tag   string
		value string
		ok    bool
	}{
		{"runhelper.nodes=42", "nodes", "42", true},
		{"INFO:root:runhelper.time=0.5", "time", "0.5", true},
		{"runhelper.expr=a=b", "expr", "a=b", true},
		{"runhelper.empty=", "empty", "", true},
		{"runhelper.crlf=1\r", "crlf", "1", true},
		{"runhelper.=value", "", "", false},
		{"runhelper.noequals", "", "", false},
		{"plain output", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			tag, value, ok := ParseTagLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.tag, tag)
			assert.Equal(t, tt.value, value)
		})
	}
}

func TestParseTagLogKeepsRawStringsInFileOrder(t *testing.T) {
	log := "solver banner\nrunhelper.b=2\nnoise runhelper.a=x y z\nrunhelper.b=3\n"
	rec := record.New()
	rec.Set(record.KeyInstance, "i")

	require.NoError(t, ParseTagLog(strings.NewReader(log), rec))

	assert.Equal(t, []string{"instance", "b", "a"}, rec.Keys())
	b, _ := rec.Get("b")
	a, _ := rec.Get("a")
	assert.Equal(t, "3", b)
	assert.Equal(t, "x y z", a)
}

func TestTagStoreLinesRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	value := gen.AnyString().SuchThat(func(s string) bool {
		return !strings.ContainsAny(s, "\r\n")
	})

	properties.Property("tag lines written by the store parse back verbatim", prop.ForAll(
		func(name, v string) bool {
			var buf bytes.Buffer
			store := tags.NewStore(tags.WithSink(&buf))
			if err := store.Log(name, v); err != nil {
				return false
			}

			rec := record.New()
			if err := ParseTagLog(&buf, rec); err != nil {
				return false
			}
			got, ok := rec.Get(name)
			return ok && got == v && rec.Len() == 1
		},
		gen.Identifier(),
		value,
	))

	multiline := gen.OneGenOf(
		gen.AnyString(),
		gen.AnyString().Map(func(s string) string { return s + "\n" + s }),
		gen.AnyString().Map(func(s string) string { return "\r" + s }),
	)

	properties.Property("a logged value never spans more than one tag line", prop.ForAll(
		func(name, v string) bool {
			var buf bytes.Buffer
			store := tags.NewStore(tags.WithSink(&buf))
			err := store.Log(name, v)
			if strings.ContainsAny(v, "\r\n") {
				return errors.Is(err, sdkerrors.ErrInvalidTagValue) && buf.Len() == 0
			}
			if err != nil {
				return false
			}

			rec := record.New()
			lines := strings.Count(buf.String(), "\n")
			return ParseTagLog(&buf, rec) == nil && lines == 1 && rec.Len() == 1
		},
		gen.Identifier(),
		multiline,
	))

	properties.TestingRun(t)
}
