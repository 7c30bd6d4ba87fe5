package tags

import (
	"bytes"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/wehubfusion/runhelper/pkg/errors"
)

// fakeClock advances only when told to
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *bytes.Buffer, *fakeClock) {
	t.Helper()
	var buf bytes.Buffer
	clock := newFakeClock()
	return NewStore(WithSink(&buf), WithClock(clock.Now)), &buf, clock
}

func TestCreateInitialisesKindZeroValues(t *testing.T) {
	s, _, _ := newTestStore(t)

	require.NoError(t, s.Create("generic", true))
	require.NoError(t, s.CreateInt("count", true))
	require.NoError(t, s.CreateFloat("elapsed", false))

	tag, ok := s.Get("generic")
	require.True(t, ok)
	assert.Equal(t, KindGeneric, tag.Kind)
	assert.Nil(t, tag.Value)

	tag, _ = s.Get("count")
	assert.Equal(t, int64(0), tag.Value)

	tag, _ = s.Get("elapsed")
	assert.Equal(t, 0.0, tag.Value)
	assert.False(t, tag.ExitReported)
}

func TestCreateDuplicateFails(t *testing.T) {
	s, _, _ := newTestStore(t)

	require.NoError(t, s.Create("x", true))
	err := s.CreateInt("x", true)
	require.Error(t, err)
	assert.True(t, sdkerrors.IsDuplicateTag(err))
	assert.Contains(t, err.Error(), "'x'")
}

func TestCreateRejectsUnparsableNames(t *testing.T) {
	s, _, _ := newTestStore(t)

	for _, name := range []string{"", "a=b", "line\nbreak"} {
		err := s.Create(name, true)
		assert.ErrorIs(t, err, sdkerrors.ErrInvalidTagName, "name %q", name)
	}
}

func TestMultilineValuesRejected(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"newline", "first\nsecond"},
		{"carriage return", "first\rsecond"},
		{"trailing newline", "value\n"},
		{"windows line ending", "value\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, buf, _ := newTestStore(t)

			assert.ErrorIs(t, s.Set("note", tt.value), sdkerrors.ErrInvalidTagValue)
			_, ok := s.Get("note")
			assert.False(t, ok)

			assert.ErrorIs(t, s.Log("note", tt.value), sdkerrors.ErrInvalidTagValue)
			s.Shutdown()
			assert.Empty(t, buf.String())
		})
	}
}

func TestIncrementAutoCreatesCounter(t *testing.T) {
	s, _, _ := newTestStore(t)

	require.NoError(t, s.Increment("nodes"))
	require.NoError(t, s.IncrementBy("nodes", 4))

	tag, ok := s.Get("nodes")
	require.True(t, ok)
	assert.Equal(t, KindInt, tag.Kind)
	assert.Equal(t, int64(5), tag.Value)
	assert.True(t, tag.ExitReported)
}

func TestAccumulatePromotesCounter(t *testing.T) {
	s, _, _ := newTestStore(t)

	require.NoError(t, s.IncrementBy("score", 2))
	require.NoError(t, s.Accumulate("score", 0.5))

	tag, _ := s.Get("score")
	assert.Equal(t, KindFloat, tag.Kind)
	assert.Equal(t, 2.5, tag.Value)
}

func TestNumericOperationsRejectGenericTags(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Set("solver", "cadical"))

	assert.ErrorIs(t, s.Increment("solver"), sdkerrors.ErrTagKind)
	assert.ErrorIs(t, s.TimerStart("solver"), sdkerrors.ErrTagKind)

	require.NoError(t, s.CreateInt("n", true))
	assert.ErrorIs(t, s.Set("n", "x"), sdkerrors.ErrTagKind)
}

func TestTimerAccumulatesAcrossCycles(t *testing.T) {
	s, _, clock := newTestStore(t)

	require.NoError(t, s.TimerStart("parse"))
	clock.Advance(1500 * time.Millisecond)
	require.NoError(t, s.TimerStop("parse"))

	require.NoError(t, s.TimerStart("parse"))
	clock.Advance(250 * time.Millisecond)
	require.NoError(t, s.TimerStop("parse"))

	tag, _ := s.Get("parse")
	assert.Equal(t, KindFloat, tag.Kind)
	assert.InDelta(t, 1.75, tag.Value, 1e-9)
}

func TestTimerStartOverwritesUnstoppedStart(t *testing.T) {
	s, _, clock := newTestStore(t)

	require.NoError(t, s.TimerStart("t"))
	clock.Advance(10 * time.Second)
	require.NoError(t, s.TimerStart("t"))
	clock.Advance(time.Second)
	require.NoError(t, s.TimerStop("t"))

	tag, _ := s.Get("t")
	assert.InDelta(t, 1.0, tag.Value, 1e-9)
}

func TestTimerStopWithoutStartFails(t *testing.T) {
	s, _, clock := newTestStore(t)

	err := s.TimerStop("never")
	assert.True(t, sdkerrors.IsTimerNotStarted(err))

	require.NoError(t, s.TimerStart("once"))
	clock.Advance(time.Second)
	require.NoError(t, s.TimerStop("once"))

	err = s.TimerStop("once")
	assert.True(t, sdkerrors.IsTimerNotStarted(err), "second stop must fail")
}

func TestLogWritesLineWithoutMutating(t *testing.T) {
	s, buf, _ := newTestStore(t)
	require.NoError(t, s.CreateInt("n", true))

	require.NoError(t, s.Log("n", 99))
	require.NoError(t, s.Log("adhoc", "value with = sign"))

	assert.Equal(t, "runhelper.n=99\nrunhelper.adhoc=value with = sign\n", buf.String())
	tag, _ := s.Get("n")
	assert.Equal(t, int64(0), tag.Value)
}

func TestLogTagUnknownFails(t *testing.T) {
	s, buf, _ := newTestStore(t)

	err := s.LogTag("missing")
	assert.True(t, sdkerrors.IsUnknownTag(err))
	assert.Empty(t, buf.String())

	require.NoError(t, s.IncrementBy("hits", 3))
	require.NoError(t, s.LogTag("hits"))
	assert.Equal(t, "runhelper.hits=3\n", buf.String())
}

func TestGenericNilLogsNullMarker(t *testing.T) {
	s, buf, _ := newTestStore(t)
	require.NoError(t, s.Create("unset", true))
	require.NoError(t, s.LogTag("unset"))
	assert.Equal(t, "runhelper.unset=\n", buf.String())
}

func TestShutdownReportsExitTagsOnce(t *testing.T) {
	s, buf, _ := newTestStore(t)
	require.NoError(t, s.CreateInt("a", true))
	require.NoError(t, s.CreateInt("hidden", false))
	require.NoError(t, s.Set("b", "x"))
	require.NoError(t, s.Increment("a"))

	s.Shutdown()
	s.Shutdown()

	assert.Equal(t, "runhelper.a=1\nrunhelper.b=x\n", buf.String())
}

func TestTagsSnapshotInCreationOrder(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Increment("z"))
	require.NoError(t, s.TimerStart("a"))
	require.NoError(t, s.Set("m", 1))

	var names []string
	for _, tag := range s.Tags() {
		names = append(names, tag.Name)
	}
	assert.Equal(t, []string{"z", "a", "m"}, names)
}

func TestCounterEqualsSumOfIncrementsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("counter value equals sum of deltas", prop.ForAll(
		func(deltas []int64) bool {
			s := NewStore(WithSink(&bytes.Buffer{}))
			var want int64
			for _, d := range deltas {
				if err := s.IncrementBy("c", d); err != nil {
					return false
				}
				want += d
			}
			tag, ok := s.Get("c")
			if len(deltas) == 0 {
				return !ok
			}
			return ok && tag.Value == want
		},
		gen.SliceOf(gen.Int64Range(-1_000_000, 1_000_000)),
	))

	properties.TestingRun(t)
}

func TestTimerEqualsSumOfCyclesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("timer value equals sum of elapsed cycles", prop.ForAll(
		func(cyclesMs []int64) bool {
			clock := newFakeClock()
			s := NewStore(WithSink(&bytes.Buffer{}), WithClock(clock.Now))
			var want float64
			for _, ms := range cyclesMs {
				if err := s.TimerStart("t"); err != nil {
					return false
				}
				clock.Advance(time.Duration(ms) * time.Millisecond)
				if err := s.TimerStop("t"); err != nil {
					return false
				}
				want += float64(ms) / 1000
			}
			tag, ok := s.Get("t")
			if len(cyclesMs) == 0 {
				return !ok
			}
			got, isFloat := tag.Value.(float64)
			return isFloat && math.Abs(got-want) < 1e-6
		},
		gen.SliceOf(gen.Int64Range(0, 60_000)),
	))

	properties.TestingRun(t)
}

func TestFormatLine(t *testing.T) {
	assert.Equal(t, "runhelper.x=1.25\n", FormatLine("x", 1.25))
	assert.True(t, strings.HasPrefix(FormatLine("y", nil), LinePrefix))
}
