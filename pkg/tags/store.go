// Package tags provides a process-local metric store for instance programs.
//
// Instances record counters, accumulators and timers while they run. Values are
// written as "runhelper.<name>=<value>" lines to a sink (stdout by default), which
// the harness later recovers from the instance output file. Tags marked as exit
// reportable are written once when the process shuts down, either through
// Shutdown on the normal path or through the termination handler on SIGTERM.
package tags

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	sdkerrors "github.com/wehubfusion/runhelper/pkg/errors"
	"github.com/wehubfusion/runhelper/pkg/record"
	"go.uber.org/zap"
)

// LinePrefix starts every tag line written to the sink
const LinePrefix = "runhelper."

// Kind identifies how a tag's value is interpreted
type Kind int

const (
	KindGeneric Kind = iota
	KindInt
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	default:
		return "generic"
	}
}

// Tag is a snapshot of one named entry in the store
type Tag struct {
	Name         string
	Kind         Kind
	Value        any
	ExitReported bool
}

// Store holds tags and running timers.
// All methods are safe to call from the signal handling goroutine.
type Store struct {
	mu     sync.Mutex
	tags   map[string]*Tag
	order  []string
	timers map[string]time.Time

	sink   io.Writer
	logger *zap.Logger
	now    func() time.Time
	exit   func(code int)

	exitOnce sync.Once
	signals  chan os.Signal
	onSignal func()
}

// Option configures a Store
type Option func(*Store)

// WithSink sets the writer tag lines are written to
func WithSink(w io.Writer) Option {
	return func(s *Store) { s.sink = w }
}

// WithLogger sets the logger used for diagnostics
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock replaces the time source used by timers
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithExitFunc replaces the function that terminates the process after a signal
func WithExitFunc(exit func(code int)) Option {
	return func(s *Store) { s.exit = exit }
}

// NewStore creates an empty store
func NewStore(opts ...Option) *Store {
	s := &Store{
		tags:   make(map[string]*Tag),
		timers: make(map[string]time.Time),
		sink:   os.Stdout,
		logger: zap.NewNop(),
		now:    time.Now,
		exit:   os.Exit,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// ValidateName checks that a tag name can be written to and parsed back from a tag log
func ValidateName(name string) error {
	if name == "" || strings.ContainsAny(name, "=\r\n") {
		return sdkerrors.TagError(sdkerrors.ErrInvalidTagName, name)
	}
	return nil
}

// ValidateValue checks that value renders on a single tag line
func ValidateValue(name string, value any) error {
	if strings.ContainsAny(record.FormatValue(value), "\r\n") {
		return sdkerrors.TagError(sdkerrors.ErrInvalidTagValue, name)
	}
	return nil
}

// Create registers a generic tag with a nil value
func (s *Store) Create(name string, exitReportable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(name, KindGeneric, exitReportable)
}

// CreateInt registers an integer counter initialised to 0
func (s *Store) CreateInt(name string, exitReportable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(name, KindInt, exitReportable)
}

// CreateFloat registers a float accumulator initialised to 0.0
func (s *Store) CreateFloat(name string, exitReportable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(name, KindFloat, exitReportable)
}

func (s *Store) create(name string, kind Kind, exitReportable bool) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, exists := s.tags[name]; exists {
		return sdkerrors.TagError(sdkerrors.ErrDuplicateTag, name)
	}

	var value any
	switch kind {
	case KindInt:
		value = int64(0)
	case KindFloat:
		value = 0.0
	}

	s.tags[name] = &Tag{Name: name, Kind: kind, Value: value, ExitReported: exitReportable}
	s.order = append(s.order, name)
	return nil
}

// Set stores an arbitrary value in a generic tag, creating it if needed
func (s *Store) Set(name string, value any) error {
	if err := ValidateValue(name, value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, ok := s.tags[name]
	if !ok {
		if err := s.create(name, KindGeneric, true); err != nil {
			return err
		}
		tag = s.tags[name]
	}
	if tag.Kind != KindGeneric {
		return sdkerrors.TagError(sdkerrors.ErrTagKind, name)
	}
	tag.Value = value
	return nil
}

// Increment adds one to a counter tag
func (s *Store) Increment(name string) error {
	return s.IncrementBy(name, 1)
}

// IncrementBy adds delta to a counter tag, creating an integer counter if needed
func (s *Store) IncrementBy(name string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, err := s.numeric(name, KindInt)
	if err != nil {
		return err
	}
	switch v := tag.Value.(type) {
	case int64:
		tag.Value = v + delta
	case float64:
		tag.Value = v + float64(delta)
	}
	return nil
}

// Accumulate adds a fractional delta, creating a float accumulator if needed.
// An integer counter is promoted to a float accumulator.
func (s *Store) Accumulate(name string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, err := s.numeric(name, KindFloat)
	if err != nil {
		return err
	}
	s.addFloat(tag, delta)
	return nil
}

// TimerStart records the current time for name, creating a float accumulator if needed.
// A previous start that was never stopped is overwritten.
func (s *Store) TimerStart(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.numeric(name, KindFloat); err != nil {
		return err
	}
	s.timers[name] = s.now()
	return nil
}

// TimerStop adds the seconds elapsed since the matching TimerStart to the tag
func (s *Store) TimerStop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	started, ok := s.timers[name]
	if !ok {
		return sdkerrors.TagError(sdkerrors.ErrTimerNotStarted, name)
	}
	delete(s.timers, name)

	s.addFloat(s.tags[name], s.now().Sub(started).Seconds())
	return nil
}

// numeric returns the tag for name, auto-creating it with kind if absent
func (s *Store) numeric(name string, kind Kind) (*Tag, error) {
	tag, ok := s.tags[name]
	if !ok {
		if err := s.create(name, kind, true); err != nil {
			return nil, err
		}
		return s.tags[name], nil
	}
	if tag.Kind == KindGeneric {
		return nil, sdkerrors.TagError(sdkerrors.ErrTagKind, name)
	}
	return tag, nil
}

func (s *Store) addFloat(tag *Tag, delta float64) {
	switch v := tag.Value.(type) {
	case int64:
		tag.Kind = KindFloat
		tag.Value = float64(v) + delta
	case float64:
		tag.Value = v + delta
	}
}

// Get returns a snapshot of the named tag
func (s *Store) Get(name string) (Tag, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, ok := s.tags[name]
	if !ok {
		return Tag{}, false
	}
	return *tag, true
}

// Tags returns snapshots of all tags in creation order
func (s *Store) Tags() []Tag {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Tag, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, *s.tags[name])
	}
	return out
}

// Log writes value for name to the sink without touching the store
func (s *Store) Log(name string, value any) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ValidateValue(name, value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(name, value)
}

// LogTag writes the stored value of name to the sink
func (s *Store) LogTag(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, ok := s.tags[name]
	if !ok {
		return sdkerrors.TagError(sdkerrors.ErrUnknownTag, name)
	}
	return s.write(name, tag.Value)
}

func (s *Store) write(name string, value any) error {
	line := FormatLine(name, value)
	if _, err := io.WriteString(s.sink, line); err != nil {
		return fmt.Errorf("failed to write tag %s: %w", name, err)
	}
	if f, ok := s.sink.(interface{ Sync() error }); ok {
		_ = f.Sync()
	}
	return nil
}

// FormatLine renders one tag line including the trailing newline
func FormatLine(name string, value any) string {
	return LinePrefix + name + "=" + record.FormatValue(value) + "\n"
}

// ReportExitTags writes every exit-reportable tag in creation order.
// It may run more than once; each call reports again.
func (s *Store) ReportExitTags() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range s.order {
		tag := s.tags[name]
		if !tag.ExitReported {
			continue
		}
		if err := s.write(name, tag.Value); err != nil {
			s.logger.Error("Failed to report tag at exit", zap.String("tag", name), zap.Error(err))
		}
	}
}

// Shutdown reports exit tags on the normal exit path.
// Only the first call reports; later calls are no-ops.
func (s *Store) Shutdown() {
	s.exitOnce.Do(s.ReportExitTags)
}
