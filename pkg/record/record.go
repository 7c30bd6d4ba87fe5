// Package record holds the ordered key/value result of one instance run.
// Keys keep first-insertion order so that table columns are discovered in
// the order a run reported them.
package record

import (
	"fmt"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Mandatory keys produced for every instance, in insertion order.
const (
	KeyInstance = "instance"
	KeyReal     = "real"
	KeyCPU      = "cpu"
	KeyRAM      = "ram"
	KeyTimeout  = "timeout"
	KeyMemout   = "memout"
	KeyStatus   = "status"
)

// Null is the textual marker for an absent value.
const Null = ""

// Record is an insertion-ordered map of column name to value.
// Values are nil, string, bool, int64 or float64.
type Record struct {
	m *orderedmap.OrderedMap[string, any]
}

// New creates an empty record
func New() *Record {
	return &Record{m: orderedmap.New[string, any]()}
}

// Set adds or overwrites a key. Overwriting keeps the key's original position.
func (r *Record) Set(key string, value any) {
	r.m.Set(key, value)
}

// Get returns the raw value for key
func (r *Record) Get(key string) (any, bool) {
	return r.m.Get(key)
}

// Text returns the value for key rendered as table text
func (r *Record) Text(key string) (string, bool) {
	v, ok := r.m.Get(key)
	if !ok {
		return Null, false
	}
	return FormatValue(v), true
}

// Delete removes key from the record
func (r *Record) Delete(key string) {
	r.m.Delete(key)
}

// Has reports whether key is present
func (r *Record) Has(key string) bool {
	_, ok := r.m.Get(key)
	return ok
}

// Len returns the number of keys
func (r *Record) Len() int {
	return r.m.Len()
}

// Keys returns the keys in insertion order
func (r *Record) Keys() []string {
	keys := make([]string, 0, r.m.Len())
	for pair := r.m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Clone returns a shallow copy that can be mutated independently
func (r *Record) Clone() *Record {
	c := New()
	for pair := r.m.Oldest(); pair != nil; pair = pair.Next() {
		c.m.Set(pair.Key, pair.Value)
	}
	return c
}

// InstanceID returns the instance key rendered as text
func (r *Record) InstanceID() string {
	id, _ := r.Text(KeyInstance)
	return id
}

// MarshalJSON encodes the record as a JSON object preserving key order
func (r *Record) MarshalJSON() ([]byte, error) {
	return r.m.MarshalJSON()
}

// FormatValue renders a record value in its canonical text form.
// nil renders as the Null marker.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return Null
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
