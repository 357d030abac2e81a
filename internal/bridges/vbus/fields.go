package vbus

import (
	"fmt"
	"slices"
	"strings"
)

// ValueKind classifies a configured controller value.
type ValueKind int

const (
	// ValueReadOnly values are polled but never written.
	ValueReadOnly ValueKind = iota

	// ValueWriteable values accept validated writes on <root>/<key>/set.
	ValueWriteable

	// ValueMisconfigured values are marked writeable but lack a complete
	// type descriptor. They are polled like read-only values and never
	// subscribed for writes.
	ValueMisconfigured
)

func (k ValueKind) String() string {
	switch k {
	case ValueReadOnly:
		return "read_only"
	case ValueWriteable:
		return "writeable"
	case ValueMisconfigured:
		return "misconfigured"
	default:
		return fmt.Sprintf("ValueKind(%d)", int(k))
	}
}

// ValueRange is the accepted physical range of a writeable value.
type ValueRange struct {
	Min float64
	Max float64
}

// Contains reports whether v lies within [Min, Max].
func (r ValueRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// ValueConfig describes one controller value reached by get/set requests.
// It is resolved once at load time and never changes afterwards.
type ValueConfig struct {
	// Key is the MQTT key (<root>/<key>).
	Key string

	// ID is the controller's value identifier.
	ID uint16

	// Kind is the resolved access variant.
	Kind ValueKind

	// Precision is the number of decimal places; raw values are divided by
	// 10^Precision. Zero when no type descriptor was configured.
	Precision int

	// Range is set only for ValueWriteable.
	Range *ValueRange

	// Save asks the controller to persist written values.
	Save bool

	// Problem explains why a value is ValueMisconfigured.
	Problem string
}

// CheckWrite validates an inbound physical value against the field.
func (v ValueConfig) CheckWrite(physical float64) error {
	switch v.Kind {
	case ValueWriteable:
	case ValueMisconfigured:
		return fmt.Errorf("%w: %s: %s", ErrMisconfiguredField, v.Key, v.Problem)
	default:
		return fmt.Errorf("%w: %s is read-only", ErrUnknownField, v.Key)
	}

	if !v.Range.Contains(physical) {
		return fmt.Errorf("%w: %s=%v outside [%v, %v]", ErrOutOfRange, v.Key, physical, v.Range.Min, v.Range.Max)
	}
	return nil
}

// MappingOp combines several decoded fields into one published value.
type MappingOp string

// Supported mapping operations. The empty op publishes a single field as is.
const (
	OpField      MappingOp = ""
	OpSum        MappingOp = "sum"
	OpDifference MappingOp = "difference"
	OpMin        MappingOp = "min"
	OpMax        MappingOp = "max"
	OpAverage    MappingOp = "average"
)

// Valid reports whether op is a known operation.
func (op MappingOp) Valid() bool {
	switch op {
	case OpField, OpSum, OpDifference, OpMin, OpMax, OpAverage:
		return true
	default:
		return false
	}
}

// HeaderMapping publishes a passively decoded field, or a function of
// several, under Key.
type HeaderMapping struct {
	Key       string
	Op        MappingOp
	FieldIDs  []string
	Precision *int
}

// apply evaluates the mapping against decoded fields. ok is false when any
// referenced field is absent.
func (m HeaderMapping) apply(fields map[string]PacketField) (value float64, precision int, ok bool) {
	values := make([]float64, 0, len(m.FieldIDs))
	for _, id := range m.FieldIDs {
		f, found := fields[id]
		if !found {
			return 0, 0, false
		}
		values = append(values, f.Value)
		precision = max(precision, f.Precision)
	}
	if len(values) == 0 {
		return 0, 0, false
	}
	if m.Precision != nil {
		precision = *m.Precision
	}

	switch m.Op {
	case OpSum:
		for _, v := range values {
			value += v
		}
	case OpDifference:
		value = values[0]
		for _, v := range values[1:] {
			value -= v
		}
	case OpMin:
		value = slices.Min(values)
	case OpMax:
		value = slices.Max(values)
	case OpAverage:
		for _, v := range values {
			value += v
		}
		value /= float64(len(values))
	default:
		value = values[0]
	}
	return value, precision, true
}

// Param is one published key with its formatted physical value.
type Param struct {
	Key   string
	Value string
}

// FieldMap is the resolved mapping between bus fields and MQTT keys.
type FieldMap struct {
	values []ValueConfig
	header []HeaderMapping
	byKey  map[string]int
}

// NewFieldMap builds a field map. Values and header mappings are kept
// sorted by key.
func NewFieldMap(values []ValueConfig, header []HeaderMapping) *FieldMap {
	values = slices.Clone(values)
	header = slices.Clone(header)
	slices.SortFunc(values, func(a, b ValueConfig) int { return strings.Compare(a.Key, b.Key) })
	slices.SortFunc(header, func(a, b HeaderMapping) int { return strings.Compare(a.Key, b.Key) })

	byKey := make(map[string]int, len(values))
	for i, v := range values {
		byKey[v.Key] = i
	}
	return &FieldMap{values: values, header: header, byKey: byKey}
}

// Values returns every configured controller value.
func (m *FieldMap) Values() []ValueConfig {
	return slices.Clone(m.values)
}

// Value looks up a controller value by key.
func (m *FieldMap) Value(key string) (ValueConfig, bool) {
	i, ok := m.byKey[key]
	if !ok {
		return ValueConfig{}, false
	}
	return m.values[i], true
}

// Header returns the passive header mappings.
func (m *FieldMap) Header() []HeaderMapping {
	return slices.Clone(m.header)
}

// ValuesOfKind returns the controller values of the given kind.
func (m *FieldMap) ValuesOfKind(kind ValueKind) []ValueConfig {
	var out []ValueConfig
	for _, v := range m.values {
		if v.Kind == kind {
			out = append(out, v)
		}
	}
	return out
}

// ResolveHeader maps decoded fields to published params ordered by key.
// Keys whose fields are not present in the snapshot are returned in missing.
func (m *FieldMap) ResolveHeader(fields []PacketField) (params []Param, missing []string) {
	byID := make(map[string]PacketField, len(fields))
	for _, f := range fields {
		byID[f.ID] = f
	}

	for _, hm := range m.header {
		value, precision, ok := hm.apply(byID)
		if !ok {
			missing = append(missing, hm.Key)
			continue
		}
		params = append(params, Param{Key: hm.Key, Value: FormatValue(value, precision)})
	}
	return params, missing
}
