package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"
)

// SerializerVersion identifies the wire format produced by this package.
const SerializerVersion = "1.0"

// typeKey is the reserved map key carrying a wire-format tag. User data maps
// must not contain it.
const typeKey = "$type"

// Wire-format tags. This is a closed set: every tag has an explicit encode
// and decode function, no reflection-based dispatch.
const (
	tagTimestamp = "timestamp"
	tagDuration  = "duration"
	tagSet       = "set"
	tagBytes     = "bytes"
	tagEnum      = "enum"
	tagRecord    = "record"
)

// Set is an unordered collection. It is encoded with elements sorted by
// their serialized form, so two sets with the same members always produce
// identical bytes.
type Set []any

// Enum is a tagged enumerated value, e.g. Enum{Name: "phase", Value: "running"}.
type Enum struct {
	Name  string
	Value string
}

// SerializationError reports a value the serializer cannot represent.
type SerializationError struct {
	Msg string
	Err error
}

func (e *SerializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("serialization failed: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("serialization failed: %s", e.Msg)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// DeserializationError reports malformed or unrecognized input.
type DeserializationError struct {
	Msg string
	Err error
}

func (e *DeserializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deserialization failed: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("deserialization failed: %s", e.Msg)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// Registry maps record tags to Go struct types so deserialization can
// reconstruct the original shape. Without a registered type, a record
// decodes to an annotated generic map (see UnresolvedRecordKey).
type Registry struct {
	byTag  map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewRegistry creates an empty type registry.
func NewRegistry() *Registry {
	return &Registry{
		byTag:  make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// Register associates a record tag with the type of prototype, which must be
// a struct or pointer to struct.
func (r *Registry) Register(tag string, prototype any) error {
	t := reflect.TypeOf(prototype)
	if t == nil {
		return fmt.Errorf("register %q: nil prototype", tag)
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("register %q: prototype must be a struct, got %s", tag, t.Kind())
	}
	r.byTag[tag] = t
	r.byType[t] = tag
	return nil
}

// UnresolvedRecordKey annotates a generic map produced when a record tag has
// no registered type.
const UnresolvedRecordKey = "$unresolved_record"

// Serializer converts values to and from the deterministic wire format and
// computes checksums over serialized bytes.
type Serializer struct {
	registry *Registry
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithRegistry supplies a type registry for record round-tripping.
func WithRegistry(r *Registry) Option {
	return func(s *Serializer) { s.registry = r }
}

// NewSerializer creates a serializer. Without a registry, records decode to
// annotated generic maps.
func NewSerializer(opts ...Option) *Serializer {
	s := &Serializer{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serialize encodes a value into deterministic JSON bytes.
func (s *Serializer) Serialize(v any) ([]byte, error) {
	wire, err := s.encode(v)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, &SerializationError{Msg: "marshal", Err: err}
	}
	return data, nil
}

// Deserialize decodes bytes produced by Serialize back into a value.
// Integers come back as int64, floating point as float64.
func (s *Serializer) Deserialize(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, &DeserializationError{Msg: "unmarshal", Err: err}
	}
	return s.decode(raw)
}

// Checksum returns the SHA-256 hex digest of the given bytes.
func (s *Serializer) Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChecksumData serializes a data map and returns its checksum. This is the
// canonical checksum for WorkflowState.Data: metadata never participates.
func (s *Serializer) ChecksumData(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := s.Serialize(data)
	if err != nil {
		return "", err
	}
	return s.Checksum(raw), nil
}

// StampChecksum recomputes and stores the checksum of st.Data.
func (s *Serializer) StampChecksum(st *WorkflowState) error {
	sum, err := s.ChecksumData(st.Data)
	if err != nil {
		return err
	}
	st.Checksum = sum
	return nil
}

// VerifyChecksum reports whether st.Checksum matches the current content of
// st.Data. An empty stored checksum never verifies.
func (s *Serializer) VerifyChecksum(st *WorkflowState) (bool, error) {
	if st.Checksum == "" {
		return false, nil
	}
	sum, err := s.ChecksumData(st.Data)
	if err != nil {
		return false, err
	}
	return sum == st.Checksum, nil
}

// encode converts a value into a plain JSON-marshalable tree. Maps keep
// string keys only; special types become tagged wrappers.
func (s *Serializer) encode(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return t, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return uintToInt64(uint64(t))
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return uintToInt64(t)
	case float32:
		return float64(t), nil
	case float64:
		return t, nil
	case json.Number:
		return normalizeNumber(t)
	case time.Time:
		return map[string]any{typeKey: tagTimestamp, "value": t.UTC().Format(time.RFC3339Nano)}, nil
	case time.Duration:
		return map[string]any{typeKey: tagDuration, "value": t.String()}, nil
	case []byte:
		return map[string]any{typeKey: tagBytes, "value": base64.StdEncoding.EncodeToString(t)}, nil
	case Enum:
		return map[string]any{typeKey: tagEnum, "name": t.Name, "value": t.Value}, nil
	case Set:
		return s.encodeSet(t)
	case map[string]any:
		return s.encodeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			enc, err := s.encode(e)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	}
	return s.encodeReflect(v)
}

func (s *Serializer) encodeMap(m map[string]any) (any, error) {
	if _, ok := m[typeKey]; ok {
		return nil, &SerializationError{Msg: fmt.Sprintf("map contains reserved key %q", typeKey)}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		enc, err := s.encode(v)
		if err != nil {
			return nil, &SerializationError{Msg: fmt.Sprintf("key %q", k), Err: err}
		}
		out[k] = enc
	}
	return out, nil
}

func (s *Serializer) encodeSet(set Set) (any, error) {
	elems := make([]any, 0, len(set))
	keys := make([]string, 0, len(set))
	byKey := make(map[string]any, len(set))
	for _, e := range set {
		enc, err := s.encode(e)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(enc)
		if err != nil {
			return nil, &SerializationError{Msg: "set element", Err: err}
		}
		k := string(raw)
		if _, dup := byKey[k]; dup {
			continue
		}
		byKey[k] = enc
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		elems = append(elems, byKey[k])
	}
	return map[string]any{typeKey: tagSet, "value": elems}, nil
}

// encodeReflect handles registered record types and arbitrary slices.
// Everything else is unsupported.
func (s *Serializer) encodeReflect(v any) (any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		return s.encode(rv.Elem().Interface())
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			enc, err := s.encode(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case reflect.Struct:
		if s.registry != nil {
			if tag, ok := s.registry.byType[rv.Type()]; ok {
				return s.encodeRecord(tag, v)
			}
		}
		return nil, &SerializationError{Msg: fmt.Sprintf("unregistered struct type %T", v)}
	}
	return nil, &SerializationError{Msg: fmt.Sprintf("unsupported type %T", v)}
}

// encodeRecord uses the record's standard JSON representation for its
// fields; the registered target type drives reconstruction on decode.
func (s *Serializer) encodeRecord(tag string, v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Msg: fmt.Sprintf("record %q", tag), Err: err}
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &SerializationError{Msg: fmt.Sprintf("record %q", tag), Err: err}
	}
	return map[string]any{typeKey: tagRecord, "record": tag, "fields": fields}, nil
}

func (s *Serializer) decode(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string:
		return t, nil
	case json.Number:
		return normalizeNumber(t)
	case float64:
		return t, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			dec, err := s.decode(e)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	case map[string]any:
		if tag, ok := t[typeKey]; ok {
			return s.decodeTagged(tag, t)
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			dec, err := s.decode(e)
			if err != nil {
				return nil, &DeserializationError{Msg: fmt.Sprintf("key %q", k), Err: err}
			}
			out[k] = dec
		}
		return out, nil
	}
	return nil, &DeserializationError{Msg: fmt.Sprintf("unexpected wire type %T", v)}
}

func (s *Serializer) decodeTagged(tag any, m map[string]any) (any, error) {
	name, ok := tag.(string)
	if !ok {
		return nil, &DeserializationError{Msg: fmt.Sprintf("non-string %s tag", typeKey)}
	}
	switch name {
	case tagTimestamp:
		str, err := stringField(m, "value")
		if err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return nil, &DeserializationError{Msg: "timestamp", Err: err}
		}
		return ts, nil
	case tagDuration:
		str, err := stringField(m, "value")
		if err != nil {
			return nil, err
		}
		d, err := time.ParseDuration(str)
		if err != nil {
			return nil, &DeserializationError{Msg: "duration", Err: err}
		}
		return d, nil
	case tagBytes:
		str, err := stringField(m, "value")
		if err != nil {
			return nil, err
		}
		b, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			return nil, &DeserializationError{Msg: "bytes", Err: err}
		}
		return b, nil
	case tagEnum:
		enumName, err := stringField(m, "name")
		if err != nil {
			return nil, err
		}
		value, err := stringField(m, "value")
		if err != nil {
			return nil, err
		}
		return Enum{Name: enumName, Value: value}, nil
	case tagSet:
		elems, ok := m["value"].([]any)
		if !ok {
			return nil, &DeserializationError{Msg: "set value must be a list"}
		}
		out := make(Set, len(elems))
		for i, e := range elems {
			dec, err := s.decode(e)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	case tagRecord:
		return s.decodeRecord(m)
	}
	return nil, &DeserializationError{Msg: fmt.Sprintf("unknown wire tag %q", name)}
}

func (s *Serializer) decodeRecord(m map[string]any) (any, error) {
	tag, err := stringField(m, "record")
	if err != nil {
		return nil, err
	}
	fields, ok := m["fields"].(map[string]any)
	if !ok {
		return nil, &DeserializationError{Msg: fmt.Sprintf("record %q has no fields", tag)}
	}
	if s.registry != nil {
		if typ, found := s.registry.byTag[tag]; found {
			raw, err := json.Marshal(fields)
			if err != nil {
				return nil, &DeserializationError{Msg: fmt.Sprintf("record %q", tag), Err: err}
			}
			target := reflect.New(typ)
			if err := json.Unmarshal(raw, target.Interface()); err != nil {
				return nil, &DeserializationError{Msg: fmt.Sprintf("record %q", tag), Err: err}
			}
			return target.Elem().Interface(), nil
		}
	}
	// No registered type: annotated generic map, nothing dropped.
	generic, err := s.decode(fields)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		UnresolvedRecordKey: tag,
		"fields":            generic,
	}, nil
}

func stringField(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", &DeserializationError{Msg: fmt.Sprintf("missing %q field", key)}
	}
	str, ok := v.(string)
	if !ok {
		return "", &DeserializationError{Msg: fmt.Sprintf("%q field must be a string", key)}
	}
	return str, nil
}

func uintToInt64(u uint64) (int64, error) {
	if u > math.MaxInt64 {
		return 0, &SerializationError{Msg: fmt.Sprintf("unsigned value %d overflows int64", u)}
	}
	return int64(u), nil
}

func normalizeNumber(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, &DeserializationError{Msg: fmt.Sprintf("bad number %q", n), Err: err}
	}
	return f, nil
}
