package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deployRecord struct {
	Service  string `json:"service"`
	Replicas int    `json:"replicas"`
	Canary   bool   `json:"canary"`
}

// ---------------------------------------------------------------------------
// Round-trip
// ---------------------------------------------------------------------------

func TestSerializer_RoundTrip(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("deploy", deployRecord{}))
	s := NewSerializer(WithRegistry(reg))

	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"string", "hello", "hello"},
		{"bool", true, true},
		{"int", 42, int64(42)},
		{"negative int", -7, int64(-7)},
		{"float", 3.5, 3.5},
		{"timestamp", ts, ts},
		{"duration", 90 * time.Second, 90 * time.Second},
		{"bytes", []byte{0x00, 0xff, 0x10}, []byte{0x00, 0xff, 0x10}},
		{"enum", Enum{Name: "phase", Value: "running"}, Enum{Name: "phase", Value: "running"}},
		{
			name: "nested map",
			in:   map[string]any{"a": map[string]any{"b": []any{1, "two", nil}}},
			want: map[string]any{"a": map[string]any{"b": []any{int64(1), "two", nil}}},
		},
		{
			name: "record",
			in:   deployRecord{Service: "api", Replicas: 3, Canary: true},
			want: deployRecord{Service: "api", Replicas: 3, Canary: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := s.Serialize(tt.in)
			require.NoError(t, err)

			got, err := s.Deserialize(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSerializer_SetRoundTrip(t *testing.T) {
	s := NewSerializer()

	raw, err := s.Serialize(Set{"b", "a", "c"})
	require.NoError(t, err)

	got, err := s.Deserialize(raw)
	require.NoError(t, err)

	set, ok := got.(Set)
	require.True(t, ok)
	assert.ElementsMatch(t, Set{"a", "b", "c"}, set)

	// Element order must not affect the encoded bytes.
	raw2, err := s.Serialize(Set{"c", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, raw, raw2)
}

func TestSerializer_UnregisteredRecord(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("deploy", deployRecord{}))
	writer := NewSerializer(WithRegistry(reg))
	reader := NewSerializer() // no registry

	raw, err := writer.Serialize(deployRecord{Service: "api", Replicas: 2})
	require.NoError(t, err)

	got, err := reader.Deserialize(raw)
	require.NoError(t, err)

	m, ok := got.(map[string]any)
	require.True(t, ok, "unregistered record should decode to a map")
	assert.Equal(t, "deploy", m[UnresolvedRecordKey])
	fields := m["fields"].(map[string]any)
	assert.Equal(t, "api", fields["service"])
	assert.Equal(t, int64(2), fields["replicas"])
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func TestSerializer_UnsupportedType(t *testing.T) {
	s := NewSerializer()

	_, err := s.Serialize(map[string]any{"fn": func() {}})
	require.Error(t, err)
	var serr *SerializationError
	assert.ErrorAs(t, err, &serr)
}

func TestSerializer_ReservedKey(t *testing.T) {
	s := NewSerializer()

	_, err := s.Serialize(map[string]any{"$type": "sneaky"})
	require.Error(t, err)
	var serr *SerializationError
	assert.ErrorAs(t, err, &serr)
}

func TestSerializer_MalformedInput(t *testing.T) {
	s := NewSerializer()

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "{nope"},
		{"unknown tag", `{"$type":"wormhole","value":1}`},
		{"bad timestamp", `{"$type":"timestamp","value":"yesterday"}`},
		{"bad duration", `{"$type":"duration","value":"fast"}`},
		{"bad base64", `{"$type":"bytes","value":"!!"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Deserialize([]byte(tt.raw))
			require.Error(t, err)
			var derr *DeserializationError
			assert.ErrorAs(t, err, &derr)
		})
	}
}

// ---------------------------------------------------------------------------
// Checksums
// ---------------------------------------------------------------------------

func TestSerializer_ChecksumStable(t *testing.T) {
	s := NewSerializer()

	// Two maps built in different insertion orders with the same content.
	a := map[string]any{}
	a["x"] = 1
	a["y"] = []any{true, "z"}
	b := map[string]any{}
	b["y"] = []any{true, "z"}
	b["x"] = 1

	sumA, err := s.ChecksumData(a)
	require.NoError(t, err)
	sumB, err := s.ChecksumData(b)
	require.NoError(t, err)
	assert.Equal(t, sumA, sumB)
	assert.Len(t, sumA, 64)
}

func TestSerializer_StampAndVerifyChecksum(t *testing.T) {
	s := NewSerializer()
	st := NewWorkflowState("wf-1")
	st.Set("step", 1)

	require.NoError(t, s.StampChecksum(st))
	ok, err := s.VerifyChecksum(st)
	require.NoError(t, err)
	assert.True(t, ok)

	// Metadata changes must not affect the checksum.
	st.Metadata.Custom = map[string]any{"note": "rewrapped"}
	ok, err = s.VerifyChecksum(st)
	require.NoError(t, err)
	assert.True(t, ok)

	// Data changes must.
	st.Set("step", 2)
	ok, err = s.VerifyChecksum(st)
	require.NoError(t, err)
	assert.False(t, ok)
}
