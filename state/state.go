package state

import "time"

// Metadata describes how a WorkflowState was produced and wrapped.
// It is deliberately excluded from checksum computation.
type Metadata struct {
	SerializerVersion string         `json:"serializer_version,omitempty"`
	ExecutorVersion   string         `json:"executor_version,omitempty"`
	Compression       string         `json:"compression,omitempty"`
	Custom            map[string]any `json:"custom,omitempty"`
}

// WorkflowState is a snapshot of a workflow's progress. Data is schemaless,
// but every value written into it must be representable by the serializer's
// value model (see Serializer).
type WorkflowState struct {
	WorkflowID string         `json:"workflow_id"`
	Phase      string         `json:"phase"`
	Step       int            `json:"step"`
	Data       map[string]any `json:"data"`
	Metadata   Metadata       `json:"metadata"`
	Checksum   string         `json:"checksum"`
}

// NewWorkflowState creates a state snapshot for the given workflow.
func NewWorkflowState(workflowID string) *WorkflowState {
	return &WorkflowState{
		WorkflowID: workflowID,
		Data:       make(map[string]any),
		Metadata: Metadata{
			SerializerVersion: SerializerVersion,
		},
	}
}

// Clone returns a deep copy of the state. The copy shares nothing with the
// original, so callers can mutate it freely.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Data = cloneMap(s.Data)
	if s.Metadata.Custom != nil {
		clone.Metadata.Custom = cloneMap(s.Metadata.Custom)
	}
	return &clone
}

// Set stores a value in the data map.
func (s *WorkflowState) Set(key string, value any) {
	if s.Data == nil {
		s.Data = make(map[string]any)
	}
	s.Data[key] = value
}

// Get reads a value from the data map.
func (s *WorkflowState) Get(key string) (any, bool) {
	v, ok := s.Data[key]
	return v, ok
}

// UpdatedAt is recorded in metadata custom fields by callers that care;
// the state itself carries no clock so two writes of the same logical data
// stay byte-identical.

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		out := make([]byte, len(t))
		copy(out, t)
		return out
	case Set:
		out := make(Set, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case time.Time, time.Duration, string, bool, nil,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return t
	default:
		return t
	}
}
