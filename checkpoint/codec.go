package checkpoint

import (
	"fmt"
	"time"

	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/state"
)

// encode flattens a checkpoint into a serializer envelope. The state's
// data map travels through the type-preserving codec, so timestamps,
// durations, and sets inside it survive the round trip.
func (m *Manager) encode(cp *Checkpoint) ([]byte, error) {
	stateMap := map[string]any{
		"workflow_id": cp.State.WorkflowID,
		"phase":       cp.State.Phase,
		"step":        cp.State.Step,
		"data":        cp.State.Data,
		"checksum":    cp.State.Checksum,
	}
	meta := map[string]any{}
	if cp.State.Metadata.SerializerVersion != "" {
		meta["serializer_version"] = cp.State.Metadata.SerializerVersion
	}
	if cp.State.Metadata.ExecutorVersion != "" {
		meta["executor_version"] = cp.State.Metadata.ExecutorVersion
	}
	if cp.State.Metadata.Compression != "" {
		meta["compression"] = cp.State.Metadata.Compression
	}
	if cp.State.Metadata.Custom != nil {
		meta["custom"] = cp.State.Metadata.Custom
	}
	if len(meta) > 0 {
		stateMap["metadata"] = meta
	}

	envelope := map[string]any{
		"checkpoint_id": cp.ID,
		"workflow_id":   cp.WorkflowID,
		"version":       cp.Version,
		"created_at":    cp.CreatedAt,
		"state":         stateMap,
	}
	if cp.ExpiresAt != nil {
		envelope["expires_at"] = *cp.ExpiresAt
	}
	return m.serializer.Serialize(envelope)
}

func (m *Manager) decode(raw []byte) (*Checkpoint, error) {
	decoded, err := m.serializer.Deserialize(raw)
	if err != nil {
		return nil, err
	}
	envelope, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("checkpoint file is not an object")
	}

	cp := &Checkpoint{}
	cp.ID, _ = envelope["checkpoint_id"].(string)
	cp.WorkflowID, _ = envelope["workflow_id"].(string)
	if v, ok := envelope["version"].(int64); ok {
		cp.Version = int(v)
	}
	if ts, ok := envelope["created_at"].(time.Time); ok {
		cp.CreatedAt = ts
	}
	if ts, ok := envelope["expires_at"].(time.Time); ok {
		cp.ExpiresAt = &ts
	}

	stateMap, ok := envelope["state"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("checkpoint %s has no state", cp.ID)
	}
	st := &state.WorkflowState{Data: map[string]any{}}
	st.WorkflowID, _ = stateMap["workflow_id"].(string)
	st.Phase, _ = stateMap["phase"].(string)
	if v, ok := stateMap["step"].(int64); ok {
		st.Step = int(v)
	}
	st.Checksum, _ = stateMap["checksum"].(string)
	if data, ok := stateMap["data"].(map[string]any); ok {
		st.Data = data
	}
	if meta, ok := stateMap["metadata"].(map[string]any); ok {
		st.Metadata.SerializerVersion, _ = meta["serializer_version"].(string)
		st.Metadata.ExecutorVersion, _ = meta["executor_version"].(string)
		st.Metadata.Compression, _ = meta["compression"].(string)
		if custom, ok := meta["custom"].(map[string]any); ok {
			st.Metadata.Custom = custom
		}
	}
	cp.State = st
	return cp, nil
}
