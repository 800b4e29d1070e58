// Package checkpoint persists immutable, versioned snapshots of workflow
// state with crash-safe atomic writes and retention enforcement.
//
// Layout on disk:
//
//	<storage_root>/<workflow_id>/<checkpoint_id>.checkpoint
//
// Every write goes to a temp file in the destination directory, is synced
// to durable storage, then renamed over the destination, so a reader (or
// a recovering process) never observes a partially written checkpoint.
package checkpoint

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/state"
)

const fileSuffix = ".checkpoint"

// Checkpoint is one immutable snapshot. Within a workflow, versions are
// strictly increasing and never reused, even after deletion.
type Checkpoint struct {
	ID         string               `json:"checkpoint_id"`
	WorkflowID string               `json:"workflow_id"`
	Version    int                  `json:"version"`
	State      *state.WorkflowState `json:"state"`
	CreatedAt  time.Time            `json:"created_at"`
	ExpiresAt  *time.Time           `json:"expires_at,omitempty"`
}

// Expired reports whether the checkpoint's TTL has elapsed.
func (c *Checkpoint) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// newCheckpointID embeds the version so the directory listing alone is
// enough to find the latest checkpoint or compute the next version,
// which keeps both correct after a crash. The ID stays opaque to callers.
func newCheckpointID(version int) string {
	return fmt.Sprintf("ckpt-%06d-%s", version, uuid.NewString()[:8])
}

// versionFromID recovers the version from a checkpoint ID.
func versionFromID(id string) (int, bool) {
	if !strings.HasPrefix(id, "ckpt-") {
		return 0, false
	}
	rest := strings.TrimPrefix(id, "ckpt-")
	i := strings.IndexByte(rest, '-')
	if i < 0 {
		return 0, false
	}
	v, err := strconv.Atoi(rest[:i])
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

func checkpointFileName(id string) string {
	return id + fileSuffix
}

func idFromFileName(name string) (string, bool) {
	if !strings.HasSuffix(name, fileSuffix) {
		return "", false
	}
	return strings.TrimSuffix(name, fileSuffix), true
}
