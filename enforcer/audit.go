package enforcer

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// AuditRecord is one enforcement decision, appended to every sink.
type AuditRecord struct {
	Timestamp     time.Time     `json:"timestamp"`
	AgentID       string        `json:"agent_id"`
	Tool          string        `json:"tool"`
	Path          string        `json:"path,omitempty"`
	Action        Action        `json:"action"`
	Allowed       bool          `json:"allowed"`
	ViolationType ViolationType `json:"violation_type,omitempty"`
	Message       string        `json:"message,omitempty"`
	Latency       time.Duration `json:"latency"`
}

// AuditSink receives enforcement decisions. Sinks must be fast; they run
// on the check path.
type AuditSink interface {
	Record(rec AuditRecord)
}

// ZapAuditSink writes audit records as structured log lines.
type ZapAuditSink struct {
	logger *zap.Logger
}

// NewZapAuditSink creates a sink logging at info for allowed decisions
// and warn for denials.
func NewZapAuditSink(logger *zap.Logger) *ZapAuditSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapAuditSink{logger: logger.With(zap.String("component", "enforcer_audit"))}
}

func (s *ZapAuditSink) Record(rec AuditRecord) {
	fields := []zap.Field{
		zap.String("agent_id", rec.AgentID),
		zap.String("tool", rec.Tool),
		zap.String("path", rec.Path),
		zap.String("action", string(rec.Action)),
		zap.Bool("allowed", rec.Allowed),
		zap.Duration("latency", rec.Latency),
	}
	if rec.Allowed {
		s.logger.Info("action allowed", fields...)
		return
	}
	fields = append(fields,
		zap.String("violation_type", string(rec.ViolationType)),
		zap.String("message", rec.Message),
	)
	s.logger.Warn("action denied", fields...)
}

// MemoryAuditSink keeps records in memory, newest last.
type MemoryAuditSink struct {
	mu      sync.Mutex
	records []AuditRecord
}

func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{}
}

func (s *MemoryAuditSink) Record(rec AuditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

// Records returns a copy of everything recorded so far.
func (s *MemoryAuditSink) Records() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, len(s.records))
	copy(out, s.records)
	return out
}
