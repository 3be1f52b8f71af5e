package buffer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alt-research/8004-solana-indexer/internal/handlers"
	"github.com/alt-research/8004-solana-indexer/internal/metrics"
)

const (
	// dlqCapacity bounds the in-memory dead-letter queue.
	dlqCapacity = 10000
	// dlqRetention evicts entries the operator did not collect in time.
	dlqRetention = 5 * time.Minute
	// dlqWarnUtilization is the fill percentage that triggers a warning.
	dlqWarnUtilization = 80.0
)

// DeadLetter is one event that failed all flush retries.
type DeadLetter struct {
	ID         uuid.UUID `json:"id"`
	EventType  string    `json:"event_type"`
	Payload    []byte    `json:"payload"`
	LastError  string    `json:"last_error"`
	InsertedAt time.Time `json:"inserted_at"`
}

// DeadLetterQueue holds dead letters with bounded capacity and timed
// eviction. Overflow drops the newest entry with an error log rather than
// growing without bound.
type DeadLetterQueue struct {
	mu      sync.Mutex
	entries []DeadLetter
	logger  *zap.Logger

	nowFn func() time.Time
}

// NewDeadLetterQueue builds an empty queue.
func NewDeadLetterQueue(logger *zap.Logger) *DeadLetterQueue {
	return &DeadLetterQueue{
		logger: logger.Named("dlq"),
		nowFn:  time.Now,
	}
}

// Add appends one dead-lettered event.
func (q *DeadLetterQueue) Add(entry Entry, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.evictLocked()

	if len(q.entries) >= dlqCapacity {
		q.logger.Error("dead-letter queue full, dropping event",
			zap.String("event", entry.Event.Type()),
			zap.String("signature", entry.Meta.Signature))
		return
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	q.entries = append(q.entries, DeadLetter{
		ID:         uuid.New(),
		EventType:  entry.Event.Type(),
		Payload:    handlers.Payload(entry.Event),
		LastError:  msg,
		InsertedAt: q.nowFn(),
	})
	metrics.DeadLettered.Inc()
	metrics.DLQSize.Set(float64(len(q.entries)))

	if util := q.utilizationLocked(); util >= dlqWarnUtilization {
		q.logger.Warn("dead-letter queue nearly full",
			zap.Float64("utilization_pct", util))
	}
}

// evictLocked drops entries older than the retention window.
func (q *DeadLetterQueue) evictLocked() {
	cutoff := q.nowFn().Add(-dlqRetention)
	keep := q.entries[:0]
	for _, e := range q.entries {
		if e.InsertedAt.After(cutoff) {
			keep = append(keep, e)
		}
	}
	q.entries = keep
	metrics.DLQSize.Set(float64(len(q.entries)))
}

func (q *DeadLetterQueue) utilizationLocked() float64 {
	return float64(len(q.entries)) / float64(dlqCapacity) * 100
}

// Size returns the current entry count after eviction.
func (q *DeadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictLocked()
	return len(q.entries)
}

// Utilization returns the fill percentage after eviction.
func (q *DeadLetterQueue) Utilization() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictLocked()
	return q.utilizationLocked()
}

// Snapshot copies the live entries for operator inspection.
func (q *DeadLetterQueue) Snapshot() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictLocked()
	out := make([]DeadLetter, len(q.entries))
	copy(out, q.entries)
	return out
}
