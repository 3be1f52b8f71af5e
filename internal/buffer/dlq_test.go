package buffer

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/alt-research/8004-solana-indexer/internal/events"
	"github.com/alt-research/8004-solana-indexer/internal/handlers"
)

func testEntry(sig string) Entry {
	return Entry{
		Meta:  handlers.TxMeta{Signature: sig, Slot: 100},
		Event: events.AtomEnabled{Asset: solana.PublicKey{}},
	}
}

func TestDLQAddAndSize(t *testing.T) {
	q := NewDeadLetterQueue(zap.NewNop())
	q.Add(testEntry("sig1"), errors.New("boom"))
	q.Add(testEntry("sig2"), nil)

	if got := q.Size(); got != 2 {
		t.Errorf("Size() = %d, want 2", got)
	}
	snap := q.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() len = %d, want 2", len(snap))
	}
	if snap[0].EventType != "AtomEnabled" {
		t.Errorf("EventType = %q", snap[0].EventType)
	}
	if snap[0].LastError != "boom" {
		t.Errorf("LastError = %q", snap[0].LastError)
	}
}

func TestDLQEvictsOldEntries(t *testing.T) {
	q := NewDeadLetterQueue(zap.NewNop())
	now := time.Now()
	q.nowFn = func() time.Time { return now }

	q.Add(testEntry("old"), nil)

	// Advance past the retention window; the next observation evicts.
	q.nowFn = func() time.Time { return now.Add(dlqRetention + time.Second) }
	if got := q.Size(); got != 0 {
		t.Errorf("Size() after retention = %d, want 0", got)
	}
}

func TestDLQOverflowDrops(t *testing.T) {
	q := NewDeadLetterQueue(zap.NewNop())
	for i := 0; i < dlqCapacity; i++ {
		q.Add(testEntry(fmt.Sprintf("sig%d", i)), nil)
	}
	if got := q.Size(); got != dlqCapacity {
		t.Fatalf("Size() = %d, want %d", got, dlqCapacity)
	}

	// One more must be dropped, not queued.
	q.Add(testEntry("overflow"), nil)
	if got := q.Size(); got != dlqCapacity {
		t.Errorf("Size() after overflow = %d, want %d", got, dlqCapacity)
	}
}

func TestDLQUtilization(t *testing.T) {
	q := NewDeadLetterQueue(zap.NewNop())
	for i := 0; i < dlqCapacity/2; i++ {
		q.Add(testEntry(fmt.Sprintf("sig%d", i)), nil)
	}
	if got := q.Utilization(); got != 50.0 {
		t.Errorf("Utilization() = %v, want 50", got)
	}
}
