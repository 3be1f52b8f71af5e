package poller

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/alt-research/8004-solana-indexer/internal/ledger"
	"github.com/alt-research/8004-solana-indexer/internal/store"
)

// fakeClient serves a synthetic signature stream, newest-first, the way the
// node does.
type fakeClient struct {
	// newestFirst is the full stream, newest first.
	newestFirst []ledger.SignatureInfo
	// listErrs fails the first N ListSignatures calls.
	listErrs int
	// blockSigs maps slot to ordered block signatures.
	blockSigs map[uint64][]solana.Signature
	// blockErr fails every block fetch.
	blockErr bool

	listCalls  int
	blockCalls int
}

func sigN(n uint64) solana.Signature {
	var s solana.Signature
	binary.BigEndian.PutUint64(s[:8], n)
	return s
}

func (f *fakeClient) ListSignatures(_ context.Context, _ solana.PublicKey, before, until *solana.Signature, limit int) ([]ledger.SignatureInfo, error) {
	f.listCalls++
	if f.listErrs > 0 {
		f.listErrs--
		return nil, errors.New("node unavailable")
	}
	if limit <= 0 {
		limit = 1000
	}

	start := 0
	if before != nil {
		for i, si := range f.newestFirst {
			if si.Signature == *before {
				start = i + 1
				break
			}
		}
	}
	var out []ledger.SignatureInfo
	for i := start; i < len(f.newestFirst) && len(out) < limit; i++ {
		si := f.newestFirst[i]
		if until != nil && si.Signature == *until {
			break
		}
		out = append(out, si)
	}
	return out, nil
}

func (f *fakeClient) GetTransaction(_ context.Context, sig solana.Signature) (*ledger.Transaction, error) {
	return &ledger.Transaction{Signature: sig}, nil
}

func (f *fakeClient) GetTransactions(ctx context.Context, sigs []solana.Signature) (map[solana.Signature]*ledger.Transaction, error) {
	out := make(map[solana.Signature]*ledger.Transaction, len(sigs))
	for _, sig := range sigs {
		tx, _ := f.GetTransaction(ctx, sig)
		out[sig] = tx
	}
	return out, nil
}

func (f *fakeClient) GetBlockSignatures(_ context.Context, slot uint64) ([]solana.Signature, error) {
	f.blockCalls++
	if f.blockErr {
		return nil, errors.New("block unavailable")
	}
	return f.blockSigs[slot], nil
}

func (f *fakeClient) GetAccount(context.Context, solana.PublicKey, ledger.Commitment) (*ledger.Account, error) {
	return nil, nil
}

func (f *fakeClient) GetAccounts(_ context.Context, keys []solana.PublicKey, _ ledger.Commitment) ([]*ledger.Account, error) {
	return make([]*ledger.Account, len(keys)), nil
}

func (f *fakeClient) CurrentSlot(context.Context, ledger.Commitment) (uint64, error) {
	return 0, nil
}

func newTestPoller(client ledger.Client) *Poller {
	p, err := New(client, nil, nil, nil, nil, solana.PublicKey{}, nil, zap.NewNop())
	if err != nil {
		panic(err)
	}
	return p
}

// stream builds a newest-first stream of n signatures with descending slots.
func stream(n int) []ledger.SignatureInfo {
	out := make([]ledger.SignatureInfo, n)
	for i := 0; i < n; i++ {
		out[i] = ledger.SignatureInfo{
			Signature: sigN(uint64(n - i)),
			Slot:      uint64(n - i),
		}
	}
	return out
}

func TestCollectGapReturnsAscending(t *testing.T) {
	client := &fakeClient{newestFirst: stream(250)}
	p := newTestPoller(client)

	got, continuation, err := p.collectGap(context.Background(), nil, "")
	if err != nil {
		t.Fatalf("collectGap() error: %v", err)
	}
	if continuation != "" {
		t.Errorf("continuation = %q, want none", continuation)
	}
	if len(got) != 250 {
		t.Fatalf("collected %d signatures, want 250", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Slot <= got[i-1].Slot {
			t.Fatalf("not ascending at %d: %d after %d", i, got[i].Slot, got[i-1].Slot)
		}
	}
}

func TestCollectGapSkipsFailedTransactions(t *testing.T) {
	sigs := stream(10)
	sigs[3].Failed = true
	client := &fakeClient{newestFirst: sigs}
	p := newTestPoller(client)

	got, _, err := p.collectGap(context.Background(), nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 9 {
		t.Errorf("collected %d signatures, want 9", len(got))
	}
	for _, si := range got {
		if si.Failed {
			t.Error("failed signature leaked into collection")
		}
	}
}

func TestCollectGapMemoryGuardBoundary(t *testing.T) {
	// A gap of exactly the guard size must not checkpoint.
	client := &fakeClient{newestFirst: stream(maxGapSignatures)}
	p := newTestPoller(client)

	got, continuation, err := p.collectGap(context.Background(), nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if continuation != "" {
		t.Errorf("gap of exactly %d checkpointed, should not", maxGapSignatures)
	}
	if len(got) != maxGapSignatures {
		t.Errorf("collected %d, want %d", len(got), maxGapSignatures)
	}
}

func TestCollectGapMemoryGuardTriggers(t *testing.T) {
	client := &fakeClient{newestFirst: stream(maxGapSignatures + 500)}
	p := newTestPoller(client)

	got, continuation, err := p.collectGap(context.Background(), nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if continuation == "" {
		t.Fatal("oversized gap did not checkpoint a continuation")
	}
	if len(got) != maxGapSignatures {
		t.Fatalf("collected %d, want %d", len(got), maxGapSignatures)
	}

	// The continuation must be the oldest collected signature so the next
	// cycle resumes exactly below it.
	if got[0].Signature.String() != continuation {
		t.Error("continuation does not match the oldest collected signature")
	}

	// Second cycle: resume from the continuation with the original stop.
	resume, err := solana.SignatureFromBase58(continuation)
	if err != nil {
		t.Fatal(err)
	}
	rest, continuation2, err := p.collectGap(context.Background(), &resume, "")
	if err != nil {
		t.Fatal(err)
	}
	if continuation2 != "" {
		t.Errorf("second cycle checkpointed again: %q", continuation2)
	}
	if len(rest) != 500 {
		t.Errorf("second cycle collected %d, want 500", len(rest))
	}
	if len(rest) > 0 && rest[len(rest)-1].Slot >= got[0].Slot {
		t.Error("second cycle crossed into the first cycle's range")
	}
}

func TestResolveTxIndexesSingleTxSlotSkipsBlockFetch(t *testing.T) {
	client := &fakeClient{}
	p := newTestPoller(client)

	sigs := []ledger.SignatureInfo{{Signature: sigN(1), Slot: 42}}
	out := p.resolveTxIndexes(context.Background(), sigs)

	if client.blockCalls != 0 {
		t.Errorf("block fetched %d times for single-tx slot, want 0", client.blockCalls)
	}
	if len(out) != 1 || out[0].TxIndex == nil || *out[0].TxIndex != 0 {
		t.Fatalf("single-tx slot tx_index = %v, want 0", out[0].TxIndex)
	}
}

func TestResolveTxIndexesMultiTxSlot(t *testing.T) {
	a, b := sigN(1), sigN(2)
	client := &fakeClient{
		blockSigs: map[uint64][]solana.Signature{42: {b, a}},
	}
	p := newTestPoller(client)

	sigs := []ledger.SignatureInfo{
		{Signature: a, Slot: 42},
		{Signature: b, Slot: 42},
	}
	out := p.resolveTxIndexes(context.Background(), sigs)

	if client.blockCalls != 1 {
		t.Errorf("block fetched %d times, want 1", client.blockCalls)
	}
	if len(out) != 2 {
		t.Fatalf("got %d results", len(out))
	}
	// b is at block position 0, a at 1; canonical order follows tx_index.
	if out[0].Info.Signature != b || out[1].Info.Signature != a {
		t.Error("canonical order does not follow block position")
	}
	if *out[0].TxIndex != 0 || *out[1].TxIndex != 1 {
		t.Errorf("tx indexes = %d, %d; want 0, 1", *out[0].TxIndex, *out[1].TxIndex)
	}
}

func TestResolveTxIndexesBlockFailureYieldsNull(t *testing.T) {
	client := &fakeClient{blockErr: true}
	p := newTestPoller(client)

	sigs := []ledger.SignatureInfo{
		{Signature: sigN(1), Slot: 42},
		{Signature: sigN(2), Slot: 42},
	}
	out := p.resolveTxIndexes(context.Background(), sigs)
	for _, os := range out {
		if os.TxIndex != nil {
			t.Errorf("tx_index = %d after block failure, want NULL", *os.TxIndex)
		}
	}
}

func TestSortCanonicalNullsLast(t *testing.T) {
	zero, one := int32(0), int32(1)
	in := []orderedSig{
		{Info: ledger.SignatureInfo{Signature: sigN(3), Slot: 10}, TxIndex: nil},
		{Info: ledger.SignatureInfo{Signature: sigN(1), Slot: 10}, TxIndex: &one},
		{Info: ledger.SignatureInfo{Signature: sigN(2), Slot: 10}, TxIndex: &zero},
		{Info: ledger.SignatureInfo{Signature: sigN(9), Slot: 9}, TxIndex: nil},
	}
	sortCanonical(in)

	if in[0].Info.Slot != 9 {
		t.Error("lower slot must sort first")
	}
	if *in[1].TxIndex != 0 || *in[2].TxIndex != 1 {
		t.Error("tx_index must sort ascending inside a slot")
	}
	if in[3].TxIndex != nil {
		t.Error("NULL tx_index must sort last inside a slot")
	}
}

func TestSortCanonicalZeroIsNotMissing(t *testing.T) {
	zero := int32(0)
	in := []orderedSig{
		{Info: ledger.SignatureInfo{Signature: sigN(1), Slot: 5}, TxIndex: nil},
		{Info: ledger.SignatureInfo{Signature: sigN(2), Slot: 5}, TxIndex: &zero},
	}
	sortCanonical(in)
	if in[0].TxIndex == nil {
		t.Fatal("tx_index 0 was treated as missing and sorted after NULL")
	}
	if *in[0].TxIndex != 0 {
		t.Fatalf("first tx_index = %d, want 0", *in[0].TxIndex)
	}
}

// tailRecorder stubs the poller's persistence seams so tail runs without a
// database, recording every checkpoint write and processed window.
type tailRecorder struct {
	saved   [][2]string // continuation, stop
	windows [][]ledger.SignatureInfo
}

func (r *tailRecorder) install(p *Poller) {
	p.saveContinuation = func(_ context.Context, continuation, stop string) error {
		r.saved = append(r.saved, [2]string{continuation, stop})
		return nil
	}
	p.process = func(_ context.Context, sigs []ledger.SignatureInfo, _ bool) error {
		r.windows = append(r.windows, sigs)
		return nil
	}
}

func TestTailResumesContinuationWithoutRestart(t *testing.T) {
	// Gap of maxGapSignatures+500 above the cursor: the first tick must
	// checkpoint, the second tick of the same process must collect the
	// remainder from the in-memory checkpoint.
	client := &fakeClient{newestFirst: stream(maxGapSignatures + 501)}
	p := newTestPoller(client)
	rec := &tailRecorder{}
	rec.install(p)
	p.cursor = &store.Cursor{LastSignature: sigN(1).String(), LastSlot: 1}

	if err := p.tail(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(rec.saved) != 1 || rec.saved[0][0] == "" {
		t.Fatalf("first tick checkpoint writes = %v, want one continuation", rec.saved)
	}
	if rec.saved[0][1] != sigN(1).String() {
		t.Errorf("checkpoint stop = %q, want the original cursor signature", rec.saved[0][1])
	}
	if p.cursor.PendingContinuation != rec.saved[0][0] {
		t.Fatal("continuation persisted but not mirrored into the in-memory cursor")
	}
	if len(rec.windows) != 1 || len(rec.windows[0]) != maxGapSignatures {
		t.Fatalf("first tick processed %d windows", len(rec.windows))
	}

	if err := p.tail(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(rec.windows) != 2 {
		t.Fatalf("second tick processed %d windows, want a remainder window", len(rec.windows)-1)
	}
	if got := len(rec.windows[1]); got != 500 {
		t.Errorf("remainder window = %d signatures, want 500", got)
	}
	first, second := rec.windows[0], rec.windows[1]
	if second[len(second)-1].Slot >= first[0].Slot {
		t.Error("remainder window overlaps the first window")
	}
	if last := rec.saved[len(rec.saved)-1]; last[0] != "" || last[1] != "" {
		t.Errorf("checkpoint not cleared after the remainder processed: %v", last)
	}
	if p.cursor.PendingContinuation != "" {
		t.Error("in-memory checkpoint not cleared after the remainder processed")
	}
}

func TestTailKeepsCheckpointUntilWindowProcessed(t *testing.T) {
	client := &fakeClient{newestFirst: stream(maxGapSignatures + 501)}
	p := newTestPoller(client)
	rec := &tailRecorder{}
	rec.install(p)
	p.cursor = &store.Cursor{LastSignature: sigN(1).String(), LastSlot: 1}

	if err := p.tail(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The resume tick fails mid-window: the checkpoint must survive so the
	// remainder is retried rather than skipped.
	p.process = func(context.Context, []ledger.SignatureInfo, bool) error {
		return errors.New("db unavailable")
	}
	if err := p.tail(context.Background()); err == nil {
		t.Fatal("resume tick should surface the processing error")
	}
	if len(rec.saved) != 1 {
		t.Fatalf("checkpoint writes = %v, the clear must not precede processing", rec.saved)
	}
	if p.cursor.PendingContinuation == "" {
		t.Fatal("checkpoint dropped before its window was processed")
	}

	// Once processing succeeds the checkpoint clears.
	rec.install(p)
	if err := p.tail(context.Background()); err != nil {
		t.Fatal(err)
	}
	if last := rec.saved[len(rec.saved)-1]; last[0] != "" || last[1] != "" {
		t.Errorf("checkpoint not cleared after successful resume: %v", last)
	}
	if p.cursor.PendingContinuation != "" {
		t.Error("in-memory checkpoint not cleared after successful resume")
	}
}

func TestScanCheckpointsAbortsAfterConsecutiveFailures(t *testing.T) {
	defer func(d time.Duration) { scanBackoffBase = d }(scanBackoffBase)
	scanBackoffBase = time.Millisecond

	client := &fakeClient{newestFirst: stream(10), listErrs: scanMaxFailures}
	p := newTestPoller(client)

	if _, err := p.scanCheckpoints(context.Background()); err == nil {
		t.Fatal("scan should abort after consecutive failures")
	}
}

func TestScanCheckpointsRecoversFromTransientFailures(t *testing.T) {
	defer func(d time.Duration) { scanBackoffBase = d }(scanBackoffBase)
	scanBackoffBase = time.Millisecond

	client := &fakeClient{newestFirst: stream(10), listErrs: scanMaxFailures - 1}
	p := newTestPoller(client)

	cps, err := p.scanCheckpoints(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(cps) != 1 {
		t.Errorf("checkpoints = %d, want 1", len(cps))
	}
}
