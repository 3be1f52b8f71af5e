// Package verifier reconciles optimistic PENDING rows against the ledger's
// finalized state. It is the single owner of the status and verified_at
// columns: existence-backed rows flip to FINALIZED or ORPHANED, hash-chain
// rows flip only when the stored running digest is provably the on-chain
// one.
package verifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alt-research/8004-solana-indexer/internal/config"
	"github.com/alt-research/8004-solana-indexer/internal/handlers"
	"github.com/alt-research/8004-solana-indexer/internal/ledger"
	"github.com/alt-research/8004-solana-indexer/internal/metrics"
	"github.com/alt-research/8004-solana-indexer/internal/pda"
	"github.com/alt-research/8004-solana-indexer/internal/store"
)

// retryBackoffBase is a var so tests can shrink the fallback delays.
var retryBackoffBase = time.Second

// Verifier runs the periodic reconciliation cycle.
type Verifier struct {
	client  ledger.Client
	st      *store.Store
	deriver *pda.Deriver
	cfg     *config.Config
	logger  *zap.Logger

	inCycle atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	cycleCount atomic.Uint64
	lastErr    atomic.Pointer[string]
}

// New builds a verifier bound to the program's PDA deriver.
func New(client ledger.Client, st *store.Store, deriver *pda.Deriver, cfg *config.Config, logger *zap.Logger) *Verifier {
	return &Verifier{
		client:  client,
		st:      st,
		deriver: deriver,
		cfg:     cfg,
		logger:  logger.Named("verifier"),
		done:    make(chan struct{}),
	}
}

// Start launches the verification loop.
func (v *Verifier) Start(ctx context.Context) {
	ctx, v.cancel = context.WithCancel(ctx)
	go v.loop(ctx)
	v.logger.Info("verifier started",
		zap.Duration("interval", v.cfg.VerifyInterval()),
		zap.Int("safety_margin_slots", v.cfg.Verify.SafetyMarginSlots))
}

func (v *Verifier) loop(ctx context.Context) {
	defer close(v.done)

	ticker := time.NewTicker(v.cfg.VerifyInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := v.RunCycle(ctx); err != nil && ctx.Err() == nil {
				msg := err.Error()
				v.lastErr.Store(&msg)
				v.logger.Error("verification cycle failed", zap.Error(err))
			}
		}
	}
}

// RunCycle executes one full reconciliation pass. An in-flight cycle
// suppresses the next instead of stacking.
func (v *Verifier) RunCycle(ctx context.Context) error {
	if !v.inCycle.CompareAndSwap(false, true) {
		v.logger.Debug("previous verification cycle still running, skipping")
		return nil
	}
	defer v.inCycle.Store(false)

	head, err := v.client.CurrentSlot(ctx, ledger.CommitmentFinalized)
	if err != nil {
		return fmt.Errorf("finalized head: %w", err)
	}
	margin := uint64(v.cfg.Verify.SafetyMarginSlots)
	var cutoff uint64
	if head > margin {
		cutoff = head - margin
	}

	cache := newDigestCache()

	// Agents first: their probes seed the digest cache and decide the
	// orphan cascades the chain passes depend on.
	if err := v.verifyAgents(ctx, cutoff, cache); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return v.verifyValidations(gctx, cutoff) })
	g.Go(func() error { return v.verifyMetadata(gctx, cutoff) })
	g.Go(func() error { return v.verifyRegistries(gctx, cutoff) })
	for _, spec := range chainSpecs {
		spec := spec
		g.Go(func() error { return v.verifyChain(gctx, spec, cutoff, cache) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	v.cycleCount.Add(1)
	metrics.VerifierCycles.Inc()
	v.lastErr.Store(nil)
	v.logger.Debug("verification cycle complete",
		zap.Uint64("cutoff", cutoff), zap.Uint64("head", head))
	return nil
}

// Stats reports completed cycles and the last cycle error, if any.
func (v *Verifier) Stats() (cycles uint64, lastErr string) {
	if p := v.lastErr.Load(); p != nil {
		lastErr = *p
	}
	return v.cycleCount.Load(), lastErr
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (v *Verifier) Stop(ctx context.Context) error {
	if v.cancel != nil {
		v.cancel()
	}
	select {
	case <-v.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// digestCache holds one agent probe per cycle so existence and chain
// verification share a single account fetch per asset.
type digestCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	mismatched map[string]struct{}
}

// cacheEntry: exists is the finalized-commitment existence of the agent
// account; account is nil when the data was undecodable.
type cacheEntry struct {
	exists  bool
	account *agentAccount
}

func newDigestCache() *digestCache {
	return &digestCache{
		entries:    make(map[string]*cacheEntry),
		mismatched: make(map[string]struct{}),
	}
}

// firstMismatch records a hash-chain mismatch for the asset and reports
// whether it is the first this cycle, so the metric counts agents rather
// than every divergent chain of one agent.
func (c *digestCache) firstMismatch(asset string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.mismatched[asset]; ok {
		return false
	}
	c.mismatched[asset] = struct{}{}
	return true
}

// get returns the cached probe for an asset, fetching it once on miss.
func (c *digestCache) get(ctx context.Context, v *Verifier, asset string) (*cacheEntry, error) {
	c.mu.Lock()
	if e, ok := c.entries[asset]; ok {
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	assetKey, err := solana.PublicKeyFromBase58(asset)
	if err != nil {
		return nil, fmt.Errorf("corrupt asset key %q: %w", asset, err)
	}
	addr, err := v.deriver.Agent(assetKey)
	if err != nil {
		return nil, err
	}
	acct, err := v.client.GetAccount(ctx, addr, ledger.CommitmentFinalized)
	if err != nil {
		return nil, err
	}

	e := probeToEntry(acct, v.logger, asset)
	c.mu.Lock()
	c.entries[asset] = e
	c.mu.Unlock()
	return e, nil
}

func (c *digestCache) put(asset string, e *cacheEntry) {
	c.mu.Lock()
	c.entries[asset] = e
	c.mu.Unlock()
}

func probeToEntry(acct *ledger.Account, logger *zap.Logger, asset string) *cacheEntry {
	if acct == nil || len(acct.Data) == 0 {
		return &cacheEntry{exists: false}
	}
	decoded, err := decodeAgentAccount(acct.Data)
	if err != nil {
		logger.Warn("agent account exists but is undecodable",
			zap.String("asset", asset), zap.Error(err))
		return &cacheEntry{exists: true}
	}
	return &cacheEntry{exists: true, account: decoded}
}

// verifyAgents probes the on-chain agent account for every PENDING agent
// at or below the cutoff. Existing accounts finalize the row; missing ones
// orphan the agent and cascade to its children.
func (v *Verifier) verifyAgents(ctx context.Context, cutoff uint64, cache *digestCache) error {
	assets, err := v.pendingKeys(ctx,
		`SELECT asset FROM agents WHERE status = $1 AND block_slot <= $2 ORDER BY block_slot LIMIT $3`,
		cutoff)
	if err != nil {
		return err
	}
	if len(assets) == 0 {
		return nil
	}

	addrs := make([]solana.PublicKey, len(assets))
	for i, asset := range assets {
		key, err := solana.PublicKeyFromBase58(asset)
		if err != nil {
			return fmt.Errorf("corrupt asset key %q: %w", asset, err)
		}
		addrs[i], err = v.deriver.Agent(key)
		if err != nil {
			return err
		}
	}

	accounts, err := v.probeAccounts(ctx, addrs)
	if err != nil {
		return err
	}

	for i, asset := range assets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entry := probeToEntry(accounts[i], v.logger, asset)
		cache.put(asset, entry)

		if entry.exists {
			if err := v.finalizeAgent(ctx, asset, cutoff); err != nil {
				return err
			}
		} else {
			if err := v.orphanAgent(ctx, asset); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Verifier) finalizeAgent(ctx context.Context, asset string, cutoff uint64) error {
	tag, err := v.st.Pool.Exec(ctx,
		`UPDATE agents SET status = $1, verified_at = now(), updated_at = now()
		 WHERE asset = $2 AND status = $3 AND block_slot <= $4`,
		store.StatusFinalized, asset, store.StatusPending, cutoff)
	if err != nil {
		return fmt.Errorf("finalize agent: %w", err)
	}
	metrics.RowsFinalized.WithLabelValues("agents").Add(float64(tag.RowsAffected()))
	return nil
}

// orphanAgent demotes the agent and cascades to every PENDING child row.
// Terminal rows are never touched.
func (v *Verifier) orphanAgent(ctx context.Context, asset string) error {
	return v.st.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE agents SET status = $1, verified_at = now(), updated_at = now()
			 WHERE asset = $2 AND status = $3`,
			store.StatusOrphaned, asset, store.StatusPending)
		if err != nil {
			return fmt.Errorf("orphan agent: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		metrics.RowsOrphaned.WithLabelValues("agents").Inc()

		for _, table := range []string{"feedbacks", "responses", "revocations", "validations", "metadata_entries"} {
			q := fmt.Sprintf(
				`UPDATE %s SET status = $1, verified_at = now() WHERE asset = $2 AND status = $3`,
				table)
			ctag, err := tx.Exec(ctx, q, store.StatusOrphaned, asset, store.StatusPending)
			if err != nil {
				return fmt.Errorf("orphan cascade %s: %w", table, err)
			}
			metrics.RowsOrphaned.WithLabelValues(table).Add(float64(ctag.RowsAffected()))
		}
		v.logger.Info("agent orphaned with children", zap.String("asset", asset))
		return nil
	})
}

// verifyValidations existence-checks PENDING validation rows by their
// derived account.
func (v *Verifier) verifyValidations(ctx context.Context, cutoff uint64) error {
	rows, err := v.st.Pool.Query(ctx,
		`SELECT asset, validator, nonce FROM validations
		 WHERE status = $1 AND block_slot <= $2 ORDER BY block_slot LIMIT $3`,
		store.StatusPending, cutoff, v.cfg.Verify.BatchSize)
	if err != nil {
		return fmt.Errorf("pending validations: %w", err)
	}
	type valKey struct {
		asset, validator string
		nonce            int64
	}
	var keys []valKey
	for rows.Next() {
		var k valKey
		if err := rows.Scan(&k.asset, &k.validator, &k.nonce); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	addrs := make([]solana.PublicKey, len(keys))
	for i, k := range keys {
		asset, err := solana.PublicKeyFromBase58(k.asset)
		if err != nil {
			return fmt.Errorf("corrupt asset key %q: %w", k.asset, err)
		}
		validator, err := solana.PublicKeyFromBase58(k.validator)
		if err != nil {
			return fmt.Errorf("corrupt validator key %q: %w", k.validator, err)
		}
		addrs[i], err = v.deriver.Validation(asset, validator, uint32(k.nonce))
		if err != nil {
			return err
		}
	}

	accounts, err := v.probeAccounts(ctx, addrs)
	if err != nil {
		return err
	}
	for i, k := range keys {
		exists := accounts[i] != nil && len(accounts[i].Data) > 0
		if err := v.markExistence(ctx, "validations", exists,
			`asset = $3 AND validator = $4 AND nonce = $5`,
			k.asset, k.validator, k.nonce); err != nil {
			return err
		}
	}
	return nil
}

// verifyMetadata existence-checks PENDING metadata rows. Rows under the
// reserved prefix are indexer-owned and finalize without a probe.
func (v *Verifier) verifyMetadata(ctx context.Context, cutoff uint64) error {
	tag, err := v.st.Pool.Exec(ctx,
		`UPDATE metadata_entries SET status = $1, verified_at = now(), updated_at = now()
		 WHERE status = $2 AND block_slot <= $3 AND key LIKE $4`,
		store.StatusFinalized, store.StatusPending, cutoff,
		strings.ReplaceAll(handlers.ReservedURIPrefix, "_", `\_`)+"%")
	if err != nil {
		return fmt.Errorf("auto-finalize uri metadata: %w", err)
	}
	metrics.RowsFinalized.WithLabelValues("metadata_entries").Add(float64(tag.RowsAffected()))

	rows, err := v.st.Pool.Query(ctx,
		`SELECT asset, key, key_hash FROM metadata_entries
		 WHERE status = $1 AND block_slot <= $2 ORDER BY block_slot LIMIT $3`,
		store.StatusPending, cutoff, v.cfg.Verify.BatchSize)
	if err != nil {
		return fmt.Errorf("pending metadata: %w", err)
	}
	type metaKey struct {
		asset, key, keyHash string
	}
	var keys []metaKey
	for rows.Next() {
		var k metaKey
		if err := rows.Scan(&k.asset, &k.key, &k.keyHash); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	addrs := make([]solana.PublicKey, len(keys))
	for i, k := range keys {
		asset, err := solana.PublicKeyFromBase58(k.asset)
		if err != nil {
			return fmt.Errorf("corrupt asset key %q: %w", k.asset, err)
		}
		addrs[i], err = v.deriver.Metadata(asset, k.key)
		if err != nil {
			return err
		}
	}

	accounts, err := v.probeAccounts(ctx, addrs)
	if err != nil {
		return err
	}
	for i, k := range keys {
		exists := accounts[i] != nil && len(accounts[i].Data) > 0
		if err := v.markExistence(ctx, "metadata_entries", exists,
			`asset = $3 AND key_hash = $4`, k.asset, k.keyHash); err != nil {
			return err
		}
	}
	return nil
}

// verifyRegistries existence-checks PENDING collection registries.
func (v *Verifier) verifyRegistries(ctx context.Context, cutoff uint64) error {
	collections, err := v.pendingKeys(ctx,
		`SELECT collection FROM collections WHERE status = $1 AND block_slot <= $2 ORDER BY block_slot LIMIT $3`,
		cutoff)
	if err != nil {
		return err
	}
	if len(collections) == 0 {
		return nil
	}

	addrs := make([]solana.PublicKey, len(collections))
	for i, c := range collections {
		key, err := solana.PublicKeyFromBase58(c)
		if err != nil {
			return fmt.Errorf("corrupt collection key %q: %w", c, err)
		}
		addrs[i], err = v.deriver.RegistryConfig(key)
		if err != nil {
			return err
		}
	}

	accounts, err := v.probeAccounts(ctx, addrs)
	if err != nil {
		return err
	}
	for i, c := range collections {
		exists := accounts[i] != nil && len(accounts[i].Data) > 0
		if err := v.markExistence(ctx, "collections", exists,
			`collection = $3`, c); err != nil {
			return err
		}
	}
	return nil
}

func (v *Verifier) pendingKeys(ctx context.Context, query string, cutoff uint64) ([]string, error) {
	rows, err := v.st.Pool.Query(ctx, query, store.StatusPending, cutoff, v.cfg.Verify.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("pending rows: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// markExistence flips one existence-verified row. where references its
// arguments starting at $3.
func (v *Verifier) markExistence(ctx context.Context, table string, exists bool, where string, args ...any) error {
	status := store.StatusOrphaned
	metric := metrics.RowsOrphaned
	if exists {
		status = store.StatusFinalized
		metric = metrics.RowsFinalized
	}
	q := fmt.Sprintf(
		`UPDATE %s SET status = $1, verified_at = now() WHERE status = $2 AND %s`,
		table, where)
	tag, err := v.st.Pool.Exec(ctx, q, append([]any{status, store.StatusPending}, args...)...)
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", table, status, err)
	}
	metric.WithLabelValues(table).Add(float64(tag.RowsAffected()))
	return nil
}

// probeAccounts batch-fetches the accounts at finalized commitment. When
// the batch call fails, each account falls back to individual fetches with
// exponential backoff so one bad batch cannot stall the whole cycle.
func (v *Verifier) probeAccounts(ctx context.Context, addrs []solana.PublicKey) ([]*ledger.Account, error) {
	accounts, err := v.client.GetAccounts(ctx, addrs, ledger.CommitmentFinalized)
	if err == nil {
		return accounts, nil
	}
	v.logger.Warn("batch account probe failed, falling back to per-account fetch", zap.Error(err))

	accounts = make([]*ledger.Account, len(addrs))
	for i, addr := range addrs {
		acct, err := v.probeOne(ctx, addr)
		if err != nil {
			return nil, err
		}
		accounts[i] = acct
	}
	return accounts, nil
}

func (v *Verifier) probeOne(ctx context.Context, addr solana.PublicKey) (*ledger.Account, error) {
	var lastErr error
	for attempt := 0; attempt <= v.cfg.Verify.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		acct, err := v.client.GetAccount(ctx, addr, ledger.CommitmentFinalized)
		if err == nil {
			return acct, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("account probe %s: %w", addr, lastErr)
}
