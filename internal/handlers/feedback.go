package handlers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/alt-research/8004-solana-indexer/internal/events"
	"github.com/alt-research/8004-solana-indexer/internal/store"
)

func (r *Registry) handleNewFeedback(ctx context.Context, db store.DBTX, meta TxMeta, e events.NewFeedback) error {
	asset := e.Asset.String()
	client := e.Client.String()

	// A feedback without a live parent agent is kept, but born orphaned so
	// canonical views never see it.
	status := store.StatusPending
	ok, err := agentExists(ctx, db, asset)
	if err != nil {
		return err
	}
	if !ok {
		status = store.StatusOrphaned
		r.logger.Warn("feedback without parent agent",
			zap.String("asset", asset), zap.String("client", client))
	}

	valueRaw, valueDecimals := EncodeValue(e.Value, e.ValueDecimals)

	_, err = db.Exec(ctx, `
		INSERT INTO feedbacks (
			asset, client_address, feedback_index,
			value_raw, value_decimals, score, tag1, tag2, endpoint,
			feedback_uri, content_hash, running_digest,
			status, block_slot, tx_index, tx_signature
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (asset, client_address, feedback_index) DO UPDATE SET
			value_raw      = EXCLUDED.value_raw,
			value_decimals = EXCLUDED.value_decimals,
			score          = EXCLUDED.score,
			tag1           = EXCLUDED.tag1,
			tag2           = EXCLUDED.tag2,
			endpoint       = EXCLUDED.endpoint,
			feedback_uri   = EXCLUDED.feedback_uri,
			content_hash   = EXCLUDED.content_hash,
			running_digest = EXCLUDED.running_digest`,
		asset, client, int64(e.FeedbackIndex),
		valueRaw, valueDecimals, int16(e.Score),
		sanitizeText(e.Tag1), sanitizeText(e.Tag2), sanitizeText(e.Endpoint),
		sanitizeText(e.FeedbackURI), normalizeHash(e.FeedbackHash), normalizeHash(e.RunningDigest),
		status, int64(meta.Slot), meta.TxIndex, meta.Signature)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}

	// Keep the agent's feedback chain head in step with the event stream.
	if _, err := db.Exec(ctx, `
		UPDATE agents SET
			feedback_digest = $2,
			updated_at      = now()
		WHERE asset = $1`,
		asset, normalizeHash(e.RunningDigest)); err != nil {
		return fmt.Errorf("update agent feedback digest: %w", err)
	}

	if e.Atom != nil {
		if _, err := db.Exec(ctx, `
			UPDATE agents SET trust_score = $2, quality_score = $3, updated_at = now()
			WHERE asset = $1`,
			asset, e.Atom.TrustScore, e.Atom.QualityScore); err != nil {
			return fmt.Errorf("update atom metrics: %w", err)
		}
	}

	return recomputeAgentStats(ctx, db, asset)
}

func (r *Registry) handleResponseAppended(ctx context.Context, db store.DBTX, meta TxMeta, e events.ResponseAppended) error {
	asset := e.Asset.String()
	client := e.Client.String()

	status := store.StatusPending
	ok, err := feedbackExists(ctx, db, asset, client, e.FeedbackIndex)
	if err != nil {
		return err
	}
	if !ok {
		status = store.StatusOrphaned
		r.logger.Warn("response without parent feedback",
			zap.String("asset", asset),
			zap.String("client", client),
			zap.Uint64("feedback_index", e.FeedbackIndex))
	}

	// Keyed on the transaction signature so a re-indexed replay of the same
	// response is a no-op rather than a duplicate.
	_, err = db.Exec(ctx, `
		INSERT INTO responses (
			asset, client_address, feedback_index, responder, tx_signature,
			response_uri, content_hash, running_digest,
			status, block_slot, tx_index
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (asset, client_address, feedback_index, responder, tx_signature)
		DO NOTHING`,
		asset, client, int64(e.FeedbackIndex), e.Responder.String(), meta.Signature,
		sanitizeText(e.ResponseURI), normalizeHash(e.ResponseHash), normalizeHash(e.RunningDigest),
		status, int64(meta.Slot), meta.TxIndex)
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}

	if _, err := db.Exec(ctx, `
		UPDATE agents SET response_digest = $2, updated_at = now() WHERE asset = $1`,
		asset, normalizeHash(e.RunningDigest)); err != nil {
		return fmt.Errorf("update agent response digest: %w", err)
	}
	return nil
}

func (r *Registry) handleFeedbackRevoked(ctx context.Context, db store.DBTX, meta TxMeta, e events.FeedbackRevoked) error {
	asset := e.Asset.String()
	client := e.Client.String()

	status := store.StatusPending
	ok, err := feedbackExists(ctx, db, asset, client, e.FeedbackIndex)
	if err != nil {
		return err
	}
	if !ok {
		status = store.StatusOrphaned
		r.logger.Warn("revocation without parent feedback",
			zap.String("asset", asset),
			zap.String("client", client),
			zap.Uint64("feedback_index", e.FeedbackIndex))
	}

	if _, err := db.Exec(ctx, `
		UPDATE feedbacks SET is_revoked = TRUE
		WHERE asset = $1 AND client_address = $2 AND feedback_index = $3`,
		asset, client, int64(e.FeedbackIndex)); err != nil {
		return fmt.Errorf("mark feedback revoked: %w", err)
	}

	// The revocation's digest lives on the revoke chain.
	if _, err := db.Exec(ctx, `
		INSERT INTO revocations (
			asset, client_address, feedback_index, running_digest,
			status, block_slot, tx_index, tx_signature
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (asset, client_address, feedback_index) DO UPDATE SET
			running_digest = EXCLUDED.running_digest`,
		asset, client, int64(e.FeedbackIndex), normalizeHash(e.RunningDigest),
		status, int64(meta.Slot), meta.TxIndex, meta.Signature); err != nil {
		return fmt.Errorf("insert revocation: %w", err)
	}

	if _, err := db.Exec(ctx, `
		UPDATE agents SET revoke_digest = $2, updated_at = now() WHERE asset = $1`,
		asset, normalizeHash(e.RunningDigest)); err != nil {
		return fmt.Errorf("update agent revoke digest: %w", err)
	}

	return recomputeAgentStats(ctx, db, asset)
}

func (r *Registry) handleValidationRecorded(ctx context.Context, db store.DBTX, meta TxMeta, e events.ValidationRecorded) error {
	_, err := db.Exec(ctx, `
		INSERT INTO validations (
			asset, validator, nonce, data_hash, response, uri,
			status, block_slot, tx_index, tx_signature
		) VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', $7, $8, $9)
		ON CONFLICT (asset, validator, nonce) DO UPDATE SET
			data_hash = EXCLUDED.data_hash,
			response  = EXCLUDED.response,
			uri       = EXCLUDED.uri`,
		e.Asset.String(), e.Validator.String(), int64(e.Nonce),
		normalizeHash(e.DataHash), int16(e.Response), sanitizeText(e.URI),
		int64(meta.Slot), meta.TxIndex, meta.Signature)
	if err != nil {
		return fmt.Errorf("upsert validation: %w", err)
	}
	return nil
}
