// Package delivery submits agent results on-chain. Per request it runs
// prepare, preflight, submit and verify, routing the mech call through
// the service Safe and defending against double-submission with the
// pending tracker.
package delivery

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"math/rand"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/itskum47/MechForge/chain"
	"github.com/itskum47/MechForge/ipfs"
	"github.com/itskum47/MechForge/observability"
	"github.com/itskum47/MechForge/pkg/logger"
	"github.com/itskum47/MechForge/registry"
)

// Outcome statuses.
const (
	OutcomeDone    = "DONE"
	OutcomeRevoked = "REVOKED"
	OutcomeFailed  = "FAILED"
)

// Failure reasons. Stable strings surfaced in logs and the timeline.
// ReasonValidation marks input rejected at entry; never retried.
const (
	ReasonValidation        = "VALIDATION_ERROR"
	ReasonPendingInFlight   = "PENDING_IN_FLIGHT"
	ReasonVerifyFailed      = "VERIFY_FAILED"
	ReasonCrossMechPriority = "CROSS_MECH_PRIORITY_ACTIVE"
	ReasonSafeNotDeployed   = "SAFE_NOT_DEPLOYED"
	ReasonTxReverted        = "TX_REVERTED"
	ReasonSafeInnerRevert   = "SAFE_INNER_REVERT"
	ReasonSubmitFailed      = "SUBMIT_FAILED"
)

// Outcome is the terminal result of one delivery attempt.
type Outcome struct {
	Status string
	TxHash string
	Reason string
}

// Job is one delivery to perform: a claimed request plus the payload
// built from the agent's result.
type Job struct {
	RequestID       string
	RequestMech     common.Address
	ResponseTimeout int64
	WorkstreamID    string
	Service         registry.Service
	Signer          SafeSigner
	Payload         Payload
}

// ChainBackend is the slice of chain.Client the engine needs.
type ChainBackend interface {
	UndeliveredRequestIDs(ctx context.Context, mech common.Address, size, offset int64) ([]common.Hash, error)
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	Nonces(ctx context.Context, addr common.Address) (latest, pending uint64, err error)
	SafeNonce(ctx context.Context, safe common.Address) (*big.Int, error)
	SafeTxHash(ctx context.Context, safe, to common.Address, data []byte, nonce *big.Int) (common.Hash, error)
	SubmitTx(ctx context.Context, signer chain.TxSigner, to common.Address, data []byte) (common.Hash, error)
	Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ResponseTimeoutBounds(ctx context.Context, marketplace common.Address) (min, max uint64, err error)
}

// SafeSigner signs both the Safe owner signature and the outer EOA tx.
type SafeSigner interface {
	chain.TxSigner
	SafeSignature(safeTxHash common.Hash) ([]byte, error)
}

// DeliveryChecker is the indexer fallback for undelivered verification.
type DeliveryChecker interface {
	IsDelivered(ctx context.Context, requestID string) (bool, error)
}

// Uploader stores payload bytes on IPFS.
type Uploader interface {
	Put(ctx context.Context, content []byte) (ipfs.PutResult, error)
}

// Undelivered-verification paging bounds.
const (
	verifyBatchSize = 100
	verifyMaxOffset = 20000
)

var nonceBackoff = []time.Duration{
	15 * time.Second, 30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second,
}

// Engine drives the delivery state machine. One delivery at a time per
// worker; the claim pipeline upstream is single-tracked.
type Engine struct {
	chain    ChainBackend
	checker  DeliveryChecker
	uploader Uploader
	pending  *Tracker
	timeline *Timeline
	log      *logger.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func() time.Duration
}

// NewEngine builds a delivery engine. checker may be nil when no
// indexer is configured; verification then has only the RPC tier.
func NewEngine(backend ChainBackend, checker DeliveryChecker, uploader Uploader, pending *Tracker, timeline *Timeline, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.New("delivery")
	}
	if pending == nil {
		pending = NewTracker()
	}
	if timeline == nil {
		timeline = NewTimeline()
	}
	return &Engine{
		chain:    backend,
		checker:  checker,
		uploader: uploader,
		pending:  pending,
		timeline: timeline,
		log:      log,
		now:      time.Now,
		sleep:    sleepCtx,
		jitter:   func() time.Duration { return time.Duration(rand.Int63n(int64(500 * time.Millisecond))) },
	}
}

// SetClock overrides the clock. Used in tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetSleep overrides backoff sleeping. Used in tests.
func (e *Engine) SetSleep(sleep func(ctx context.Context, d time.Duration) error) { e.sleep = sleep }

// SetJitter overrides backoff jitter. Used in tests.
func (e *Engine) SetJitter(jitter func() time.Duration) { e.jitter = jitter }

// Timeline exposes the engine's event log.
func (e *Engine) Timeline() *Timeline { return e.timeline }

// Deliver runs the full state machine for one job.
func (e *Engine) Deliver(ctx context.Context, job Job) Outcome {
	start := e.now()
	outcome, clearPending := e.deliver(ctx, job)
	if clearPending {
		e.pending.Clear(job.RequestID)
	}
	observability.Deliveries.WithLabelValues(outcome.Status).Inc()
	observability.DeliveryDuration.Observe(time.Since(start).Seconds())

	stage := StageDone
	switch outcome.Status {
	case OutcomeRevoked:
		stage = StageRevoked
	case OutcomeFailed:
		stage = StageFailed
	}
	e.record(job, stage, map[string]string{"tx_hash": outcome.TxHash, "reason": outcome.Reason})
	return outcome
}

// deliver returns the outcome plus whether the pending entry belongs to
// this attempt and must be cleared. A PENDING_IN_FLIGHT abort leaves the
// prior attempt's entry in place.
func (e *Engine) deliver(ctx context.Context, job Job) (Outcome, bool) {
	requestHash, err := ParseRequestID(job.RequestID)
	if err != nil {
		return Outcome{Status: OutcomeFailed, Reason: ReasonValidation}, true
	}

	// Prepare: upload is best-effort, the digest is derived locally and
	// stays valid even when both IPFS targets are down.
	content, err := json.Marshal(job.Payload)
	if err != nil {
		return Outcome{Status: OutcomeFailed, Reason: ReasonValidation}, true
	}
	digestHex := ipfs.Digest(content)
	if e.uploader != nil {
		if _, err := e.uploader.Put(ctx, content); err != nil {
			e.log.WithError(err).Warn("payload pre-upload failed; continuing")
		}
	}
	var digest [32]byte
	digestBytes, _ := hex.DecodeString(strings.TrimPrefix(digestHex, "0x"))
	copy(digest[:], digestBytes)
	e.record(job, StagePrepared, map[string]string{"digest": digestHex})

	// Preflight: resolve any prior in-flight submission first.
	e.pending.Sweep()
	if entry, ok := e.pending.Get(job.RequestID); ok {
		receipt, err := e.chain.Receipt(ctx, common.HexToHash(entry.TxHash))
		if err != nil || receipt == nil {
			e.log.WithField("request_id", job.RequestID).
				WithField("tx_hash", entry.TxHash).
				Warn("delivery already in flight")
			return Outcome{Status: OutcomeFailed, Reason: ReasonPendingInFlight}, false
		}
		e.pending.Clear(job.RequestID)
		if receipt.Status == types.ReceiptStatusSuccessful {
			return Outcome{Status: OutcomeDone, TxHash: entry.TxHash}, true
		}
	}

	delivered, err := e.verifyUndelivered(ctx, job.RequestMech, requestHash, job.RequestID)
	if err != nil {
		e.log.WithError(err).Warn("undelivered verification failed on both tiers")
		return Outcome{Status: OutcomeFailed, Reason: ReasonVerifyFailed}, true
	}
	if delivered {
		return Outcome{Status: OutcomeDone}, true
	}
	e.record(job, StagePreflighted, nil)

	// Cross-mech routing: our own mech may deliver someone else's
	// request once the priority window has expired.
	target := job.RequestMech
	if job.RequestMech != job.Service.MechAddress {
		if e.now().Unix() <= job.ResponseTimeout {
			return Outcome{Status: OutcomeFailed, Reason: ReasonCrossMechPriority}, true
		}
		target = job.Service.MechAddress
		e.log.WithField("request_id", job.RequestID).
			Infof("cross-mech delivery via %s", target.Hex())
	}

	code, err := e.chain.CodeAt(ctx, job.Service.SafeAddress)
	if err != nil || len(code) == 0 {
		return Outcome{Status: OutcomeFailed, Reason: ReasonSafeNotDeployed}, true
	}

	return e.submitAndVerify(ctx, job, requestHash, digest, target)
}

// submitAndVerify drives §Submit and §Verify with nonce-class retries.
func (e *Engine) submitAndVerify(ctx context.Context, job Job, requestHash common.Hash, digest [32]byte, target common.Address) (Outcome, bool) {
	signer := job.Signer
	if signer == nil {
		return Outcome{Status: OutcomeFailed, Reason: ReasonSubmitFailed}, true
	}

	// Initial attempt plus one retry per backoff step.
	for attempt := 0; attempt <= len(nonceBackoff); attempt++ {
		if attempt > 0 {
			observability.DeliveryRetries.WithLabelValues("nonce").Inc()
			if err := e.sleep(ctx, nonceBackoff[attempt-1]); err != nil {
				return Outcome{Status: OutcomeFailed, Reason: ReasonSubmitFailed}, true
			}
			// A competing mech may have delivered while we backed off.
			delivered, err := e.verifyUndelivered(ctx, job.RequestMech, requestHash, job.RequestID)
			if err == nil && delivered {
				return Outcome{Status: OutcomeDone}, true
			}
		}

		txHash, err := e.submit(ctx, job, signer, requestHash, digest, target)
		if err != nil {
			msg := err.Error()
			switch {
			case isNonceError(msg):
				e.log.WithError(err).Warnf("nonce conflict on attempt %d", attempt+1)
				continue
			case strings.Contains(msg, "GS013"):
				e.log.WithError(err).
					Errorf("safe %s is not the operator of mech %s", job.Service.SafeAddress.Hex(), target.Hex())
				return Outcome{Status: OutcomeFailed, Reason: ReasonSafeInnerRevert}, true
			case strings.Contains(msg, "Transaction not found"):
				delivered, verr := e.verifyUndelivered(ctx, job.RequestMech, requestHash, job.RequestID)
				if verr == nil && delivered {
					return Outcome{Status: OutcomeDone}, true
				}
				return Outcome{Status: OutcomeFailed, Reason: ReasonSubmitFailed}, true
			default:
				e.log.WithError(err).Error("delivery submission failed")
				return Outcome{Status: OutcomeFailed, Reason: ReasonSubmitFailed}, true
			}
		}

		e.pending.Put(job.RequestID, txHash.Hex())
		e.record(job, StageSubmitted, map[string]string{"tx_hash": txHash.Hex()})
		return e.verify(ctx, job, requestHash, target, txHash)
	}
	return Outcome{Status: OutcomeFailed, Reason: ReasonSubmitFailed}, true
}

func (e *Engine) submit(ctx context.Context, job Job, signer SafeSigner, requestHash common.Hash, digest [32]byte, target common.Address) (common.Hash, error) {
	latest, pendingNonce, err := e.chain.Nonces(ctx, signer.Address())
	if err == nil && latest != pendingNonce {
		e.log.Debugf("eoa nonce gap: latest=%d pending=%d", latest, pendingNonce)
	}

	inner, err := chain.PackDeliverToMarketplace(requestHash, digest)
	if err != nil {
		return common.Hash{}, err
	}
	safeNonce, err := e.chain.SafeNonce(ctx, job.Service.SafeAddress)
	if err != nil {
		return common.Hash{}, fmt.Errorf("safe nonce: %w", err)
	}
	safeTxHash, err := e.chain.SafeTxHash(ctx, job.Service.SafeAddress, target, inner, safeNonce)
	if err != nil {
		return common.Hash{}, fmt.Errorf("safe tx hash: %w", err)
	}
	sig, err := signer.SafeSignature(safeTxHash)
	if err != nil {
		return common.Hash{}, fmt.Errorf("safe signature: %w", err)
	}
	execData, err := chain.PackExecTransaction(target, inner, sig)
	if err != nil {
		return common.Hash{}, err
	}
	return e.chain.SubmitTx(ctx, signer, job.Service.SafeAddress, execData)
}

func (e *Engine) verify(ctx context.Context, job Job, requestHash common.Hash, target common.Address, txHash common.Hash) (Outcome, bool) {
	receipt, err := e.chain.WaitMined(ctx, txHash)
	if err != nil {
		return Outcome{Status: OutcomeFailed, TxHash: txHash.Hex(), Reason: ReasonSubmitFailed}, true
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Outcome{Status: OutcomeFailed, TxHash: txHash.Hex(), Reason: ReasonTxReverted}, true
	}
	e.record(job, StageVerified, map[string]string{"tx_hash": txHash.Hex()})

	// A mined tx can still mean rejection: the mech revokes a delivery
	// it refuses instead of reverting the Safe call.
	if chain.RevokedInReceipt(receipt, target, requestHash) {
		return Outcome{Status: OutcomeRevoked, TxHash: txHash.Hex()}, true
	}
	return Outcome{Status: OutcomeDone, TxHash: txHash.Hex()}, true
}

// verifyUndelivered reports whether the request is already delivered.
// Tier A pages the mech's undelivered list over RPC with backoff and
// jitter; tier B falls back to the indexer.
func (e *Engine) verifyUndelivered(ctx context.Context, mech common.Address, requestHash common.Hash, requestID string) (delivered bool, err error) {
	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, backoff+e.jitter()); err != nil {
				return false, err
			}
			backoff *= 2
		}
		found, err := e.scanUndelivered(ctx, mech, requestHash)
		if err == nil {
			return !found, nil
		}
		lastErr = err
	}
	observability.DeliveryRetries.WithLabelValues("verify_fallback").Inc()

	if e.checker != nil {
		isDelivered, err := e.checker.IsDelivered(ctx, requestID)
		if err == nil {
			return isDelivered, nil
		}
		lastErr = err
	}
	return false, fmt.Errorf("verify undelivered: %w", lastErr)
}

// scanUndelivered pages getUndeliveredRequestIds until the batch comes
// back short or the offset cap is hit.
func (e *Engine) scanUndelivered(ctx context.Context, mech common.Address, requestHash common.Hash) (bool, error) {
	for offset := int64(0); offset <= verifyMaxOffset; offset += verifyBatchSize {
		ids, err := e.chain.UndeliveredRequestIDs(ctx, mech, verifyBatchSize, offset)
		if err != nil {
			return false, err
		}
		for _, id := range ids {
			if id == requestHash {
				return true, nil
			}
		}
		if len(ids) < verifyBatchSize {
			break
		}
	}
	return false, nil
}

func (e *Engine) record(job Job, stage string, metadata map[string]string) {
	e.timeline.Record(Event{
		RequestID:    job.RequestID,
		Stage:        stage,
		WorkstreamID: job.WorkstreamID,
		Metadata:     metadata,
	})
}

// ParseRequestID normalizes a decimal or 0x-hex request id to its
// 32-byte on-chain form.
func ParseRequestID(id string) (common.Hash, error) {
	s := strings.TrimSpace(id)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	n, ok := new(big.Int).SetString(s, base)
	if !ok {
		return common.Hash{}, fmt.Errorf("invalid request id %q", id)
	}
	return common.BigToHash(n), nil
}

func isNonceError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "nonce too low") ||
		strings.Contains(lower, "replacement transaction underpriced")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
