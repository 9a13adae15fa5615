package mevprotect

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"

	"github.com/solshield/mev-protect-node/metrics"
)

const (
	submitBackoffBase = time.Second
	submitBackoffCap  = 5 * time.Second
	landingPollEvery  = time.Second
)

// submitState tracks the bundle protocol. Terminal states are landed, failed
// and timedOut.
type submitState int

const (
	stateSubmitting submitState = iota
	statePolling
	stateLanded
	stateFailed
	stateTimedOut
)

func (s submitState) String() string {
	switch s {
	case stateSubmitting:
		return "submitting"
	case statePolling:
		return "polling"
	case stateLanded:
		return "landed"
	case stateFailed:
		return "failed"
	case stateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// TipSigner builds and signs the tip transfer appended to every bundle. Key
// custody lives behind this interface, the node never sees a private key.
type TipSigner interface {
	BuildTipTransfer(ctx context.Context, payer, receiver string, lamports uint64) (string, error)
}

// JSONRPCTipSigner asks an external signer service for the tip transfer.
type JSONRPCTipSigner struct {
	client jsonrpc.RPCClient
}

func NewJSONRPCTipSigner(url string) *JSONRPCTipSigner {
	return &JSONRPCTipSigner{
		client: jsonrpc.NewClient(url),
	}
}

func (s *JSONRPCTipSigner) BuildTipTransfer(ctx context.Context, payer, receiver string, lamports uint64) (string, error) {
	var tx string
	err := s.client.CallFor(ctx, &tx, "signTipTransfer", map[string]interface{}{
		"payer":    payer,
		"receiver": receiver,
		"lamports": lamports,
	})
	return tx, err
}

// sleepFunc waits for d or until the context is cancelled.
type sleepFunc func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RelayClient drives the private submission protocol: build the tip transfer,
// bundle it behind the caller transactions, submit with retries, then poll
// until the bundle lands or the wall clock runs out.
type RelayClient struct {
	log    *zap.Logger
	cfg    ProtectionConfig
	relays *RelayPool
	signer TipSigner

	// injected for deterministic tests
	pick  func(pool []string) string
	sleep sleepFunc
	now   func() time.Time
}

func NewRelayClient(log *zap.Logger, cfg ProtectionConfig, relays *RelayPool, signer TipSigner) *RelayClient {
	return &RelayClient{
		log:    log.Named("relay"),
		cfg:    cfg,
		relays: relays,
		signer: signer,
		pick:   pickUniform,
		sleep:  contextSleep,
		now:    time.Now,
	}
}

func pickUniform(pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	return pool[rand.Intn(len(pool))]
}

// Submit sends the caller transactions through a private relay. tipOverride
// zero means the configured override or the level default applies. The result
// is never an error value, failures are reported in the result itself.
func (c *RelayClient) Submit(ctx context.Context, txs []string, payer string, tipOverride uint64) SubmitResult {
	start := c.now()

	// preconditions, checked before any network call
	if !c.cfg.Enabled {
		return c.failure(start, "", 0, ErrProtectionDisabled)
	}
	if len(txs) == 0 || len(txs) > c.cfg.MaxBundleSize {
		return c.failure(start, "", 0, fmt.Errorf("%w: got %d, max %d", ErrBundleSize, len(txs), c.cfg.MaxBundleSize))
	}

	tip := c.resolveTip(tipOverride)
	receiver := c.pick(c.relays.TipAccounts())
	if receiver == "" {
		return c.failure(start, "", tip, ErrNoTipAccounts)
	}

	tipTx, err := c.signer.BuildTipTransfer(ctx, payer, receiver, tip)
	if err != nil {
		c.log.Error("Tip transfer construction failed",
			zap.Error(err), zap.String("payer", TruncateID(payer, 12)))
		return c.failure(start, "", tip, fmt.Errorf("tip transfer: %w", err))
	}

	bundle, err := AssembleBundle(txs, tipTx)
	if err != nil {
		return c.failure(start, "", tip, err)
	}

	relay, bundleID, err := c.submitWithRetry(ctx, bundle)
	if err != nil {
		return c.failure(start, "", tip, err)
	}
	metrics.IncBundlesSubmitted()

	state, landedSlot, err := c.pollLanding(ctx, relay, bundleID)
	elapsed := c.now().Sub(start)
	metrics.RecordBundleSubmitDuration(elapsed.Milliseconds())
	switch state {
	case stateLanded:
		metrics.IncBundlesLanded()
		c.log.Info("Bundle landed",
			zap.String("bundle", TruncateID(bundleID, 16)),
			zap.String("relay", relay.Name()),
			zap.Uint64("slot", landedSlot),
			zap.Duration("elapsed", elapsed))
		return SubmitResult{
			Success:   true,
			BundleID:  bundleID,
			Signature: c.landedSignature(ctx, relay, bundleID),
			TipAmount: tip,
			Duration:  elapsed,
		}
	case stateTimedOut:
		// not necessarily lost, the bundle may still land after the deadline
		metrics.IncBundlesUnconfirmed()
		c.log.Warn("Bundle unconfirmed before timeout",
			zap.String("bundle", TruncateID(bundleID, 16)),
			zap.Duration("timeout", c.cfg.SubmitTimeout))
		return SubmitResult{
			BundleID:  bundleID,
			TipAmount: tip,
			Err:       ErrBundleUnconfirmed.Error(),
			Duration:  elapsed,
		}
	default:
		metrics.IncBundlesFailed()
		c.log.Warn("Bundle did not land",
			zap.String("bundle", TruncateID(bundleID, 16)),
			zap.Stringer("state", state))
		return c.failure(start, bundleID, tip, err)
	}
}

func (c *RelayClient) failure(start time.Time, bundleID string, tip uint64, err error) SubmitResult {
	elapsed := c.now().Sub(start)
	c.log.Warn("Bundle submission failed", zap.Error(err), zap.Duration("elapsed", elapsed))
	res := SubmitResult{
		BundleID: bundleID,
		Duration: elapsed,
		Err:      err.Error(),
	}
	if tip > 0 {
		res.TipAmount = tip
	}
	return res
}

func (c *RelayClient) resolveTip(override uint64) uint64 {
	tip := override
	if tip == 0 {
		tip = c.cfg.TipOverride
	}
	if tip == 0 {
		tip = c.cfg.TipForLevel(c.cfg.DefaultLevel)
	}
	return ClampUint64(tip, c.cfg.TipFloor, c.cfg.TipCeiling)
}

// submitWithRetry rotates through the relay pool, backing off exponentially
// between attempts. It returns the endpoint that accepted the bundle.
func (c *RelayClient) submitWithRetry(ctx context.Context, bundle []string) (RelayRPC, string, error) {
	endpoints := c.relays.Endpoints()
	if len(endpoints) == 0 {
		return nil, "", ErrNoRelayEndpoints
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = submitBackoffBase
	bo.Multiplier = 2
	bo.MaxInterval = submitBackoffCap
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	bo.Reset()

	attempts := c.cfg.RetryAttempts + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, bo.NextBackOff()); err != nil {
				return nil, "", err
			}
		}
		relay := endpoints[(attempt-1)%len(endpoints)]
		bundleID, err := relay.SendBundle(ctx, bundle)
		if err == nil {
			c.log.Info("Bundle accepted by relay",
				zap.String("relay", relay.Name()),
				zap.String("bundle", TruncateID(bundleID, 16)),
				zap.Int("attempt", attempt))
			return relay, bundleID, nil
		}
		lastErr = err
		c.log.Warn("Relay rejected bundle",
			zap.String("relay", relay.Name()),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
	}
	return nil, "", fmt.Errorf("%w after %d attempts: %s", ErrRelayRejected, attempts, lastErr.Error())
}

// pollLanding drives the polling half of the protocol. Only an explicit
// Failed status is terminal, an Invalid status right after submission means
// the relay has not indexed the bundle yet.
func (c *RelayClient) pollLanding(ctx context.Context, relay RelayRPC, bundleID string) (submitState, uint64, error) {
	deadline := c.now().Add(c.cfg.SubmitTimeout)
	for polls := 0; ; polls++ {
		if !c.now().Before(deadline) {
			return stateTimedOut, 0, nil
		}
		if err := c.sleep(ctx, landingPollEvery); err != nil {
			return stateFailed, 0, err
		}

		statuses, err := relay.InflightStatuses(ctx, []string{bundleID})
		if err != nil {
			if ctx.Err() != nil {
				return stateFailed, 0, ctx.Err()
			}
			c.log.Warn("Status poll failed",
				zap.String("bundle", TruncateID(bundleID, 16)),
				zap.Int("poll", polls+1),
				zap.Error(err))
			continue
		}
		for _, st := range statuses {
			if st.BundleID != bundleID {
				continue
			}
			switch st.Status {
			case BundleStatusLanded:
				return stateLanded, st.LandedSlot, nil
			case BundleStatusFailed:
				return stateFailed, 0, fmt.Errorf("%w: poll %d", ErrBundleFailed, polls+1)
			}
		}
	}
}

// landedSignature fetches the first transaction signature of a landed bundle.
// Best effort, a failed detail fetch leaves the signature empty.
func (c *RelayClient) landedSignature(ctx context.Context, relay RelayRPC, bundleID string) string {
	details, err := relay.BundleStatuses(ctx, []string{bundleID})
	if err != nil {
		c.log.Debug("Bundle detail fetch failed", zap.Error(err), zap.String("bundle", TruncateID(bundleID, 16)))
		return ""
	}
	for _, d := range details {
		if d.BundleID == bundleID && len(d.Transactions) > 0 {
			return d.Transactions[0]
		}
	}
	return ""
}
