package mevprotect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	return nil
}

type fakeSigner struct {
	mu           sync.Mutex
	tipTx        string
	err          error
	calls        int
	lastPayer    string
	lastReceiver string
	lastLamports uint64
}

func (s *fakeSigner) BuildTipTransfer(_ context.Context, payer, receiver string, lamports uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastPayer = payer
	s.lastReceiver = receiver
	s.lastLamports = lamports
	return s.tipTx, s.err
}

type fakeRelay struct {
	mu          sync.Mutex
	name        string
	bundleID    string
	sendErrs    []error
	sendCalls   int
	lastBundle  []string
	statusPlan  []string
	statusCalls int
	landedSlot  uint64
	details     []BundleStatusDetail
}

func (r *fakeRelay) Name() string { return r.name }

func (r *fakeRelay) SendBundle(_ context.Context, txs []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendCalls++
	if r.sendCalls <= len(r.sendErrs) && r.sendErrs[r.sendCalls-1] != nil {
		return "", r.sendErrs[r.sendCalls-1]
	}
	r.lastBundle = txs
	return r.bundleID, nil
}

func (r *fakeRelay) InflightStatuses(_ context.Context, _ []string) ([]InflightBundleStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusCalls++
	status := BundleStatusPending
	if len(r.statusPlan) > 0 {
		idx := r.statusCalls - 1
		if idx >= len(r.statusPlan) {
			idx = len(r.statusPlan) - 1
		}
		status = r.statusPlan[idx]
	}
	return []InflightBundleStatus{{BundleID: r.bundleID, Status: status, LandedSlot: r.landedSlot}}, nil
}

func (r *fakeRelay) BundleStatuses(_ context.Context, _ []string) ([]BundleStatusDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.details, nil
}

func newTestRelayClient(cfg ProtectionConfig, signer TipSigner, relays ...RelayRPC) (*RelayClient, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	pool := NewRelayPool(relays, []string{"T1pAccount1111111111111111111111", "T1pAccount2222222222222222222222"})
	client := NewRelayClient(zap.NewNop(), cfg, pool, signer)
	client.pick = func(pool []string) string { return pool[0] }
	client.sleep = clock.Sleep
	client.now = clock.Now
	return client, clock
}

func testBundleTxs() []string {
	return []string{encodeTestTx([]byte("swap-a")), encodeTestTx([]byte("swap-b"))}
}

func TestSubmitPreconditions(t *testing.T) {
	relay := &fakeRelay{name: "jito", bundleID: "b1"}
	signer := &fakeSigner{tipTx: encodeTestTx([]byte("tip"))}

	// protection disabled
	cfg := DefaultProtectionConfig()
	cfg.Enabled = false
	client, _ := newTestRelayClient(cfg, signer, relay)
	res := client.Submit(context.Background(), testBundleTxs(), "payer", 0)
	require.False(t, res.Success)
	require.Contains(t, res.Err, ErrProtectionDisabled.Error())

	// empty bundle
	cfg = DefaultProtectionConfig()
	client, _ = newTestRelayClient(cfg, signer, relay)
	res = client.Submit(context.Background(), nil, "payer", 0)
	require.False(t, res.Success)
	require.Contains(t, res.Err, "invalid bundle size")

	// oversized bundle
	oversized := make([]string, cfg.MaxBundleSize+1)
	for i := range oversized {
		oversized[i] = encodeTestTx([]byte{byte(i)})
	}
	res = client.Submit(context.Background(), oversized, "payer", 0)
	require.False(t, res.Success)

	// precondition failures never touch the network or the signer
	require.Zero(t, relay.sendCalls)
	require.Zero(t, signer.calls)
}

func TestSubmitRetriesUntilAccepted(t *testing.T) {
	// two rejections, accepted on the third try
	relay := &fakeRelay{
		name:       "jito",
		bundleID:   "b1",
		sendErrs:   []error{errors.New("relay busy"), errors.New("relay busy"), nil},
		statusPlan: []string{BundleStatusLanded},
		landedSlot: 250_000_100,
	}
	signer := &fakeSigner{tipTx: encodeTestTx([]byte("tip"))}
	cfg := DefaultProtectionConfig()
	cfg.RetryAttempts = 2
	client, clock := newTestRelayClient(cfg, signer, relay)

	res := client.Submit(context.Background(), testBundleTxs(), "payer", 0)
	require.True(t, res.Success)
	require.Equal(t, "b1", res.BundleID)
	require.Equal(t, 3, relay.sendCalls)
	// backoff doubled between attempts: 1s then 2s, then one status poll
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second}, clock.sleeps)
}

func TestSubmitRetriesExhausted(t *testing.T) {
	relay := &fakeRelay{
		name:     "jito",
		bundleID: "b1",
		sendErrs: []error{errors.New("relay busy"), errors.New("relay busy"), errors.New("relay busy")},
	}
	signer := &fakeSigner{tipTx: encodeTestTx([]byte("tip"))}
	cfg := DefaultProtectionConfig()
	cfg.RetryAttempts = 2
	client, _ := newTestRelayClient(cfg, signer, relay)

	res := client.Submit(context.Background(), testBundleTxs(), "payer", 0)
	require.False(t, res.Success)
	require.Contains(t, res.Err, "relay rejected bundle")
	require.Contains(t, res.Err, "3 attempts")
	require.Equal(t, 3, relay.sendCalls)
	require.Zero(t, relay.statusCalls)
}

func TestSubmitRotatesEndpoints(t *testing.T) {
	first := &fakeRelay{name: "jito-ams", sendErrs: []error{errors.New("relay busy")}}
	second := &fakeRelay{name: "jito-fra", bundleID: "b2", statusPlan: []string{BundleStatusLanded}}
	signer := &fakeSigner{tipTx: encodeTestTx([]byte("tip"))}
	cfg := DefaultProtectionConfig()
	cfg.RetryAttempts = 1
	client, _ := newTestRelayClient(cfg, signer, first, second)

	res := client.Submit(context.Background(), testBundleTxs(), "payer", 0)
	require.True(t, res.Success)
	require.Equal(t, "b2", res.BundleID)
	require.Equal(t, 1, first.sendCalls)
	require.Equal(t, 1, second.sendCalls)
}

func TestSubmitLandsAfterPolls(t *testing.T) {
	relay := &fakeRelay{
		name:       "jito",
		bundleID:   "b1",
		statusPlan: []string{BundleStatusPending, BundleStatusPending, BundleStatusPending, BundleStatusLanded},
		landedSlot: 250_000_104,
		details: []BundleStatusDetail{{
			BundleID:     "b1",
			Transactions: []string{"5igSwapA", "5igSwapB", "5igTip"},
			Slot:         250_000_104,
			Confirmation: "confirmed",
		}},
	}
	signer := &fakeSigner{tipTx: encodeTestTx([]byte("tip"))}
	client, clock := newTestRelayClient(DefaultProtectionConfig(), signer, relay)

	res := client.Submit(context.Background(), testBundleTxs(), "payer", 0)
	require.True(t, res.Success)
	require.Equal(t, "b1", res.BundleID)
	require.Equal(t, "5igSwapA", res.Signature)
	require.Equal(t, 4, relay.statusCalls)
	// four polls at one second spacing
	require.Equal(t, 4*time.Second, res.Duration)
	require.Len(t, clock.sleeps, 4)
}

func TestSubmitFailedStatusIsTerminal(t *testing.T) {
	relay := &fakeRelay{
		name:       "jito",
		bundleID:   "b1",
		statusPlan: []string{BundleStatusPending, BundleStatusFailed},
	}
	signer := &fakeSigner{tipTx: encodeTestTx([]byte("tip"))}
	client, _ := newTestRelayClient(DefaultProtectionConfig(), signer, relay)

	res := client.Submit(context.Background(), testBundleTxs(), "payer", 0)
	require.False(t, res.Success)
	require.Contains(t, res.Err, "bundle failed on chain")
	require.Equal(t, 2, relay.statusCalls)
}

func TestSubmitTimeoutReportsUnconfirmed(t *testing.T) {
	relay := &fakeRelay{name: "jito", bundleID: "b1"}
	signer := &fakeSigner{tipTx: encodeTestTx([]byte("tip"))}
	cfg := DefaultProtectionConfig()
	cfg.SubmitTimeout = 5 * time.Second
	client, _ := newTestRelayClient(cfg, signer, relay)

	res := client.Submit(context.Background(), testBundleTxs(), "payer", 0)
	require.False(t, res.Success)
	require.Equal(t, ErrBundleUnconfirmed.Error(), res.Err)
	// the bundle id is reported so the caller can keep watching it
	require.Equal(t, "b1", res.BundleID)
	require.Equal(t, 5*time.Second, res.Duration)
}

func TestSubmitCancelledDuringPoll(t *testing.T) {
	relay := &fakeRelay{name: "jito", bundleID: "b1"}
	signer := &fakeSigner{tipTx: encodeTestTx([]byte("tip"))}
	client, clock := newTestRelayClient(DefaultProtectionConfig(), signer, relay)

	ctx, cancel := context.WithCancel(context.Background())
	var sleeps int
	client.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		if sleeps > 2 {
			cancel()
		}
		return clock.Sleep(ctx, d)
	}

	res := client.Submit(ctx, testBundleTxs(), "payer", 0)
	require.False(t, res.Success)
	require.Contains(t, res.Err, context.Canceled.Error())
	require.Equal(t, 2, relay.statusCalls)
}

func TestSubmitTipResolution(t *testing.T) {
	tip := encodeTestTx([]byte("tip"))

	// explicit override wins
	relay := &fakeRelay{name: "jito", bundleID: "b1", statusPlan: []string{BundleStatusLanded}}
	signer := &fakeSigner{tipTx: tip}
	client, _ := newTestRelayClient(DefaultProtectionConfig(), signer, relay)
	res := client.Submit(context.Background(), testBundleTxs(), "payer", 777_000)
	require.True(t, res.Success)
	require.Equal(t, uint64(777_000), res.TipAmount)
	require.Equal(t, uint64(777_000), signer.lastLamports)
	require.Equal(t, "T1pAccount1111111111111111111111", signer.lastReceiver)
	require.Equal(t, "payer", signer.lastPayer)

	// configured override when no explicit one
	cfg := DefaultProtectionConfig()
	cfg.TipOverride = 555_000
	relay = &fakeRelay{name: "jito", bundleID: "b1", statusPlan: []string{BundleStatusLanded}}
	client, _ = newTestRelayClient(cfg, signer, relay)
	res = client.Submit(context.Background(), testBundleTxs(), "payer", 0)
	require.Equal(t, uint64(555_000), res.TipAmount)

	// default level tier otherwise, standard maps to the medium tier
	relay = &fakeRelay{name: "jito", bundleID: "b1", statusPlan: []string{BundleStatusLanded}}
	client, _ = newTestRelayClient(DefaultProtectionConfig(), signer, relay)
	res = client.Submit(context.Background(), testBundleTxs(), "payer", 0)
	require.Equal(t, TipTierMedium, res.TipAmount)

	// overrides are clamped to the floor
	relay = &fakeRelay{name: "jito", bundleID: "b1", statusPlan: []string{BundleStatusLanded}}
	client, _ = newTestRelayClient(DefaultProtectionConfig(), signer, relay)
	res = client.Submit(context.Background(), testBundleTxs(), "payer", 1)
	require.Equal(t, DefaultProtectionConfig().TipFloor, res.TipAmount)
}

func TestSubmitTipGoesLast(t *testing.T) {
	tip := encodeTestTx([]byte("tip"))
	relay := &fakeRelay{name: "jito", bundleID: "b1", statusPlan: []string{BundleStatusLanded}}
	signer := &fakeSigner{tipTx: tip}
	client, _ := newTestRelayClient(DefaultProtectionConfig(), signer, relay)

	txs := testBundleTxs()
	res := client.Submit(context.Background(), txs, "payer", 0)
	require.True(t, res.Success)
	require.Len(t, relay.lastBundle, len(txs)+1)
	require.Equal(t, txs, relay.lastBundle[:len(txs)])
	require.Equal(t, tip, relay.lastBundle[len(txs)])
}

func TestSubmitSignerFailure(t *testing.T) {
	relay := &fakeRelay{name: "jito", bundleID: "b1"}
	signer := &fakeSigner{err: errors.New("signer unavailable")}
	client, _ := newTestRelayClient(DefaultProtectionConfig(), signer, relay)

	res := client.Submit(context.Background(), testBundleTxs(), "payer", 0)
	require.False(t, res.Success)
	require.Contains(t, res.Err, "signer unavailable")
	require.Zero(t, relay.sendCalls)
}
