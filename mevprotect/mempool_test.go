package mevprotect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeChain is the in-memory ChainClient shared by the package tests.
type fakeChain struct {
	mu sync.Mutex

	txs       []TxSummary
	txErr     error
	fees      []FeeSample
	feesErr   error
	feesPanic bool
	perf      []PerfSample
	perfErr   error
	slot      uint64
	slotErr   error
	sendSig   string
	sendErr   error
	statuses  map[string]*TxStatus

	txCalls     int
	sendCalls   int
	statusCalls int
}

func (c *fakeChain) RecentTransactions(_ context.Context, _ string, _ int) ([]TxSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txCalls++
	return c.txs, c.txErr
}

func (c *fakeChain) RecentPrioritizationFees(_ context.Context) ([]FeeSample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.feesPanic {
		panic("fee fetch exploded")
	}
	return c.fees, c.feesErr
}

func (c *fakeChain) RecentPerformanceSamples(_ context.Context, _ int) ([]PerfSample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perf, c.perfErr
}

func (c *fakeChain) CurrentSlot(_ context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot, c.slotErr
}

func (c *fakeChain) SendTransaction(_ context.Context, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendCalls++
	return c.sendSig, c.sendErr
}

func (c *fakeChain) SignatureStatus(_ context.Context, signature string) (*TxStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusCalls++
	return c.statuses[signature], nil
}

func newTestAssessor(chain ChainClient) *MempoolAssessor {
	return NewMempoolAssessor(zap.NewNop(), chain, NewMemoryActorFlags(), DefaultAssessorConfig())
}

func TestAssessQuietAsset(t *testing.T) {
	assessor := newTestAssessor(&fakeChain{})

	res := assessor.Assess(context.Background(), "TOKEN", 0.01, "payer", 0)
	require.Equal(t, RiskLow, res.Level)
	require.Zero(t, res.Score)
	require.Empty(t, res.Indicators)
	require.False(t, res.ShouldDelay)
	require.Zero(t, res.Delay)
	require.False(t, res.UsePrivateRelay)
	require.False(t, res.Degraded)
}

func TestAssessLargePendingTrade(t *testing.T) {
	chain := &fakeChain{txs: []TxSummary{
		{Signature: "sig-large", Signer: "whale", Time: time.Now(), Size: 0.8, PriorityFee: 100},
	}}
	assessor := newTestAssessor(chain)

	res := assessor.Assess(context.Background(), "TOKEN", 0.1, "payer", 0)
	require.Equal(t, float64(pointsLargeTrade), res.Score)
	require.Len(t, res.Indicators, 1)
	require.Equal(t, "large-pending-trade", res.Indicators[0].Kind)
	require.Equal(t, SeverityHigh, res.Indicators[0].Severity)
	// a large trade alone is not enough to delay, but it lengthens any delay
	require.Equal(t, RiskLow, res.Level)
	require.Equal(t, delayLargeTrade, res.Delay)
}

func TestAssessFlaggedActor(t *testing.T) {
	ctx := context.Background()
	chain := &fakeChain{txs: []TxSummary{
		{Signature: "sig1", Signer: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", Time: time.Now(), Size: 0.01, PriorityFee: 100},
	}}
	assessor := newTestAssessor(chain)
	require.NoError(t, assessor.flags.Flag(ctx, "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"))

	res := assessor.Assess(ctx, "TOKEN", 0.1, "payer", 0)
	require.Equal(t, float64(pointsFlaggedActor), res.Score)
	require.Equal(t, RiskMedium, res.Level)
	require.Equal(t, "flagged-actor", res.Indicators[0].Kind)
	require.True(t, res.UsePrivateRelay)
	// medium base plus the flagged-actor bonus
	require.Equal(t, delayMedium+delayFlaggedActor, res.Delay)
	require.False(t, res.ShouldDelay)
}

func TestAssessAssetCongestion(t *testing.T) {
	var txs []TxSummary
	for i := 0; i < 16; i++ {
		txs = append(txs, TxSummary{Signature: "sig", Signer: "s", Time: time.Now(), Size: 0.01, PriorityFee: 100})
	}
	assessor := newTestAssessor(&fakeChain{txs: txs})

	res := assessor.Assess(context.Background(), "TOKEN", 0.1, "payer", 0)
	require.Equal(t, float64(pointsAssetCongestion), res.Score)
	require.Equal(t, "asset-congestion", res.Indicators[0].Kind)
}

func TestAssessFeeSpike(t *testing.T) {
	txs := make([]TxSummary, 0, 10)
	for i := 0; i < 9; i++ {
		txs = append(txs, TxSummary{Signature: "sig", Signer: "s", Time: time.Now(), Size: 0.01, PriorityFee: 10})
	}
	txs = append(txs, TxSummary{Signature: "spike", Signer: "s", Time: time.Now(), Size: 0.01, PriorityFee: 1000})
	assessor := newTestAssessor(&fakeChain{txs: txs})

	res := assessor.Assess(context.Background(), "TOKEN", 0.1, "payer", 0)
	require.Equal(t, float64(pointsFeeSpike), res.Score)
	require.Equal(t, "fee-spike", res.Indicators[0].Kind)
}

func TestAssessRepeatedFrontrun(t *testing.T) {
	ctx := context.Background()
	assessor := newTestAssessor(&fakeChain{})
	require.NoError(t, assessor.RecordAttackPattern(ctx, AttackRecord{Asset: "TOKEN", Pattern: PatternFrontrun, Actor: "att1"}))
	require.NoError(t, assessor.RecordAttackPattern(ctx, AttackRecord{Asset: "TOKEN", Pattern: PatternSandwich, Actor: "att2"}))

	res := assessor.Assess(ctx, "TOKEN", 0.1, "payer", 0)
	require.Equal(t, float64(pointsRepeatedFrontrun), res.Score)
	require.Equal(t, "repeated-frontrun", res.Indicators[0].Kind)

	// history is per asset
	res = assessor.Assess(ctx, "OTHER", 0.1, "payer", 0)
	require.Zero(t, res.Score)
}

func TestAssessCoordinatedActor(t *testing.T) {
	ctx := context.Background()
	assessor := newTestAssessor(&fakeChain{})
	for i := 0; i < 3; i++ {
		require.NoError(t, assessor.RecordAttackPattern(ctx, AttackRecord{Asset: "TOKEN", Pattern: PatternBackrun, Actor: "att1"}))
	}

	res := assessor.Assess(ctx, "TOKEN", 0.1, "payer", 0)
	require.Equal(t, float64(pointsCoordinatedActor), res.Score)
	require.Equal(t, "coordinated-actor", res.Indicators[0].Kind)
}

func TestAssessImpactDivergence(t *testing.T) {
	ctx := context.Background()
	assessor := newTestAssessor(&fakeChain{})
	require.NoError(t, assessor.RecordAttackPattern(ctx, AttackRecord{Asset: "TOKEN", Pattern: PatternBackrun, PriceImpact: 10}))

	// caller expects 5%, history says 10%, that is a 100% divergence
	res := assessor.Assess(ctx, "TOKEN", 0.1, "payer", 5)
	require.Equal(t, float64(pointsImpactDivergence), res.Score)
	require.Equal(t, "impact-divergence", res.Indicators[0].Kind)
}

func TestAssessImpactVariance(t *testing.T) {
	ctx := context.Background()
	assessor := newTestAssessor(&fakeChain{})
	for _, impact := range []float64{1, 10, 1, 10} {
		require.NoError(t, assessor.RecordAttackPattern(ctx, AttackRecord{Asset: "TOKEN", Pattern: PatternBackrun, PriceImpact: impact}))
	}

	res := assessor.Assess(ctx, "TOKEN", 0.1, "payer", 0)
	require.Equal(t, float64(pointsImpactVariance), res.Score)
	require.Equal(t, "impact-variance", res.Indicators[0].Kind)
}

func TestAssessNetworkFeeSignal(t *testing.T) {
	// elevated network fees
	assessor := newTestAssessor(&fakeChain{fees: []FeeSample{{PriorityFee: 150_000}, {PriorityFee: 110_000}}})
	res := assessor.Assess(context.Background(), "TOKEN", 0.1, "payer", 0)
	require.Equal(t, float64(pointsHighNetworkFee), res.Score)
	require.Equal(t, "network-congestion", res.Indicators[0].Kind)

	// moderate network fees
	assessor = newTestAssessor(&fakeChain{fees: []FeeSample{{PriorityFee: 30_000}, {PriorityFee: 25_000}}})
	res = assessor.Assess(context.Background(), "TOKEN", 0.1, "payer", 0)
	require.Equal(t, float64(pointsModerateNetworkFee), res.Score)

	// a failed fetch degrades the signal to zero, not the whole assessment
	assessor = newTestAssessor(&fakeChain{feesErr: context.DeadlineExceeded})
	res = assessor.Assess(context.Background(), "TOKEN", 0.1, "payer", 0)
	require.Zero(t, res.Score)
	require.False(t, res.Degraded)
}

func TestAssessScoreBounds(t *testing.T) {
	// stack every signal at once and check the clamp
	ctx := context.Background()
	now := time.Now()
	txs := []TxSummary{
		{Signature: "big", Signer: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", Time: now, Size: 1.5, PriorityFee: 10},
	}
	for i := 0; i < 14; i++ {
		txs = append(txs, TxSummary{Signature: "sig", Signer: "s", Time: now, Size: 0.01, PriorityFee: 10})
	}
	txs = append(txs, TxSummary{Signature: "spike", Signer: "s", Time: now, Size: 0.01, PriorityFee: 5000})
	chain := &fakeChain{txs: txs, fees: []FeeSample{{PriorityFee: 200_000}}}

	assessor := newTestAssessor(chain)
	require.NoError(t, assessor.flags.Flag(ctx, "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"))
	for i := 0; i < 3; i++ {
		require.NoError(t, assessor.RecordAttackPattern(ctx, AttackRecord{Asset: "TOKEN", Pattern: PatternFrontrun, Actor: "att1", PriceImpact: float64(1 + i*9)}))
	}

	res := assessor.Assess(ctx, "TOKEN", 0.1, "payer", 50)
	require.GreaterOrEqual(t, res.Score, 0.0)
	require.LessOrEqual(t, res.Score, 100.0)
	require.Equal(t, RiskLevelFromScore(res.Score), res.Level)
	require.True(t, res.ShouldDelay)
	require.True(t, res.UsePrivateRelay)
	require.LessOrEqual(t, res.Delay, maxAssessmentDelay)
}

func TestAssessSnapshotFailureIsConservative(t *testing.T) {
	assessor := newTestAssessor(&fakeChain{txErr: context.DeadlineExceeded})

	res := assessor.Assess(context.Background(), "TOKEN", 0.1, "payer", 0)
	require.True(t, res.Degraded)
	require.Equal(t, RiskHigh, res.Level)
	require.Equal(t, 60.0, res.Score)
	require.True(t, res.ShouldDelay)
	require.True(t, res.UsePrivateRelay)
	require.Equal(t, "assessment-degraded", res.Indicators[0].Kind)
}

func TestAssessNeverPanics(t *testing.T) {
	assessor := newTestAssessor(&fakeChain{feesPanic: true})

	var res RiskAssessment
	require.NotPanics(t, func() {
		res = assessor.Assess(context.Background(), "TOKEN", 0.1, "payer", 0)
	})
	require.True(t, res.Degraded)
	require.Equal(t, RiskHigh, res.Level)
}

func TestAssessSnapshotShared(t *testing.T) {
	chain := &fakeChain{txs: []TxSummary{{Signature: "sig", Signer: "s", Time: time.Now(), Size: 0.01, PriorityFee: 10}}}
	assessor := newTestAssessor(chain)

	for i := 0; i < 5; i++ {
		assessor.Assess(context.Background(), "TOKEN", 0.1, "payer", 0)
	}
	chain.mu.Lock()
	defer chain.mu.Unlock()
	require.Equal(t, 1, chain.txCalls)
}

func TestRecordAttackPattern(t *testing.T) {
	ctx := context.Background()
	assessor := newTestAssessor(&fakeChain{})

	err := assessor.RecordAttackPattern(ctx, AttackRecord{Asset: "TOKEN", Pattern: "liquidation", Actor: "att1"})
	require.ErrorIs(t, err, ErrUnknownPattern)

	require.NoError(t, assessor.RecordAttackPattern(ctx, AttackRecord{Asset: "TOKEN", Pattern: PatternSandwich, Actor: "att1", Size: 2, PriceImpact: 12}))
	records := assessor.RecentAttacks("TOKEN")
	require.Len(t, records, 1)
	require.Equal(t, PatternSandwich, records[0].Pattern)
	require.False(t, records[0].Time.IsZero())

	flagged, err := assessor.flags.IsFlagged(ctx, "att1")
	require.NoError(t, err)
	require.True(t, flagged)
}
