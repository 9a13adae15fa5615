package mevprotect

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func feeSamples(n int, fee uint64) []FeeSample {
	samples := make([]FeeSample, n)
	for i := range samples {
		samples[i] = FeeSample{Slot: uint64(i), PriorityFee: fee}
	}
	return samples
}

func newTestFeeCalculator(chain ChainClient) *FeeCalculator {
	return NewFeeCalculator(zap.NewNop(), chain, DefaultProtectionConfig(), DefaultFeeConfig())
}

func TestCalculateQuietTrade(t *testing.T) {
	calc := newTestFeeCalculator(&fakeChain{fees: feeSamples(20, 10_000)})

	res := calc.Calculate(context.Background(), "TOKEN", RiskFactors{
		TradeSize:   0.01,
		PriceImpact: 1.0,
		Liquidity:   50,
		Congestion:  0.1,
	})
	require.Equal(t, RiskLow, res.Level)
	require.Equal(t, uint64(10_000), res.BaseFee)
	// low risk pays a 10% markup and the low tip tier
	require.Equal(t, uint64(1_000), res.MevAdjustment)
	require.Equal(t, uint64(11_000), res.TotalFee)
	require.Equal(t, TipTierLow, res.RelayTip)
	require.False(t, res.Degraded)
	require.NotEmpty(t, res.Explanation)
}

func TestCalculateRiskyTrade(t *testing.T) {
	calc := newTestFeeCalculator(&fakeChain{fees: feeSamples(20, 10_000)})
	calc.NoteAttack("TOKEN")

	res := calc.Calculate(context.Background(), "TOKEN", RiskFactors{
		TradeSize:   0.15,
		PriceImpact: 8.5,
		Liquidity:   10,
		NewAsset:    true,
		Congestion:  0.8,
	})
	require.Equal(t, RiskHigh, res.Level)
	require.InDelta(t, 68.75, res.Score, 0.01)
	// 60% of base plus impact, congestion and new-asset surcharges
	require.Equal(t, uint64(13_000), res.MevAdjustment)
	require.Equal(t, res.BaseFee+res.MevAdjustment, res.TotalFee)
	// high tier nudged by the same surcharges
	require.Equal(t, TipTierHigh+300_000, res.RelayTip)
}

func TestCalculateTrimsFeeAtCap(t *testing.T) {
	calc := newTestFeeCalculator(&fakeChain{fees: feeSamples(20, 1_000)})

	res := calc.Calculate(context.Background(), "TOKEN", RiskFactors{
		TradeSize:   10,
		PriceImpact: 50,
		Liquidity:   1,
		NewAsset:    true,
		Congestion:  1,
	})
	require.Equal(t, RiskCritical, res.Level)
	require.Equal(t, uint64(3_000), res.TotalFee)
	require.Equal(t, res.TotalFee-res.BaseFee, res.MevAdjustment)
	require.Contains(t, res.Explanation, "fee capped at 3.0x base")
}

func TestCalculateClampsTip(t *testing.T) {
	cfg := DefaultProtectionConfig()
	cfg.TipCeiling = 500_000
	calc := NewFeeCalculator(zap.NewNop(), &fakeChain{fees: feeSamples(20, 10_000)}, cfg, DefaultFeeConfig())

	res := calc.Calculate(context.Background(), "TOKEN", RiskFactors{
		TradeSize:   10,
		PriceImpact: 50,
		Liquidity:   1,
		NewAsset:    true,
		Congestion:  1,
	})
	require.Equal(t, uint64(500_000), res.RelayTip)

	cfg = DefaultProtectionConfig()
	cfg.TipFloor = 200_000
	calc = NewFeeCalculator(zap.NewNop(), &fakeChain{fees: feeSamples(20, 10_000)}, cfg, DefaultFeeConfig())
	res = calc.Calculate(context.Background(), "TOKEN", RiskFactors{Liquidity: 100, MarketCap: 5_000_000})
	require.Equal(t, uint64(200_000), res.RelayTip)
}

func TestCalculateFallback(t *testing.T) {
	calc := newTestFeeCalculator(&fakeChain{feesErr: context.DeadlineExceeded})

	res := calc.Calculate(context.Background(), "TOKEN", RiskFactors{TradeSize: 0.5})
	require.True(t, res.Degraded)
	require.Equal(t, RiskMedium, res.Level)
	require.Equal(t, res.BaseFee/2, res.MevAdjustment)
	require.Equal(t, res.BaseFee+res.MevAdjustment, res.TotalFee)
	require.Equal(t, TipTierMedium, res.RelayTip)
}

func TestCalculateCongestionFromTPS(t *testing.T) {
	chain := &fakeChain{
		fees: feeSamples(20, 10_000),
		perf: []PerfSample{
			{NumTransactions: 300_000, NumSlots: 150, PeriodSecs: 60},
			{NumTransactions: 300_000, NumSlots: 150, PeriodSecs: 60},
		},
	}
	calc := newTestFeeCalculator(chain)

	// no caller congestion estimate, 5000 TPS implies a congested network
	res := calc.Calculate(context.Background(), "TOKEN", RiskFactors{Liquidity: 100, MarketCap: 5_000_000})
	require.InDelta(t, 10.0, res.Score, 0.01)
	// 10% of base plus the congestion surcharge
	require.Equal(t, uint64(1_000+2_500), res.MevAdjustment)
}

func TestAttackRecencyDecays(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	calc := newTestFeeCalculator(&fakeChain{fees: feeSamples(20, 10_000)})
	calc.now = func() time.Time { return clock }

	require.Zero(t, calc.attackRecencyPoints("TOKEN"))

	calc.NoteAttack("TOKEN")
	require.InDelta(t, 5.0, calc.attackRecencyPoints("TOKEN"), 0.01)

	clock = clock.Add(attackRecencyTTL / 2)
	require.InDelta(t, 2.5, calc.attackRecencyPoints("TOKEN"), 0.01)

	clock = clock.Add(attackRecencyTTL / 2)
	require.Zero(t, calc.attackRecencyPoints("TOKEN"))
}

func TestCalculateIdempotent(t *testing.T) {
	calc := newTestFeeCalculator(&fakeChain{fees: feeSamples(20, 10_000)})
	factors := RiskFactors{TradeSize: 0.3, PriceImpact: 4, Liquidity: 25, Congestion: 0.4}

	first := calc.Calculate(context.Background(), "TOKEN", factors)
	second := calc.Calculate(context.Background(), "TOKEN", factors)
	require.Equal(t, first, second)
}

func TestCalculateFuzzedInvariants(t *testing.T) {
	cfg := DefaultProtectionConfig()
	calc := newTestFeeCalculator(&fakeChain{fees: feeSamples(40, 10_000)})
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		factors := RiskFactors{
			TradeSize:   rng.Float64()*20 - 2,
			Liquidity:   rng.Float64() * 100,
			PriceImpact: rng.Float64()*100 - 10,
			MarketCap:   rng.Float64() * 10_000_000,
			NewAsset:    rng.Intn(2) == 0,
			Congestion:  rng.Float64()*2 - 0.5,
		}
		res := calc.Calculate(context.Background(), "TOKEN", factors)

		require.GreaterOrEqual(t, res.Score, 0.0)
		require.LessOrEqual(t, res.Score, 100.0)
		require.Equal(t, RiskLevelFromScore(res.Score), res.Level)
		require.Equal(t, res.TotalFee-res.BaseFee, res.MevAdjustment)
		require.LessOrEqual(t, float64(res.TotalFee), float64(res.BaseFee)*cfg.MaxFeeMultiplier)
		require.GreaterOrEqual(t, res.RelayTip, cfg.TipFloor)
		require.LessOrEqual(t, res.RelayTip, cfg.TipCeiling)
	}
}
