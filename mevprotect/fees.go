package mevprotect

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/solshield/mev-protect-node/coalesce"
)

const (
	attackRecencyTTL    = 5 * time.Minute
	attackPruneInterval = time.Minute

	// liquidity tiers in SOL
	liquidityTierCritical = 5.0
	liquidityTierLow      = 20.0
	liquidityTierModest   = 50.0

	// market cap tiers in USD
	marketCapTierMicro = 100_000.0
	marketCapTierSmall = 1_000_000.0

	// implied TPS at which the network counts as fully congested
	congestedTPS = 5000.0
)

// FeeConfig carries the fee-model knobs separate from the global protection
// config.
type FeeConfig struct {
	FeePercentile      float64
	ReferenceTradeSize float64
	ReferenceImpact    float64
	ActivityTTL        time.Duration
	PerfSampleCount    int
}

func DefaultFeeConfig() FeeConfig {
	return FeeConfig{
		FeePercentile:      0.90,
		ReferenceTradeSize: 1.0,
		ReferenceImpact:    10,
		ActivityTTL:        30 * time.Second,
		PerfSampleCount:    12,
	}
}

// networkActivity is the cached estimate of current network conditions.
type networkActivity struct {
	BaseFee uint64
	MeanFee uint64
	TPS     float64
	Samples int
}

// feeBump is one additive risk surcharge. Fee is micro-lamports per compute
// unit, Tip is lamports.
type feeBump struct {
	name string
	fee  uint64
	tip  uint64
}

// FeeCalculator turns trade attributes and network conditions into a
// priority-fee and relay-tip recommendation. Calculate never returns an
// error, unusable inputs produce a conservative fallback.
type FeeCalculator struct {
	log  *zap.Logger
	cfg  ProtectionConfig
	fcfg FeeConfig

	activity   *coalesce.Group[networkActivity]
	lastAttack *gocache.Cache
	now        func() time.Time
}

func NewFeeCalculator(log *zap.Logger, chain ChainClient, cfg ProtectionConfig, fcfg FeeConfig) *FeeCalculator {
	c := &FeeCalculator{
		log:        log.Named("fees"),
		cfg:        cfg,
		fcfg:       fcfg,
		lastAttack: gocache.New(attackRecencyTTL, attackPruneInterval),
		now:        time.Now,
	}
	c.activity = coalesce.NewGroup[networkActivity](func(ctx context.Context, _ string) (networkActivity, error) {
		return fetchNetworkActivity(ctx, c.log, chain, fcfg)
	}, fcfg.ActivityTTL)
	return c
}

// NoteAttack marks an asset as recently attacked. The mark decays over five
// minutes and feeds the recency bonus of the risk score.
func (c *FeeCalculator) NoteAttack(asset string) {
	c.lastAttack.Set(asset, c.now(), gocache.DefaultExpiration)
}

// Calculate computes the fee recommendation for one prospective trade.
func (c *FeeCalculator) Calculate(ctx context.Context, asset string, factors RiskFactors) (res FeeCalculation) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Fee calculation panicked, falling back to conservative result",
				zap.Any("panic", r), zap.String("asset", TruncateID(asset, 12)))
			res = c.fallbackCalculation()
		}
	}()

	activity, err := c.activity.Do(ctx, "network")
	if err != nil {
		c.log.Warn("Network activity unavailable, using fallback fee",
			zap.Error(err), zap.String("asset", TruncateID(asset, 12)))
		return c.fallbackCalculation()
	}

	baseFee := activity.BaseFee
	if baseFee == 0 {
		baseFee = c.cfg.FallbackPriorityFee
	}

	congestion := Clamp(factors.Congestion, 0, 1)
	if congestion == 0 && activity.TPS > 0 {
		// caller gave no congestion estimate, derive one from observed TPS
		congestion = Clamp(activity.TPS/congestedTPS, 0, 1)
	}

	score, explanation := c.riskScore(asset, factors, congestion)
	level := RiskLevelFromScore(score)

	adjustment := baseFee * adjustmentPercent(level) / 100
	tip := tipForRisk(level)
	for _, bump := range c.riskBumps(factors, congestion) {
		adjustment += bump.fee
		tip += bump.tip
		explanation = append(explanation, fmt.Sprintf("surcharge for %s", bump.name))
	}

	maxTotal := uint64(float64(baseFee) * c.cfg.MaxFeeMultiplier)
	if maxTotal < baseFee {
		maxTotal = baseFee
	}
	if baseFee+adjustment > maxTotal {
		c.log.Warn("Fee adjustment trimmed to the configured cap",
			zap.Uint64("baseFee", baseFee), zap.Uint64("adjustment", adjustment),
			zap.Float64("maxMultiplier", c.cfg.MaxFeeMultiplier), zap.String("asset", TruncateID(asset, 12)))
		adjustment = maxTotal - baseFee
		explanation = append(explanation, fmt.Sprintf("fee capped at %.1fx base", c.cfg.MaxFeeMultiplier))
	}

	clamped := ClampUint64(tip, c.cfg.TipFloor, c.cfg.TipCeiling)
	if clamped != tip {
		explanation = append(explanation, fmt.Sprintf("tip clamped from %d to %d lamports", tip, clamped))
	}

	explanation = append(explanation,
		fmt.Sprintf("base fee %d micro-lamports (p%.0f of %d samples)", baseFee, c.fcfg.FeePercentile*100, activity.Samples))

	return FeeCalculation{
		BaseFee:       baseFee,
		MevAdjustment: adjustment,
		TotalFee:      baseFee + adjustment,
		RelayTip:      clamped,
		Level:         level,
		Score:         score,
		Explanation:   explanation,
	}
}

func (c *FeeCalculator) riskScore(asset string, factors RiskFactors, congestion float64) (float64, []string) {
	var score float64
	var explanation []string

	if pts := Clamp(factors.TradeSize/c.fcfg.ReferenceTradeSize, 0, 1) * 25; pts > 0 {
		score += pts
		explanation = append(explanation, fmt.Sprintf("trade size %.3f SOL adds %.1f", factors.TradeSize, pts))
	}
	if pts := Clamp(factors.PriceImpact/c.fcfg.ReferenceImpact, 0, 1) * 20; pts > 0 {
		score += pts
		explanation = append(explanation, fmt.Sprintf("price impact %.2f%% adds %.1f", factors.PriceImpact, pts))
	}
	if pts := liquidityPoints(factors.Liquidity); pts > 0 {
		score += pts
		explanation = append(explanation, fmt.Sprintf("thin liquidity %.1f SOL adds %.0f", factors.Liquidity, pts))
	}
	if factors.NewAsset {
		score += 15
		explanation = append(explanation, "new asset adds 15")
	}
	if pts := congestion * 10; pts > 0 {
		score += pts
		explanation = append(explanation, fmt.Sprintf("congestion %.2f adds %.1f", congestion, pts))
	}
	if pts := marketCapPoints(factors.MarketCap); pts > 0 {
		score += pts
		explanation = append(explanation, fmt.Sprintf("market cap %.0f adds %.0f", factors.MarketCap, pts))
	}
	if pts := c.attackRecencyPoints(asset); pts > 0 {
		score += pts
		explanation = append(explanation, fmt.Sprintf("recent attack on asset adds %.1f", pts))
	}

	return Clamp(score, 0, 100), explanation
}

// attackRecencyPoints decays linearly from 5 to 0 as the last recorded attack
// ages out of the recency window.
func (c *FeeCalculator) attackRecencyPoints(asset string) float64 {
	v, ok := c.lastAttack.Get(asset)
	if !ok {
		return 0
	}
	at, ok := v.(time.Time)
	if !ok {
		return 0
	}
	age := c.now().Sub(at)
	if age < 0 {
		age = 0
	}
	if age >= attackRecencyTTL {
		return 0
	}
	return 5 * (1 - float64(age)/float64(attackRecencyTTL))
}

func (c *FeeCalculator) riskBumps(factors RiskFactors, congestion float64) []feeBump {
	var bumps []feeBump
	if factors.TradeSize >= c.fcfg.ReferenceTradeSize/2 {
		bumps = append(bumps, feeBump{name: "large trade size", fee: 2_000, tip: 100_000})
	}
	if factors.PriceImpact >= c.fcfg.ReferenceImpact/2 {
		bumps = append(bumps, feeBump{name: "high price impact", fee: 3_000, tip: 150_000})
	}
	if congestion >= 0.7 {
		bumps = append(bumps, feeBump{name: "network congestion", fee: 2_500, tip: 100_000})
	}
	if factors.NewAsset {
		bumps = append(bumps, feeBump{name: "new asset premium", fee: 1_500, tip: 50_000})
	}
	return bumps
}

// fallbackCalculation is the conservative result used when network conditions
// cannot be read: a 50% markup over the configured fallback fee and the
// medium tip tier.
func (c *FeeCalculator) fallbackCalculation() FeeCalculation {
	baseFee := c.cfg.FallbackPriorityFee
	adjustment := baseFee / 2
	return FeeCalculation{
		BaseFee:       baseFee,
		MevAdjustment: adjustment,
		TotalFee:      baseFee + adjustment,
		RelayTip:      ClampUint64(TipTierMedium, c.cfg.TipFloor, c.cfg.TipCeiling),
		Level:         RiskMedium,
		Score:         40,
		Explanation:   []string{"network conditions unavailable, conservative fallback"},
		Degraded:      true,
	}
}

func adjustmentPercent(level RiskLevel) uint64 {
	switch level {
	case RiskCritical:
		return 100
	case RiskHigh:
		return 60
	case RiskMedium:
		return 30
	default:
		return 10
	}
}

func liquidityPoints(liquidity float64) float64 {
	switch {
	case liquidity < liquidityTierCritical:
		return 15
	case liquidity < liquidityTierLow:
		return 10
	case liquidity < liquidityTierModest:
		return 5
	default:
		return 0
	}
}

func marketCapPoints(marketCap float64) float64 {
	switch {
	case marketCap < marketCapTierMicro:
		return 10
	case marketCap < marketCapTierSmall:
		return 5
	default:
		return 0
	}
}

func fetchNetworkActivity(ctx context.Context, log *zap.Logger, chain ChainClient, fcfg FeeConfig) (networkActivity, error) {
	samples, err := chain.RecentPrioritizationFees(ctx)
	if err != nil {
		return networkActivity{}, fmt.Errorf("prioritization fees: %w", err)
	}

	fees := make([]uint64, 0, len(samples))
	var sum uint64
	for _, s := range samples {
		fees = append(fees, s.PriorityFee)
		sum += s.PriorityFee
	}
	activity := networkActivity{
		BaseFee: Percentile(fees, fcfg.FeePercentile),
		Samples: len(fees),
	}
	if len(fees) > 0 {
		activity.MeanFee = sum / uint64(len(fees))
	}

	// TPS is advisory, a failed fetch degrades it to zero
	perf, err := chain.RecentPerformanceSamples(ctx, fcfg.PerfSampleCount)
	if err != nil {
		log.Debug("Performance sample fetch failed", zap.Error(err))
		return activity, nil
	}
	var txCount, secs uint64
	for _, p := range perf {
		txCount += p.NumTransactions
		secs += uint64(p.PeriodSecs)
	}
	if secs > 0 {
		activity.TPS = float64(txCount) / float64(secs)
	}
	return activity, nil
}
