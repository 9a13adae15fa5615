package mevprotect

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/solshield/mev-protect-node/coalesce"
)

// Point contributions per signal. The sum is clamped to 100.
const (
	pointsLargeTrade         = 15
	pointsFlaggedActor       = 25
	pointsAssetCongestion    = 10
	pointsRepeatedFrontrun   = 20
	pointsCoordinatedActor   = 15
	pointsImpactVariance     = 12
	pointsImpactDivergence   = 20
	pointsFeeSpike           = 10
	pointsHighNetworkFee     = 15
	pointsModerateNetworkFee = 8
)

// Delays by assessment level, with bonuses for the strongest signals.
const (
	delayCritical      = 10 * time.Second
	delayHigh          = 5 * time.Second
	delayMedium        = 2 * time.Second
	delayFlaggedActor  = 5 * time.Second
	delayLargeTrade    = 2 * time.Second
	maxAssessmentDelay = 30 * time.Second
)

// AssessorConfig carries the detection thresholds. These are policy knobs
// rather than validated constants, tune them against observed traffic.
type AssessorConfig struct {
	SnapshotTTL           time.Duration
	RecentTxLimit         int
	LargeTradeThreshold   float64
	LargeTradeMaxAge      time.Duration
	CongestionTxCount     int
	RepeatPatternCount    int
	CoordinatedCount      int
	ImpactVarianceRatio   float64
	ImpactDivergenceRatio float64
	FeeSpikeFactor        float64
	HighNetworkFee        uint64
	ModerateNetworkFee    uint64
}

func DefaultAssessorConfig() AssessorConfig {
	return AssessorConfig{
		SnapshotTTL:           30 * time.Second,
		RecentTxLimit:         50,
		LargeTradeThreshold:   0.5,
		LargeTradeMaxAge:      60 * time.Second,
		CongestionTxCount:     15,
		RepeatPatternCount:    2,
		CoordinatedCount:      3,
		ImpactVarianceRatio:   0.5,
		ImpactDivergenceRatio: 0.3,
		FeeSpikeFactor:        5,
		HighNetworkFee:        100_000,
		ModerateNetworkFee:    20_000,
	}
}

// MempoolAssessor scores the attack risk of a prospective trade from recent
// asset activity and the recorded attack history. Assess never returns an
// error, a broken input degrades the affected signal or the whole result.
type MempoolAssessor struct {
	log      *zap.Logger
	chain    ChainClient
	flags    ActorFlagStore
	patterns *PatternStore
	impacts  *ImpactHistory
	cfg      AssessorConfig

	snapshots *coalesce.Group[*MempoolSnapshot]
	now       func() time.Time
}

func NewMempoolAssessor(log *zap.Logger, chain ChainClient, flags ActorFlagStore, cfg AssessorConfig) *MempoolAssessor {
	a := &MempoolAssessor{
		log:      log.Named("assessor"),
		chain:    chain,
		flags:    flags,
		patterns: NewPatternStore(),
		impacts:  NewImpactHistory(),
		cfg:      cfg,
		now:      time.Now,
	}
	a.snapshots = coalesce.NewGroup[*MempoolSnapshot](a.takeSnapshot, cfg.SnapshotTTL)
	return a
}

// Assess scores one prospective trade. expectedImpact is the caller's own
// price impact estimate in percent, zero when unknown.
func (a *MempoolAssessor) Assess(ctx context.Context, asset string, tradeSize float64, actor string, expectedImpact float64) (res RiskAssessment) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("Assessment panicked, falling back to conservative result",
				zap.Any("panic", r), zap.String("asset", TruncateID(asset, 12)))
			res = ConservativeAssessment("internal assessment failure")
		}
	}()

	snapshot, err := a.snapshots.Do(ctx, asset)
	if err != nil {
		a.log.Warn("Mempool snapshot unavailable, assuming elevated risk",
			zap.Error(err), zap.String("asset", TruncateID(asset, 12)))
		return ConservativeAssessment("mempool snapshot unavailable")
	}

	var (
		score          float64
		indicators     []RiskIndicator
		flaggedSeen    bool
		largeTradeSeen bool
	)

	if ind, ok := a.largeTradeSignal(snapshot, tradeSize); ok {
		score += pointsLargeTrade
		indicators = append(indicators, ind)
		largeTradeSeen = true
	}
	if ind, ok := a.flaggedActorSignal(snapshot); ok {
		score += pointsFlaggedActor
		indicators = append(indicators, ind)
		flaggedSeen = true
	}
	if ind, ok := a.assetCongestionSignal(snapshot); ok {
		score += pointsAssetCongestion
		indicators = append(indicators, ind)
	}
	if ind, ok := a.repeatedFrontrunSignal(asset); ok {
		score += pointsRepeatedFrontrun
		indicators = append(indicators, ind)
	}
	if ind, ok := a.coordinatedActorSignal(asset); ok {
		score += pointsCoordinatedActor
		indicators = append(indicators, ind)
	}
	if ind, ok := a.impactVarianceSignal(asset); ok {
		score += pointsImpactVariance
		indicators = append(indicators, ind)
	}
	if ind, ok := a.impactDivergenceSignal(asset, expectedImpact); ok {
		score += pointsImpactDivergence
		indicators = append(indicators, ind)
	}
	if ind, ok := a.feeSpikeSignal(snapshot); ok {
		score += pointsFeeSpike
		indicators = append(indicators, ind)
	}
	if ind, points := a.networkFeeSignal(ctx); points > 0 {
		score += points
		indicators = append(indicators, ind)
	}

	if expectedImpact > 0 {
		a.impacts.Append(asset, expectedImpact)
	}

	score = Clamp(score, 0, 100)
	level := RiskLevelFromScore(score)
	shouldDelay := level == RiskHigh || level == RiskCritical

	var delay time.Duration
	switch level {
	case RiskCritical:
		delay = delayCritical
	case RiskHigh:
		delay = delayHigh
	case RiskMedium:
		delay = delayMedium
	}
	if flaggedSeen {
		delay += delayFlaggedActor
	}
	if largeTradeSeen {
		delay += delayLargeTrade
	}
	if delay > maxAssessmentDelay {
		delay = maxAssessmentDelay
	}

	return RiskAssessment{
		Level:           level,
		Score:           score,
		Indicators:      indicators,
		Recommendations: assessmentRecommendations(level, flaggedSeen, largeTradeSeen),
		ShouldDelay:     shouldDelay,
		Delay:           delay,
		UsePrivateRelay: level != RiskLow,
	}
}

// RecordAttackPattern appends an observed attack to the per-asset history and
// flags the actor. A failing flag store does not fail the recording, the flag
// is advisory.
func (a *MempoolAssessor) RecordAttackPattern(ctx context.Context, rec AttackRecord) error {
	if _, err := ParseAttackPattern(string(rec.Pattern)); err != nil {
		return err
	}
	if rec.Time.IsZero() {
		rec.Time = a.now()
	}
	a.patterns.Record(rec)
	if rec.PriceImpact > 0 {
		a.impacts.Append(rec.Asset, rec.PriceImpact)
	}
	if err := a.flags.Flag(ctx, rec.Actor); err != nil {
		a.log.Warn("Failed to flag actor", zap.Error(err), zap.String("actor", TruncateID(rec.Actor, 12)))
	}
	return nil
}

// RecentAttacks exposes the in-window history for an asset.
func (a *MempoolAssessor) RecentAttacks(asset string) []AttackRecord {
	return a.patterns.RecentByAsset(asset)
}

func (a *MempoolAssessor) takeSnapshot(ctx context.Context, asset string) (*MempoolSnapshot, error) {
	txs, err := a.chain.RecentTransactions(ctx, asset, a.cfg.RecentTxLimit)
	if err != nil {
		return nil, fmt.Errorf("recent transactions: %w", err)
	}

	snapshot := &MempoolSnapshot{
		Asset:        asset,
		Transactions: txs,
		TakenAt:      a.now(),
	}

	var feeSum uint64
	signers := make([]string, 0, len(txs))
	seen := make(map[string]struct{}, len(txs))
	for _, tx := range txs {
		feeSum += tx.PriorityFee
		if tx.Size >= a.cfg.LargeTradeThreshold {
			snapshot.LargeTrades = append(snapshot.LargeTrades, tx)
		}
		if _, ok := seen[tx.Signer]; !ok && tx.Signer != "" {
			seen[tx.Signer] = struct{}{}
			signers = append(signers, tx.Signer)
		}
	}
	if len(txs) > 0 {
		snapshot.MeanPriorityFee = feeSum / uint64(len(txs))
	}

	flagged, err := a.flags.Flagged(ctx, signers)
	if err != nil {
		// degrade the flagged-actor signal to zero instead of failing the snapshot
		a.log.Warn("Flag store lookup failed", zap.Error(err), zap.String("asset", TruncateID(asset, 12)))
	} else {
		snapshot.FlaggedSigners = flagged
	}
	return snapshot, nil
}

func (a *MempoolAssessor) largeTradeSignal(snapshot *MempoolSnapshot, tradeSize float64) (RiskIndicator, bool) {
	cutoff := a.now().Add(-a.cfg.LargeTradeMaxAge)
	for _, tx := range snapshot.LargeTrades {
		if tx.Time.Before(cutoff) {
			continue
		}
		severity := SeverityMedium
		if tradeSize > 0 && tx.Size >= 2*tradeSize {
			severity = SeverityHigh
		}
		return RiskIndicator{
			Kind:        "large-pending-trade",
			Severity:    severity,
			Confidence:  0.7,
			Description: fmt.Sprintf("pending trade of %.3f SOL ahead of this trade", tx.Size),
			Evidence:    TruncateID(tx.Signature, 16),
		}, true
	}
	return RiskIndicator{}, false
}

func (a *MempoolAssessor) flaggedActorSignal(snapshot *MempoolSnapshot) (RiskIndicator, bool) {
	if len(snapshot.FlaggedSigners) == 0 {
		return RiskIndicator{}, false
	}
	return RiskIndicator{
		Kind:        "flagged-actor",
		Severity:    SeverityHigh,
		Confidence:  0.9,
		Description: fmt.Sprintf("%d known attacker(s) active on this asset", len(snapshot.FlaggedSigners)),
		Evidence:    TruncateID(snapshot.FlaggedSigners[0], 16),
	}, true
}

func (a *MempoolAssessor) assetCongestionSignal(snapshot *MempoolSnapshot) (RiskIndicator, bool) {
	if len(snapshot.Transactions) <= a.cfg.CongestionTxCount {
		return RiskIndicator{}, false
	}
	return RiskIndicator{
		Kind:        "asset-congestion",
		Severity:    SeverityMedium,
		Confidence:  0.6,
		Description: fmt.Sprintf("%d recent transactions on this asset", len(snapshot.Transactions)),
	}, true
}

func (a *MempoolAssessor) repeatedFrontrunSignal(asset string) (RiskIndicator, bool) {
	var frontruns int
	for _, rec := range a.patterns.RecentByAsset(asset) {
		if rec.Pattern == PatternFrontrun || rec.Pattern == PatternSandwich {
			frontruns++
		}
	}
	if frontruns < a.cfg.RepeatPatternCount {
		return RiskIndicator{}, false
	}
	return RiskIndicator{
		Kind:        "repeated-frontrun",
		Severity:    SeverityHigh,
		Confidence:  0.8,
		Description: fmt.Sprintf("%d front-run attempts on this asset in the last %s", frontruns, patternWindow),
	}, true
}

func (a *MempoolAssessor) coordinatedActorSignal(asset string) (RiskIndicator, bool) {
	perActor := make(map[string]int)
	for _, rec := range a.patterns.RecentByAsset(asset) {
		if rec.Actor == "" {
			continue
		}
		perActor[rec.Actor]++
	}
	for actor, count := range perActor {
		if count >= a.cfg.CoordinatedCount {
			return RiskIndicator{
				Kind:        "coordinated-actor",
				Severity:    SeverityHigh,
				Confidence:  0.75,
				Description: fmt.Sprintf("%d attacks from one actor in the last %s", count, patternWindow),
				Evidence:    TruncateID(actor, 16),
			}, true
		}
	}
	return RiskIndicator{}, false
}

func (a *MempoolAssessor) impactVarianceSignal(asset string) (RiskIndicator, bool) {
	impacts := a.impacts.Recent(asset)
	if len(impacts) < 2 {
		return RiskIndicator{}, false
	}
	mean := Mean(impacts)
	if mean <= 0 {
		return RiskIndicator{}, false
	}
	variance := Variance(impacts)
	if variance <= a.cfg.ImpactVarianceRatio*mean {
		return RiskIndicator{}, false
	}
	return RiskIndicator{
		Kind:        "impact-variance",
		Severity:    SeverityMedium,
		Confidence:  0.6,
		Description: fmt.Sprintf("price impact unstable, variance %.2f against mean %.2f%%", variance, mean),
	}, true
}

func (a *MempoolAssessor) impactDivergenceSignal(asset string, expectedImpact float64) (RiskIndicator, bool) {
	if expectedImpact <= 0 {
		return RiskIndicator{}, false
	}
	impacts := a.impacts.Recent(asset)
	if len(impacts) == 0 {
		return RiskIndicator{}, false
	}
	observed := Mean(impacts)
	if observed <= 0 {
		return RiskIndicator{}, false
	}
	diff := observed - expectedImpact
	if diff < 0 {
		diff = -diff
	}
	if diff/expectedImpact <= a.cfg.ImpactDivergenceRatio {
		return RiskIndicator{}, false
	}
	return RiskIndicator{
		Kind:        "impact-divergence",
		Severity:    SeverityHigh,
		Confidence:  0.7,
		Description: fmt.Sprintf("observed impact %.2f%% diverges from expected %.2f%%", observed, expectedImpact),
	}, true
}

func (a *MempoolAssessor) feeSpikeSignal(snapshot *MempoolSnapshot) (RiskIndicator, bool) {
	if snapshot.MeanPriorityFee == 0 {
		return RiskIndicator{}, false
	}
	var maxFee uint64
	for _, tx := range snapshot.Transactions {
		if tx.PriorityFee > maxFee {
			maxFee = tx.PriorityFee
		}
	}
	if float64(maxFee) <= a.cfg.FeeSpikeFactor*float64(snapshot.MeanPriorityFee) {
		return RiskIndicator{}, false
	}
	return RiskIndicator{
		Kind:        "fee-spike",
		Severity:    SeverityMedium,
		Confidence:  0.65,
		Description: fmt.Sprintf("max priority fee %d is over %.0fx the asset mean %d", maxFee, a.cfg.FeeSpikeFactor, snapshot.MeanPriorityFee),
	}, true
}

func (a *MempoolAssessor) networkFeeSignal(ctx context.Context) (RiskIndicator, float64) {
	samples, err := a.chain.RecentPrioritizationFees(ctx)
	if err != nil || len(samples) == 0 {
		if err != nil {
			a.log.Debug("Prioritization fee fetch failed, skipping network signal", zap.Error(err))
		}
		return RiskIndicator{}, 0
	}
	var sum uint64
	for _, s := range samples {
		sum += s.PriorityFee
	}
	mean := sum / uint64(len(samples))
	switch {
	case mean >= a.cfg.HighNetworkFee:
		return RiskIndicator{
			Kind:        "network-congestion",
			Severity:    SeverityHigh,
			Confidence:  0.8,
			Description: fmt.Sprintf("network prioritization fees elevated, mean %d micro-lamports", mean),
		}, pointsHighNetworkFee
	case mean >= a.cfg.ModerateNetworkFee:
		return RiskIndicator{
			Kind:        "network-congestion",
			Severity:    SeverityMedium,
			Confidence:  0.7,
			Description: fmt.Sprintf("network prioritization fees raised, mean %d micro-lamports", mean),
		}, pointsModerateNetworkFee
	default:
		return RiskIndicator{}, 0
	}
}

func assessmentRecommendations(level RiskLevel, flaggedSeen, largeTradeSeen bool) []string {
	var recs []string
	if level != RiskLow {
		recs = append(recs, "route through private relay")
	}
	if flaggedSeen {
		recs = append(recs, "delay until flagged actors go quiet")
	}
	if largeTradeSeen {
		recs = append(recs, "wait for pending large trades to settle")
	}
	if level == RiskCritical {
		recs = append(recs, "consider holding this trade")
	}
	return recs
}

// ConservativeAssessment is the fallback when risk inputs cannot be read.
// Unknown risk is treated as elevated risk.
func ConservativeAssessment(reason string) RiskAssessment {
	return RiskAssessment{
		Level: RiskHigh,
		Score: 60,
		Indicators: []RiskIndicator{{
			Kind:        "assessment-degraded",
			Severity:    SeverityHigh,
			Confidence:  1,
			Description: "risk inputs unavailable, assuming elevated risk",
			Evidence:    reason,
		}},
		Recommendations: []string{"route through private relay", "retry once inputs recover"},
		ShouldDelay:     true,
		Delay:           delayHigh,
		UsePrivateRelay: true,
		Degraded:        true,
	}
}
