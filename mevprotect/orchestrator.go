package mevprotect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/solshield/mev-protect-node/metrics"
)

const (
	bundleRateAlpha    = 0.2
	publicConfirmPolls = 3
)

// BundleSubmitter is the relay path as the orchestrator sees it.
type BundleSubmitter interface {
	Submit(ctx context.Context, txs []string, payer string, tipOverride uint64) SubmitResult
}

// ExecutionStore persists outcomes and attack records. Persistence is best
// effort, a failing store never fails a trade.
type ExecutionStore interface {
	InsertAttackRecord(ctx context.Context, rec AttackRecord) error
	InsertExecutionResult(ctx context.Context, decision ProtectionDecision, res ExecutionResult) error
}

// AlertPublisher pushes sanitized notifications about recorded attacks.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert Alert) error
}

// Orchestrator fuses the mempool and fee assessments into one decision and
// drives execution through the relay or the public path.
type Orchestrator struct {
	log      *zap.Logger
	cfg      ProtectionConfig
	assessor *MempoolAssessor
	fees     *FeeCalculator
	relay    BundleSubmitter
	chain    ChainClient
	store    ExecutionStore
	alerts   AlertPublisher

	sleep sleepFunc
	now   func() time.Time

	mu              sync.Mutex
	totalTrades     uint64
	protectedTrades uint64
	savedEstimate   float64
	bundleRate      float64
	bundleSamples   int
}

// NewOrchestrator wires the protection pipeline. store and alerts may be nil
// when persistence or alerting is not configured.
func NewOrchestrator(log *zap.Logger, cfg ProtectionConfig, assessor *MempoolAssessor, fees *FeeCalculator,
	relay BundleSubmitter, chain ChainClient, store ExecutionStore, alerts AlertPublisher,
) *Orchestrator {
	return &Orchestrator{
		log:      log.Named("orchestrator"),
		cfg:      cfg,
		assessor: assessor,
		fees:     fees,
		relay:    relay,
		chain:    chain,
		store:    store,
		alerts:   alerts,
		sleep:    contextSleep,
		now:      time.Now,
	}
}

// Analyze runs both assessors concurrently and combines them. It never
// returns an error, a total failure yields the fixed conservative decision.
func (o *Orchestrator) Analyze(ctx context.Context, req TradeRequest) (decision ProtectionDecision) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("Analysis panicked, falling back to conservative decision",
				zap.Any("panic", r), zap.String("asset", TruncateID(req.Asset, 12)))
			decision = ConservativeDecision("internal analysis failure")
		}
	}()
	metrics.IncTradesAnalyzed()

	if !o.cfg.Enabled {
		return ProtectionDecision{
			Proceed:     true,
			Level:       ProtectionNone,
			OverallRisk: RiskLow,
			Reason:      "protection disabled",
		}
	}

	var (
		wg         sync.WaitGroup
		assessment RiskAssessment
		feeCalc    FeeCalculation
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		assessment = o.assessor.Assess(ctx, req.Asset, req.TradeSize, req.Actor, req.ExpectedImpact)
	}()
	go func() {
		defer wg.Done()
		feeCalc = o.fees.Calculate(ctx, req.Asset, req.Factors)
	}()
	wg.Wait()

	if assessment.Degraded && feeCalc.Degraded {
		o.log.Warn("Both assessors degraded, using conservative decision",
			zap.String("asset", TruncateID(req.Asset, 12)))
		return ConservativeDecision("risk inputs unavailable")
	}

	decision = o.combine(req, assessment, feeCalc)
	if decision.OverallRisk == RiskCritical && o.alerts != nil {
		if err := o.alerts.PublishAlert(ctx, CriticalRiskAlert(req.Asset, decision.OverallScore, o.now())); err != nil {
			o.log.Warn("Failed to publish critical risk alert", zap.Error(err))
		}
	}
	return decision
}

func (o *Orchestrator) combine(req TradeRequest, assessment RiskAssessment, feeCalc FeeCalculation) ProtectionDecision {
	level := maxRiskLevel(assessment.Level, feeCalc.Level)
	// escalate when both assessors sit just below critical on their own
	meanRank := (float64(assessment.Level.Rank()) + float64(feeCalc.Level.Rank())) / 2
	if meanRank >= 3.5 {
		level = RiskCritical
	}

	decision := ProtectionDecision{
		PriorityFee:     feeCalc.TotalFee,
		RelayTip:        feeCalc.RelayTip,
		OverallRisk:     level,
		OverallScore:    0.6*assessment.Score + 0.4*feeCalc.Score,
		Recommendations: assessment.Recommendations,
	}
	switch level {
	case RiskCritical:
		decision.Proceed = false
		decision.UsePrivateRelay = true
		decision.Delay = maxDuration(assessment.Delay, delayCritical)
		decision.Level = ProtectionAggressive
		decision.Reason = "critical attack risk"
	case RiskHigh:
		decision.Proceed = true
		decision.UsePrivateRelay = true
		decision.Delay = maxDuration(assessment.Delay, delayHigh)
		decision.Level = ProtectionAggressive
	case RiskMedium:
		decision.Proceed = true
		decision.UsePrivateRelay = req.TradeSize > 0.05
		decision.Delay = maxDuration(assessment.Delay, delayMedium)
		decision.Level = ProtectionStandard
	default:
		decision.Proceed = true
		decision.UsePrivateRelay = req.TradeSize > 0.1
		decision.Delay = 0
		decision.Level = ProtectionBasic
	}
	return decision
}

// Execute serves one decision: wait out the delay, then submit through the
// relay or the public path. Errors surface in the result, never as a panic.
func (o *Orchestrator) Execute(ctx context.Context, encodedTx, payer string, decision *ProtectionDecision) (res ExecutionResult) {
	start := o.now()
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("Execution panicked", zap.Any("panic", r))
			res = ExecutionResult{
				Method:   MethodPublic,
				Err:      ErrInternalServiceError.Error(),
				Duration: o.now().Sub(start),
			}
		}
	}()
	metrics.IncTradesExecuted()

	if decision == nil {
		return ExecutionResult{Method: MethodPublic, Err: ErrMissingDecision.Error()}
	}
	if !decision.Proceed {
		metrics.IncTradesBlocked()
		res = ExecutionResult{
			Method:             MethodRelay,
			ProtectionsApplied: []string{"trade held"},
			Err:                fmt.Sprintf("blocked: %s", decision.Reason),
			Duration:           o.now().Sub(start),
		}
		o.noteTrade(decision, false, 0)
		o.persistResult(ctx, decision, res)
		return res
	}

	var applied []string
	if decision.Delay > 0 {
		applied = append(applied, fmt.Sprintf("delayed %s", decision.Delay))
		if err := o.sleep(ctx, decision.Delay); err != nil {
			return ExecutionResult{
				Method:             MethodPublic,
				ProtectionsApplied: applied,
				Err:                err.Error(),
				Duration:           o.now().Sub(start),
			}
		}
	}
	if decision.PriorityFee > 0 {
		applied = append(applied, fmt.Sprintf("priority fee %d micro-lamports", decision.PriorityFee))
	}

	if decision.UsePrivateRelay {
		applied = append(applied, "private relay")
		sub := o.relay.Submit(ctx, []string{encodedTx}, payer, decision.RelayTip)
		o.noteBundleOutcome(sub.Success)
		res = ExecutionResult{
			Success:            sub.Success,
			Signature:          sub.Signature,
			BundleID:           sub.BundleID,
			Method:             MethodRelay,
			ProtectionsApplied: applied,
			Duration:           o.now().Sub(start),
			Err:                sub.Err,
		}
	} else {
		res = o.executePublic(ctx, encodedTx, applied, start)
	}

	var savings float64
	if res.Success {
		savings = o.savingsEstimate(decision, res.Method)
		res.SavingsEstimate = savings
	}
	o.noteTrade(decision, res.Success, savings)
	o.persistResult(ctx, decision, res)
	return res
}

func (o *Orchestrator) executePublic(ctx context.Context, encodedTx string, applied []string, start time.Time) ExecutionResult {
	sig, err := o.chain.SendTransaction(ctx, encodedTx)
	if err != nil {
		return ExecutionResult{
			Method:             MethodPublic,
			ProtectionsApplied: applied,
			Err:                err.Error(),
			Duration:           o.now().Sub(start),
		}
	}
	if !o.bestEffortConfirm(ctx, sig) {
		o.log.Info("Transaction sent, confirmation still pending",
			zap.String("signature", TruncateID(sig, 16)))
	}
	return ExecutionResult{
		Success:            true,
		Signature:          sig,
		Method:             MethodPublic,
		ProtectionsApplied: applied,
		Duration:           o.now().Sub(start),
	}
}

// bestEffortConfirm polls the signature status a few times. The send already
// succeeded, so an unconfirmed signature does not fail the execution.
func (o *Orchestrator) bestEffortConfirm(ctx context.Context, signature string) bool {
	for i := 0; i < publicConfirmPolls; i++ {
		if err := o.sleep(ctx, landingPollEvery); err != nil {
			return false
		}
		status, err := o.chain.SignatureStatus(ctx, signature)
		if err != nil {
			o.log.Debug("Signature status poll failed", zap.Error(err))
			continue
		}
		if status == nil {
			continue
		}
		if status.Err != "" {
			return false
		}
		if status.Confirmed() {
			return true
		}
	}
	return false
}

// savingsEstimate is a self-reported heuristic of avoided extraction, not
// measured ground truth. Relay submission is assumed to save a multiple of
// the tip, the fee boost a multiple of its cost at the compute budget.
func (o *Orchestrator) savingsEstimate(decision *ProtectionDecision, method ExecutionMethod) float64 {
	var estimate float64
	if method == MethodRelay {
		estimate += 3 * LamportsToSOL(decision.RelayTip)
	}
	if decision.Delay > 0 {
		estimate += 0.0001
	}
	estimate += 10 * MicroLamportFeeToSOL(decision.PriorityFee, o.cfg.ComputeUnitTarget)
	return estimate
}

// RecordAttackPattern feeds one observed attack into the assessor, the fee
// model, persistence and alerting.
func (o *Orchestrator) RecordAttackPattern(ctx context.Context, rec AttackRecord) error {
	if err := o.assessor.RecordAttackPattern(ctx, rec); err != nil {
		return err
	}
	o.fees.NoteAttack(rec.Asset)
	metrics.IncAttacksRecorded()

	if o.store != nil {
		if err := o.store.InsertAttackRecord(ctx, rec); err != nil {
			o.log.Warn("Failed to persist attack record", zap.Error(err))
		}
	}
	if o.alerts != nil {
		if err := o.alerts.PublishAlert(ctx, AttackAlert(rec)); err != nil {
			o.log.Warn("Failed to publish attack alert", zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) noteTrade(decision *ProtectionDecision, success bool, savings float64) {
	protected := !decision.Proceed || decision.UsePrivateRelay || decision.Delay > 0
	o.mu.Lock()
	defer o.mu.Unlock()
	o.totalTrades++
	if protected {
		o.protectedTrades++
	}
	if success {
		o.savedEstimate += savings
	}
	if protected {
		metrics.IncTradesProtected()
	}
}

func (o *Orchestrator) noteBundleOutcome(success bool) {
	outcome := 0.0
	if success {
		outcome = 1
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.bundleSamples == 0 {
		o.bundleRate = outcome
	} else {
		o.bundleRate = (1-bundleRateAlpha)*o.bundleRate + bundleRateAlpha*outcome
	}
	o.bundleSamples++
}

func (o *Orchestrator) persistResult(ctx context.Context, decision *ProtectionDecision, res ExecutionResult) {
	if o.store == nil {
		return
	}
	if err := o.store.InsertExecutionResult(ctx, *decision, res); err != nil {
		o.log.Warn("Failed to persist execution result", zap.Error(err))
	}
}

// Stats returns the cumulative per-process counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	stats := Stats{
		TotalTrades:       o.totalTrades,
		ProtectedTrades:   o.protectedTrades,
		SavedEstimate:     o.savedEstimate,
		BundleSuccessRate: o.bundleRate,
	}
	if o.totalTrades > 0 {
		stats.ProtectionRate = float64(o.protectedTrades) / float64(o.totalTrades)
	}
	return stats
}

// HealthCheck probes the wired components.
func (o *Orchestrator) HealthCheck(ctx context.Context) HealthStatus {
	components := make(map[string]string)
	healthy := true

	if _, err := o.chain.CurrentSlot(ctx); err != nil {
		components["chain"] = err.Error()
		healthy = false
	} else {
		components["chain"] = "ok"
	}
	if o.cfg.Enabled {
		components["protection"] = "enabled"
	} else {
		components["protection"] = "disabled"
	}
	if o.store != nil {
		components["storage"] = "ok"
	} else {
		components["storage"] = "not configured"
	}
	if o.alerts != nil {
		components["alerts"] = "ok"
	} else {
		components["alerts"] = "not configured"
	}
	return HealthStatus{Healthy: healthy, Components: components}
}

// ConservativeDecision is the fixed decision used when analysis cannot be
// trusted: hold the trade and treat the risk as high.
func ConservativeDecision(reason string) ProtectionDecision {
	return ProtectionDecision{
		Proceed:         false,
		UsePrivateRelay: true,
		Delay:           delayHigh,
		Level:           ProtectionAggressive,
		OverallRisk:     RiskHigh,
		OverallScore:    60,
		Recommendations: []string{"retry once risk inputs recover"},
		Reason:          reason,
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
