package mevprotect

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/solshield/mev-protect-node/metrics"
	"github.com/solshield/mev-protect-node/rpcserver"
)

var (
	analyzeTradeTimeout = 3 * time.Second
	healthCheckTimeout  = 2 * time.Second
)

// TradeScheduler defers execution of an analyzed trade to a later slot.
type TradeScheduler interface {
	EnqueueTrade(ctx context.Context, encodedTx, payer string, decision *ProtectionDecision) error
}

// StatsReader serves lifetime aggregates from storage.
type StatsReader interface {
	AggregateStats(ctx context.Context) (DBAggregateStats, error)
}

// StatsResponse combines the per-process counters with lifetime aggregates
// from storage, when storage is configured.
type StatsResponse struct {
	Stats
	Lifetime *DBAggregateStats `json:"lifetime,omitempty"`
}

type API struct {
	log *zap.Logger

	orchestrator       *Orchestrator
	scheduler          TradeScheduler
	stats              StatsReader
	analyzeRateLimiter *rate.Limiter
}

// NewAPI wires the RPC surface. scheduler and stats may be nil when the
// deferred queue or storage is not configured.
func NewAPI(log *zap.Logger, orchestrator *Orchestrator, scheduler TradeScheduler, stats StatsReader, analyzeRateLimit rate.Limit) *API {
	return &API{
		log: log.Named("api"),

		orchestrator:       orchestrator,
		scheduler:          scheduler,
		stats:              stats,
		analyzeRateLimiter: rate.NewLimiter(analyzeRateLimit, 1),
	}
}

func (m *API) AnalyzeTrade(ctx context.Context, req TradeRequest) (_ ProtectionDecision, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(AnalyzeTradeEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(AnalyzeTradeEndpointName)
		}
	}()

	if req.Asset == "" {
		return ProtectionDecision{}, ErrMissingAsset
	}
	ctx, cancel := context.WithTimeout(ctx, analyzeTradeTimeout)
	defer cancel()

	err = m.analyzeRateLimiter.Wait(ctx)
	if err != nil {
		return ProtectionDecision{}, err
	}

	// callers that do not name the trading actor are identified by header
	if req.Actor == "" {
		req.Actor = rpcserver.GetCaller(ctx)
	}

	decision := m.orchestrator.Analyze(ctx, req)
	m.log.Debug("Trade analyzed",
		zap.String("asset", TruncateID(req.Asset, 12)),
		zap.String("origin", rpcserver.GetOrigin(ctx)),
		zap.String("risk", string(decision.OverallRisk)))
	return decision, nil
}

func (m *API) ExecuteTrade(ctx context.Context, args ExecuteTradeArgs) (_ ExecutionResult, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(ExecuteTradeEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(ExecuteTradeEndpointName)
		}
	}()

	if args.Decision == nil {
		return ExecutionResult{}, ErrMissingDecision
	}
	if _, err = DecodeTransaction(args.Transaction); err != nil {
		return ExecutionResult{}, err
	}

	res := m.orchestrator.Execute(ctx, args.Transaction, args.Payer, args.Decision)
	return res, nil
}

func (m *API) QueueTrade(ctx context.Context, args ExecuteTradeArgs) (err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(QueueTradeEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(QueueTradeEndpointName)
		}
	}()

	if m.scheduler == nil {
		return ErrQueueDisabled
	}
	return m.scheduler.EnqueueTrade(ctx, args.Transaction, args.Payer, args.Decision)
}

func (m *API) ReportAttack(ctx context.Context, rec AttackRecord) (err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(ReportAttackEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(ReportAttackEndpointName)
		}
	}()

	if rec.Asset == "" {
		return ErrMissingAsset
	}
	if rec.Actor == "" {
		rec.Actor = rpcserver.GetCaller(ctx)
	}
	return m.orchestrator.RecordAttackPattern(ctx, rec)
}

func (m *API) GetStats(ctx context.Context) (_ StatsResponse, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(GetStatsEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(GetStatsEndpointName)
		}
	}()

	resp := StatsResponse{Stats: m.orchestrator.Stats()}
	if m.stats != nil {
		lifetime, statsErr := m.stats.AggregateStats(ctx)
		if statsErr != nil {
			m.log.Warn("Failed to read lifetime stats", zap.Error(statsErr))
		} else {
			resp.Lifetime = &lifetime
		}
	}
	return resp, nil
}

func (m *API) HealthCheck(ctx context.Context) (_ HealthStatus, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(HealthCheckEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(HealthCheckEndpointName)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return m.orchestrator.HealthCheck(ctx), nil
}
