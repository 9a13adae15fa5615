package mevprotect

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrProtectionDisabled   = errors.New("mev protection is disabled")
	ErrBundleSize           = errors.New("invalid bundle size")
	ErrInvalidTransaction   = errors.New("invalid transaction encoding")
	ErrMissingAsset         = errors.New("missing asset id")
	ErrNoRelayEndpoints     = errors.New("no relay endpoints configured")
	ErrRelayRejected        = errors.New("relay rejected bundle")
	ErrBundleFailed         = errors.New("bundle failed on chain")
	ErrBundleUnconfirmed    = errors.New("bundle not confirmed before timeout")
	ErrUnknownPattern       = errors.New("unknown attack pattern")
	ErrMissingDecision      = errors.New("missing protection decision")
	ErrBlockedDecision      = errors.New("decision blocks execution")
	ErrQueueDisabled        = errors.New("deferred execution queue is disabled")
	ErrInternalServiceError = errors.New("mev-protect service error")
)

const (
	AnalyzeTradeEndpointName = "protect_analyzeTrade"
	ExecuteTradeEndpointName = "protect_executeTrade"
	QueueTradeEndpointName   = "protect_queueTrade"
	ReportAttackEndpointName = "protect_reportAttack"
	GetStatsEndpointName     = "protect_getStats"
	HealthCheckEndpointName  = "protect_healthCheck"
)

// Severity grades a single risk indicator.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// RiskLevel grades a whole assessment. Levels are ordered, see Rank.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Score thresholds for risk levels. Scores are clamped to [0, 100].
const (
	CriticalScoreThreshold = 80.0
	HighScoreThreshold     = 50.0
	MediumScoreThreshold   = 25.0
)

// RiskLevelFromScore maps a 0..100 score to its level.
func RiskLevelFromScore(score float64) RiskLevel {
	switch {
	case score >= CriticalScoreThreshold:
		return RiskCritical
	case score >= HighScoreThreshold:
		return RiskHigh
	case score >= MediumScoreThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Rank returns the numeric position of the level on a 1..4 scale.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskCritical:
		return 4
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	default:
		return 1
	}
}

func maxRiskLevel(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// RiskIndicator is one concrete signal that contributed to an assessment.
type RiskIndicator struct {
	Kind        string   `json:"kind"`
	Severity    Severity `json:"severity"`
	Confidence  float64  `json:"confidence"`
	Description string   `json:"description"`
	Evidence    string   `json:"evidence,omitempty"`
}

// RiskAssessment is the output of one mempool analysis. Degraded is set when
// the assessor could not read its inputs and fell back to a conservative
// result.
type RiskAssessment struct {
	Level           RiskLevel       `json:"level"`
	Score           float64         `json:"score"`
	Indicators      []RiskIndicator `json:"indicators,omitempty"`
	Recommendations []string        `json:"recommendations,omitempty"`
	ShouldDelay     bool            `json:"shouldDelay"`
	Delay           time.Duration   `json:"delayMs"`
	UsePrivateRelay bool            `json:"usePrivateRelay"`
	Degraded        bool            `json:"degraded,omitempty"`
}

// MarshalJSON reports Delay as whole milliseconds under the delayMs key.
// time.Duration would otherwise serialize as nanoseconds.
func (a RiskAssessment) MarshalJSON() ([]byte, error) {
	type wire RiskAssessment
	return json.Marshal(struct {
		wire
		Delay int64 `json:"delayMs"`
	}{wire(a), a.Delay.Milliseconds()})
}

func (a *RiskAssessment) UnmarshalJSON(data []byte) error {
	type wire RiskAssessment
	aux := struct {
		*wire
		Delay int64 `json:"delayMs"`
	}{wire: (*wire)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	a.Delay = time.Duration(aux.Delay) * time.Millisecond
	return nil
}

// FeeCalculation is the output of one fee analysis. BaseFee, MevAdjustment and
// TotalFee are micro-lamports per compute unit, RelayTip is lamports.
type FeeCalculation struct {
	BaseFee       uint64    `json:"baseFee"`
	MevAdjustment uint64    `json:"mevAdjustment"`
	TotalFee      uint64    `json:"totalFee"`
	RelayTip      uint64    `json:"relayTip"`
	Level         RiskLevel `json:"riskLevel"`
	Score         float64   `json:"riskScore"`
	Explanation   []string  `json:"explanation,omitempty"`
	Degraded      bool      `json:"degraded,omitempty"`
}

// ProtectionLevel describes how aggressively a trade is shielded.
type ProtectionLevel string

const (
	ProtectionNone       ProtectionLevel = "none"
	ProtectionBasic      ProtectionLevel = "basic"
	ProtectionStandard   ProtectionLevel = "standard"
	ProtectionAggressive ProtectionLevel = "aggressive"
)

// ProtectionDecision is the combined verdict for one trade. It is transient:
// callers carry it from Analyze to Execute, it is never persisted on its own.
type ProtectionDecision struct {
	Proceed         bool            `json:"proceed"`
	UsePrivateRelay bool            `json:"usePrivateRelay"`
	Delay           time.Duration   `json:"delayMs"`
	PriorityFee     uint64          `json:"priorityFee"`
	RelayTip        uint64          `json:"relayTip,omitempty"`
	Level           ProtectionLevel `json:"protectionLevel"`
	OverallRisk     RiskLevel       `json:"overallRisk"`
	OverallScore    float64         `json:"overallScore"`
	Recommendations []string        `json:"recommendations,omitempty"`
	Reason          string          `json:"reason,omitempty"`
}

// MarshalJSON reports Delay as whole milliseconds under the delayMs key.
func (d ProtectionDecision) MarshalJSON() ([]byte, error) {
	type wire ProtectionDecision
	return json.Marshal(struct {
		wire
		Delay int64 `json:"delayMs"`
	}{wire(d), d.Delay.Milliseconds()})
}

func (d *ProtectionDecision) UnmarshalJSON(data []byte) error {
	type wire ProtectionDecision
	aux := struct {
		*wire
		Delay int64 `json:"delayMs"`
	}{wire: (*wire)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	d.Delay = time.Duration(aux.Delay) * time.Millisecond
	return nil
}

// ExecutionMethod names the submission path that was taken.
type ExecutionMethod string

const (
	MethodPublic ExecutionMethod = "public"
	MethodRelay  ExecutionMethod = "relay"
)

// ExecutionResult reports the outcome of serving one decision.
type ExecutionResult struct {
	Success            bool            `json:"success"`
	Signature          string          `json:"signature,omitempty"`
	BundleID           string          `json:"bundleId,omitempty"`
	Method             ExecutionMethod `json:"method"`
	ProtectionsApplied []string        `json:"protectionApplied,omitempty"`
	Duration           time.Duration   `json:"executionTimeMs"`
	Err                string          `json:"error,omitempty"`
	SavingsEstimate    float64         `json:"mevSavingsEstimate,omitempty"`
}

// MarshalJSON reports Duration as whole milliseconds under executionTimeMs.
func (r ExecutionResult) MarshalJSON() ([]byte, error) {
	type wire ExecutionResult
	return json.Marshal(struct {
		wire
		Duration int64 `json:"executionTimeMs"`
	}{wire(r), r.Duration.Milliseconds()})
}

func (r *ExecutionResult) UnmarshalJSON(data []byte) error {
	type wire ExecutionResult
	aux := struct {
		*wire
		Duration int64 `json:"executionTimeMs"`
	}{wire: (*wire)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Duration = time.Duration(aux.Duration) * time.Millisecond
	return nil
}

// SubmitResult reports the outcome of one relay bundle submission.
type SubmitResult struct {
	Success   bool          `json:"success"`
	BundleID  string        `json:"bundleId,omitempty"`
	Signature string        `json:"signature,omitempty"`
	TipAmount uint64        `json:"tipAmount,omitempty"`
	Err       string        `json:"error,omitempty"`
	Duration  time.Duration `json:"executionTimeMs"`
}

// MarshalJSON reports Duration as whole milliseconds under executionTimeMs.
func (r SubmitResult) MarshalJSON() ([]byte, error) {
	type wire SubmitResult
	return json.Marshal(struct {
		wire
		Duration int64 `json:"executionTimeMs"`
	}{wire(r), r.Duration.Milliseconds()})
}

func (r *SubmitResult) UnmarshalJSON(data []byte) error {
	type wire SubmitResult
	aux := struct {
		*wire
		Duration int64 `json:"executionTimeMs"`
	}{wire: (*wire)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Duration = time.Duration(aux.Duration) * time.Millisecond
	return nil
}

// RiskFactors are the caller-supplied attributes of a prospective trade.
// Congestion and MempoolActivity are normalized to 0..1.
type RiskFactors struct {
	TradeSize       float64 `json:"tradeSize"`
	Liquidity       float64 `json:"liquidity"`
	PriceImpact     float64 `json:"priceImpact"`
	MarketCap       float64 `json:"marketCap"`
	NewAsset        bool    `json:"isNewAsset"`
	Congestion      float64 `json:"congestion"`
	MempoolActivity float64 `json:"mempoolActivity"`
}

// TradeRequest is the input to Orchestrator.Analyze.
type TradeRequest struct {
	Asset          string      `json:"asset"`
	Actor          string      `json:"actor,omitempty"`
	TradeSize      float64     `json:"tradeSize"`
	ExpectedImpact float64     `json:"expectedImpact,omitempty"`
	Factors        RiskFactors `json:"factors"`
}

// ExecuteTradeArgs is the wire input of protect_executeTrade and
// protect_queueTrade. The decision comes from a prior protect_analyzeTrade.
type ExecuteTradeArgs struct {
	Transaction string              `json:"transaction"`
	Payer       string              `json:"payer,omitempty"`
	Decision    *ProtectionDecision `json:"decision"`
}

// TxSummary is one recent transaction touching an asset, as reported by the
// ingestion side of the node. Size is in SOL, PriorityFee in micro-lamports
// per compute unit.
type TxSummary struct {
	Signature   string    `json:"signature"`
	Signer      string    `json:"signer"`
	Slot        uint64    `json:"slot"`
	Time        time.Time `json:"time"`
	Size        float64   `json:"size"`
	PriorityFee uint64    `json:"priorityFee"`
}

// FeeSample is one recent prioritization fee observation.
type FeeSample struct {
	Slot        uint64 `json:"slot"`
	PriorityFee uint64 `json:"prioritizationFee"`
}

// PerfSample is one recent network performance observation.
type PerfSample struct {
	Slot            uint64 `json:"slot"`
	NumTransactions uint64 `json:"numTransactions"`
	NumSlots        uint64 `json:"numSlots"`
	PeriodSecs      uint16 `json:"samplePeriodSecs"`
}

// TxStatus is the confirmation state of one signature.
type TxStatus struct {
	Slot   uint64 `json:"slot"`
	Status string `json:"confirmationStatus"`
	Err    string `json:"err,omitempty"`
}

func (s TxStatus) Confirmed() bool {
	return s.Err == "" && (s.Status == "confirmed" || s.Status == "finalized")
}

// MempoolSnapshot is the per-asset view of recent activity. Snapshots are
// cached with a short TTL and shared between concurrent assessments.
type MempoolSnapshot struct {
	Asset           string      `json:"asset"`
	Transactions    []TxSummary `json:"transactions"`
	LargeTrades     []TxSummary `json:"largeTrades,omitempty"`
	FlaggedSigners  []string    `json:"flaggedSigners,omitempty"`
	MeanPriorityFee uint64      `json:"meanPriorityFee"`
	TakenAt         time.Time   `json:"takenAt"`
}

// AttackPattern classifies an observed extraction attempt.
type AttackPattern string

const (
	PatternFrontrun AttackPattern = "frontrun"
	PatternBackrun  AttackPattern = "backrun"
	PatternSandwich AttackPattern = "sandwich"
)

// ParseAttackPattern validates a caller-supplied pattern name.
func ParseAttackPattern(s string) (AttackPattern, error) {
	switch AttackPattern(s) {
	case PatternFrontrun, PatternBackrun, PatternSandwich:
		return AttackPattern(s), nil
	default:
		return "", ErrUnknownPattern
	}
}

// AttackRecord is one observed attack, kept in a bounded per-asset history.
type AttackRecord struct {
	Asset       string        `json:"asset"`
	Pattern     AttackPattern `json:"pattern"`
	Time        time.Time     `json:"time"`
	Actor       string        `json:"actor"`
	Size        float64       `json:"size"`
	PriceImpact float64       `json:"priceImpact"`
}

// PricePoint is one sample of the per-asset price-impact history.
type PricePoint struct {
	Price  float64   `json:"price,omitempty"`
	Impact float64   `json:"impact"`
	Time   time.Time `json:"time"`
}

// Stats are the cumulative per-process counters of the orchestrator.
type Stats struct {
	TotalTrades       uint64  `json:"totalTrades"`
	ProtectedTrades   uint64  `json:"protectedTrades"`
	SavedEstimate     float64 `json:"savedEstimate"`
	BundleSuccessRate float64 `json:"bundleSuccessRate"`
	ProtectionRate    float64 `json:"protectionRate"`
}

// HealthStatus reports per-component health, keyed by component name.
type HealthStatus struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
}

// ProtectionConfig carries the read-only knobs of the protection pipeline.
type ProtectionConfig struct {
	Enabled             bool
	DefaultLevel        ProtectionLevel
	TipOverride         uint64
	MaxBundleSize       int
	SubmitTimeout       time.Duration
	RetryAttempts       int
	MaxFeeMultiplier    float64
	TipFloor            uint64
	TipCeiling          uint64
	FallbackPriorityFee uint64
	ComputeUnitTarget   uint32
}

func DefaultProtectionConfig() ProtectionConfig {
	return ProtectionConfig{
		Enabled:             true,
		DefaultLevel:        ProtectionStandard,
		TipOverride:         0,
		MaxBundleSize:       4,
		SubmitTimeout:       30 * time.Second,
		RetryAttempts:       3,
		MaxFeeMultiplier:    3.0,
		TipFloor:            50_000,
		TipCeiling:          10_000_000,
		FallbackPriorityFee: 15_000,
		ComputeUnitTarget:   DefaultComputeUnitTarget,
	}
}

// TipForLevel resolves the default tip for a protection level.
func (c ProtectionConfig) TipForLevel(level ProtectionLevel) uint64 {
	switch level {
	case ProtectionAggressive:
		return TipTierHigh
	case ProtectionStandard:
		return TipTierMedium
	case ProtectionBasic:
		return TipTierLow
	default:
		return c.TipFloor
	}
}

// tipForRisk resolves the starting tip tier for a risk level.
func tipForRisk(level RiskLevel) uint64 {
	switch level {
	case RiskCritical:
		return TipTierCritical
	case RiskHigh:
		return TipTierHigh
	case RiskMedium:
		return TipTierMedium
	default:
		return TipTierLow
	}
}
