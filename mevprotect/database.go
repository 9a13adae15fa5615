package mevprotect

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBAttackRecord struct {
	ID          int64          `db:"id"`
	Asset       string         `db:"asset"`
	Pattern     string         `db:"pattern"`
	Actor       sql.NullString `db:"actor"`
	Size        float64        `db:"size"`
	PriceImpact float64        `db:"price_impact"`
	ObservedAt  time.Time      `db:"observed_at"`
	InsertedAt  time.Time      `db:"inserted_at"`
}

var createAttackRecordTableQuery = `
CREATE TABLE IF NOT EXISTS attack_record (
    id           BIGSERIAL PRIMARY KEY,
    asset        TEXT NOT NULL,
    pattern      TEXT NOT NULL,
    actor        TEXT,
    size         DOUBLE PRECISION NOT NULL DEFAULT 0,
    price_impact DOUBLE PRECISION NOT NULL DEFAULT 0,
    observed_at  TIMESTAMPTZ NOT NULL,
    inserted_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

var insertAttackRecordQuery = `
INSERT INTO attack_record (asset, pattern, actor, size, price_impact, observed_at)
VALUES (:asset, :pattern, :actor, :size, :price_impact, :observed_at)
RETURNING id`

type DBExecutionResult struct {
	ID              int64          `db:"id"`
	Success         bool           `db:"success"`
	Method          string         `db:"method"`
	Signature       sql.NullString `db:"signature"`
	BundleID        sql.NullString `db:"bundle_id"`
	RiskLevel       string         `db:"risk_level"`
	OverallScore    float64        `db:"overall_score"`
	ProtectionLevel string         `db:"protection_level"`
	PriorityFee     int64          `db:"priority_fee"`
	RelayTip        int64          `db:"relay_tip"`
	DelayMs         int64          `db:"delay_ms"`
	SavingsEstimate float64        `db:"savings_estimate"`
	ExecError       sql.NullString `db:"exec_error"`
	DurationMs      int64          `db:"duration_ms"`
	InsertedAt      time.Time      `db:"inserted_at"`
}

var createExecutionResultTableQuery = `
CREATE TABLE IF NOT EXISTS execution_result (
    id               BIGSERIAL PRIMARY KEY,
    success          BOOLEAN NOT NULL,
    method           TEXT NOT NULL,
    signature        TEXT,
    bundle_id        TEXT,
    risk_level       TEXT NOT NULL,
    overall_score    DOUBLE PRECISION NOT NULL DEFAULT 0,
    protection_level TEXT NOT NULL,
    priority_fee     BIGINT NOT NULL DEFAULT 0,
    relay_tip        BIGINT NOT NULL DEFAULT 0,
    delay_ms         BIGINT NOT NULL DEFAULT 0,
    savings_estimate DOUBLE PRECISION NOT NULL DEFAULT 0,
    exec_error       TEXT,
    duration_ms      BIGINT NOT NULL DEFAULT 0,
    inserted_at      TIMESTAMPTZ NOT NULL DEFAULT now()
)`

var insertExecutionResultQuery = `
INSERT INTO execution_result (success, method, signature, bundle_id, risk_level, overall_score, protection_level,
                              priority_fee, relay_tip, delay_ms, savings_estimate, exec_error, duration_ms)
VALUES (:success, :method, :signature, :bundle_id, :risk_level, :overall_score, :protection_level,
        :priority_fee, :relay_tip, :delay_ms, :savings_estimate, :exec_error, :duration_ms)
RETURNING id`

// DBAggregateStats are lifetime totals over all recorded executions, as
// opposed to the per-process counters in Stats.
type DBAggregateStats struct {
	Total     int64   `db:"total" json:"total"`
	Succeeded int64   `db:"succeeded" json:"succeeded"`
	Relayed   int64   `db:"relayed" json:"relayed"`
	Attacks   int64   `db:"attacks" json:"attacks"`
	Savings   float64 `db:"savings" json:"savingsEstimate"`
}

var aggregateStatsQuery = `
SELECT
    (SELECT COUNT(*) FROM execution_result)                          AS total,
    (SELECT COUNT(*) FROM execution_result WHERE success)            AS succeeded,
    (SELECT COUNT(*) FROM execution_result WHERE method = 'relay')   AS relayed,
    (SELECT COUNT(*) FROM attack_record)                             AS attacks,
    (SELECT COALESCE(SUM(savings_estimate), 0) FROM execution_result) AS savings`

type DBBackend struct {
	db *sqlx.DB

	insertAttack    *sqlx.NamedStmt
	insertExecution *sqlx.NamedStmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	for _, query := range []string{createAttackRecordTableQuery, createExecutionResultTableQuery} {
		if _, err := db.Exec(query); err != nil {
			return nil, err
		}
	}

	insertAttack, err := db.PrepareNamed(insertAttackRecordQuery)
	if err != nil {
		return nil, err
	}
	insertExecution, err := db.PrepareNamed(insertExecutionResultQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:              db,
		insertAttack:    insertAttack,
		insertExecution: insertExecution,
	}, nil
}

func (b *DBBackend) InsertAttackRecord(ctx context.Context, rec AttackRecord) error {
	dbRec := DBAttackRecord{
		Asset:       rec.Asset,
		Pattern:     string(rec.Pattern),
		Actor:       sql.NullString{String: rec.Actor, Valid: rec.Actor != ""},
		Size:        rec.Size,
		PriceImpact: rec.PriceImpact,
		ObservedAt:  rec.Time,
	}
	if dbRec.ObservedAt.IsZero() {
		dbRec.ObservedAt = time.Now()
	}

	var id int64
	return b.insertAttack.GetContext(ctx, &id, dbRec)
}

func (b *DBBackend) InsertExecutionResult(ctx context.Context, decision ProtectionDecision, res ExecutionResult) error {
	dbRes := DBExecutionResult{
		Success:         res.Success,
		Method:          string(res.Method),
		Signature:       sql.NullString{String: res.Signature, Valid: res.Signature != ""},
		BundleID:        sql.NullString{String: res.BundleID, Valid: res.BundleID != ""},
		RiskLevel:       string(decision.OverallRisk),
		OverallScore:    decision.OverallScore,
		ProtectionLevel: string(decision.Level),
		PriorityFee:     int64(decision.PriorityFee),
		RelayTip:        int64(decision.RelayTip),
		DelayMs:         decision.Delay.Milliseconds(),
		SavingsEstimate: res.SavingsEstimate,
		ExecError:       sql.NullString{String: res.Err, Valid: res.Err != ""},
		DurationMs:      res.Duration.Milliseconds(),
	}

	var id int64
	return b.insertExecution.GetContext(ctx, &id, dbRes)
}

func (b *DBBackend) AggregateStats(ctx context.Context) (DBAggregateStats, error) {
	var stats DBAggregateStats
	err := b.db.GetContext(ctx, &stats, aggregateStatsQuery)
	return stats, err
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}
