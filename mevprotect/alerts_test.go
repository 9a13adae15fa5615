package mevprotect

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAttackAlertSanitizesAsset(t *testing.T) {
	at := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	tests := []struct {
		name string
		rec  AttackRecord
		want Alert
	}{
		{
			name: "long asset id is truncated",
			rec: AttackRecord{
				Asset:   "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
				Pattern: PatternSandwich,
				Actor:   "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
				Time:    at,
			},
			want: Alert{
				Kind:    AlertKindAttack,
				Asset:   "7xKXtg2CW87d",
				Pattern: PatternSandwich,
				At:      at,
			},
		},
		{
			name: "short asset id passes through",
			rec:  AttackRecord{Asset: "SOL", Pattern: PatternFrontrun, Time: at},
			want: Alert{Kind: AlertKindAttack, Asset: "SOL", Pattern: PatternFrontrun, At: at},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, AttackAlert(tt.rec))
		})
	}
}

func TestAttackAlertOmitsActor(t *testing.T) {
	alert := AttackAlert(AttackRecord{
		Asset:   "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		Pattern: PatternBackrun,
		Actor:   "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		Time:    time.Now(),
	})
	bytes, err := json.Marshal(alert)
	require.NoError(t, err)
	// the public alert stream never carries the attacker address
	require.NotContains(t, string(bytes), "9xQeWvG816bU")
}

func TestCriticalRiskAlert(t *testing.T) {
	at := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	alert := CriticalRiskAlert("7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", 85, at)
	require.Equal(t, AlertKindCriticalRisk, alert.Kind)
	require.Equal(t, "7xKXtg2CW87d", alert.Asset)
	require.Equal(t, RiskCritical, alert.Level)
	require.Equal(t, 85.0, alert.Score)
	require.Equal(t, at, alert.At)
}
