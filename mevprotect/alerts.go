package mevprotect

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	AlertKindAttack       = "attack-recorded"
	AlertKindCriticalRisk = "critical-risk"
)

// Alert is the sanitized notification pushed to subscribers. Asset ids are
// truncated so the public alert stream does not mirror full addresses.
type Alert struct {
	Kind    string        `json:"kind"`
	Asset   string        `json:"asset"`
	Pattern AttackPattern `json:"pattern,omitempty"`
	Level   RiskLevel     `json:"riskLevel,omitempty"`
	Score   float64       `json:"score,omitempty"`
	At      time.Time     `json:"at"`
}

func AttackAlert(rec AttackRecord) Alert {
	return Alert{
		Kind:    AlertKindAttack,
		Asset:   TruncateID(rec.Asset, 12),
		Pattern: rec.Pattern,
		At:      rec.Time,
	}
}

func CriticalRiskAlert(asset string, score float64, at time.Time) Alert {
	return Alert{
		Kind:  AlertKindCriticalRisk,
		Asset: TruncateID(asset, 12),
		Level: RiskCritical,
		Score: score,
		At:    at,
	}
}

type RedisAlertBackend struct {
	client     *redis.Client
	pubChannel string
}

func NewRedisAlertBackend(redisClient *redis.Client, pubChannel string) *RedisAlertBackend {
	return &RedisAlertBackend{
		client:     redisClient,
		pubChannel: pubChannel,
	}
}

func (b *RedisAlertBackend) PublishAlert(ctx context.Context, alert Alert) error {
	bytes, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.pubChannel, bytes).Err()
}
