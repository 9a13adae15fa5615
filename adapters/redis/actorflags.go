// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ActorFlagStore keeps flagged attacker addresses in redis so that flags
// survive restarts and are shared between node instances.
type ActorFlagStore struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewActorFlagStore(client *redis.Client, expireDuration time.Duration, keyPrefix string) *ActorFlagStore {
	return &ActorFlagStore{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (s *ActorFlagStore) Flag(ctx context.Context, actor string) error {
	if actor == "" {
		return nil
	}
	return s.client.Set(ctx, s.keyPrefix+actor, 1, s.expireDuration).Err()
}

func (s *ActorFlagStore) IsFlagged(ctx context.Context, actor string) (bool, error) {
	res, err := s.client.Exists(ctx, s.keyPrefix+actor).Result()
	if err != nil {
		return false, err
	}
	return res > 0, nil
}

// Flagged returns the subset of actors currently flagged.
func (s *ActorFlagStore) Flagged(ctx context.Context, actors []string) ([]string, error) {
	if len(actors) == 0 {
		return nil, nil
	}
	keys := make([]string, len(actors))
	for i, actor := range actors {
		keys[i] = s.keyPrefix + actor
	}
	res, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	var flagged []string
	for i, r := range res {
		if r != nil {
			flagged = append(flagged, actors[i])
		}
	}
	return flagged, nil
}

// DeleteAll deletes all the keys in the store. It can be very slow and should only be used for testing.
func (s *ActorFlagStore) DeleteAll(ctx context.Context) error {
	keys, err := s.client.Keys(ctx, s.keyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}
