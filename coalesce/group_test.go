package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup(t *testing.T) {
	assets := []string{"SOL", "USDC", "BONK", "JUP", "SOL", "USDC", "BONK", "JUP"}
	response := map[string]uint64{
		"SOL":  9031161740652627,
		"USDC": 336199114644976,
		"BONK": 336578093626181,
		"JUP":  10,
	}
	fetches := new(int32)
	g := NewGroup(func(ctx context.Context, key string) (uint64, error) {
		atomic.AddInt32(fetches, 1)
		return response[key], nil
	}, time.Second*3)

	wg := sync.WaitGroup{}
	wg.Add(len(assets) * 11)
	for i := 0; i <= 10; i++ {
		for _, asset := range assets {
			go func(asset string) {
				defer wg.Done()
				res, err := g.Do(context.Background(), asset)

				assert.NoError(t, err)
				assert.Equal(t, res, response[asset])
			}(asset)
		}
		<-time.After(time.Millisecond * 100)
	}
	wg.Wait()
	assert.Equal(t, int(atomic.LoadInt32(fetches)), 4)
	<-time.After(time.Second * 3)

	// cache expired, one fresh fetch per key
	atomic.StoreInt32(fetches, 0)
	wg.Add(len(assets) * 11)
	for i := 0; i <= 10; i++ {
		for _, asset := range assets {
			go func(asset string) {
				defer wg.Done()
				res, err := g.Do(context.Background(), asset)

				assert.NoError(t, err)
				assert.Equal(t, res, response[asset])
			}(asset)
		}
		<-time.After(time.Millisecond * 100)
	}
	wg.Wait()
	assert.Equal(t, int(atomic.LoadInt32(fetches)), 4)
}

func TestCustomGroup(t *testing.T) {
	cache := gocache.New(gocache.NoExpiration, gocache.DefaultExpiration)
	fetches := new(int32)
	loader := Loader[uint64]{
		Fetch: func(ctx context.Context, key string) (uint64, error) {
			atomic.AddInt32(fetches, 1)
			return 42, nil
		},
		Store: func(key string, value uint64) {
			cache.Set(key, value, time.Second*2)
		},
		Lookup: func(key string) (uint64, bool) {
			v, ok := cache.Get(key)
			if !ok {
				return 0, false
			}
			return v.(uint64), true
		},
	}

	g := NewCustomGroup(loader)
	wg := sync.WaitGroup{}
	wg.Add(40)
	for i := 0; i < 40; i++ {
		go func() {
			defer wg.Done()
			res, err := g.Do(context.Background(), "SOL")
			assert.NoError(t, err)
			assert.Equal(t, res, uint64(42))
		}()
	}
	wg.Wait()
	assert.Equal(t, int(atomic.LoadInt32(fetches)), 1)
	<-time.After(time.Second * 2)

	_, ok := cache.Get("SOL")
	assert.Equal(t, ok, false)
}

func TestGroupFetchError(t *testing.T) {
	fetchErr := errors.New("rpc unavailable")
	fetches := new(int32)
	g := NewGroup(func(ctx context.Context, key string) (uint64, error) {
		atomic.AddInt32(fetches, 1)
		if atomic.LoadInt32(fetches) == 1 {
			return 0, fetchErr
		}
		return 7, nil
	}, time.Second)

	_, err := g.Do(context.Background(), "SOL")
	require.ErrorIs(t, err, fetchErr)

	// errors are not cached, the next call fetches again
	res, err := g.Do(context.Background(), "SOL")
	require.NoError(t, err)
	require.Equal(t, uint64(7), res)
	require.Equal(t, int32(2), atomic.LoadInt32(fetches))
}

func TestGroupContextCancelled(t *testing.T) {
	release := make(chan struct{})
	g := NewGroup(func(ctx context.Context, key string) (uint64, error) {
		<-release
		return 1, nil
	}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := g.Do(ctx, "SOL")
	require.ErrorIs(t, err, context.Canceled)
	close(release)
}
