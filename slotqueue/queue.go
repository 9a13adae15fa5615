// Package slotqueue is a slot-indexed queue implementation that uses redis as a backend.
//
// Queue uses one sorted set in redis to store items. It implements a priority queue with the rules described below.
//
// Usage:
// 1. Create a new queue instance with `NewRedisQueue`.
// 2. Start processing loop with `StartProcessLoop`.
// 3. Push items to the queue with `Push`.
// 4. Queue needs to be updated with the current slot regularly. It does not update the slot automatically.
//
// NOTE: Queue is not 100% reliable.
//
//	 There is a small chance that an item is lost when worker who claimed the item crashes or loses connection to the
//		network.
//
//		The impact of this is reduced by the fact that workers don't hold more items than they are processing.
//		So the max number of items that can be lost in a catastrophic event is equal to the number of workers.
//		See shutdown section below on how to avoid loss on normal shutdown.
//
// Queue submission:
// 1. Client pushes an item to the queue specifying:
//   - the target slot range when the item should be processed.
//   - whether the item is high priority or not.
//     2. The queue stores the item in a sorted set with the score being the minimal target slot.
//     3. If the queue is full, the item is discarded and `ErrQueueFull` is returned.
//     There is a limit on the number of elements in the queue items.
//
// Queue processing:
//
//  1. The queue is processed in a loop by number of workers in parallel.
//     Amount of workers is determined by the number of `ProcessFunc` functions passed to `StartProcessLoop`.
//     Each worker is working on one item at a time. So to fully saturate a node that can process multiple items in
//     parallel you need to start multiple workers for the same node.
//
//  2. The queue is processed in the following way:
//     * The worker pops next item. Order of items is determined by the following rules:
//     * Items with lower target slot are processed first.
//     If target slot is not reached yet, the item is rescheduled.
//     If target slot is the same, priority is determined lexicographically in the following order:
//     + high priority
//     + number of retries while processing this item
//     + time of submission
//     + max target slot
//     + payload data itself
//     + The worker calls the `ProcessFunc` function with the payload data.
//
//     The `ProcessFunc` function is responsible for processing the item.
//     * It should return `nil` if the item was processed successfully.
//     If item should be retried on the next slot, the `ErrProcessScheduleNextSlot` error should be returned.
//     If item should be retried on the same slot (worker is faulty), the `ErrProcessWorkerError` error should be returned.
//     If item is broken and retrying can never succeed, the `ErrProcessUnrecoverable` error should be returned to drop it.
//     * If the `ProcessFunc` function returns `ErrProcessScheduleNextSlot` or `ErrProcessWorkerError`,
//     the item is rescheduled but up to `MaxRetries` times.
//     Rescheduling is needed so in case of a worker error (one of the nodes in the cluster is down)
//     the item is added back to the queue and processed by (hopefully) another worker.
//     MaxRetries is needed to prevent infinite loop in case of a bug.
//     Rescheduling for the next slot is needed if submission fails, but it may still land within the target window.
//     * There is an exponential backoff between retries for the worker so if the worker
//     is constantly failing to process item it will get less and less work.
//
// Queue shutdown:
// 1. Workers can be shutdown by cancelling the context passed to `StartProcessLoop`.
// 2. SyncGroup returned form `StartProcessLoop` can be used to wait for all workers to finish processing.
package slotqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/solshield/mev-protect-node/metrics"
)

var (
	ErrSlotNumberIncorrect = errors.New("slot number is invalid")
	ErrStaleItem           = errors.New("item is stale")
	ErrQueueFull           = errors.New("queue is full")
	ErrMaxRetriesReached   = errors.New("max retries reached")
	ErrNoNextSlot          = errors.New("failed to requeue item, no next slot available")
	ErrRequeueFailed       = errors.New("item requeue failed")
)

const (
	DefaultMaxRetries             = uint16(30)
	DefaultMaxQueuedItemsLowPrio  = uint64(1024)
	DefaultMaxQueuedItemsHighPrio = uint64(2048)
	DefaultWorkerTimeout          = 4 * time.Second
)

// Errors returned by ProcessFunc.
var (
	// ErrProcessScheduleNextSlot is returned by ProcessFunc if item should be retried on the next slot.
	ErrProcessScheduleNextSlot = errors.New("try to schedule item for the next slot")
	// ErrProcessWorkerError is returned by ProcessFunc if item should be retried on the same slot by a different worker.
	ErrProcessWorkerError = errors.New("worker error, retry processing on another worker")
	// ErrProcessUnrecoverable is returned by ProcessFunc if item can never be processed and should be dropped.
	ErrProcessUnrecoverable = errors.New("unrecoverable error, drop the item")
)

// QueueItemInfo carries queue bookkeeping into ProcessFunc.
type QueueItemInfo struct {
	Retries int
}

type ProcessFunc func(ctx context.Context, data []byte, info QueueItemInfo) error

type Queue interface {
	UpdateSlot(slot uint64) error
	Push(ctx context.Context, data []byte, highPriority bool, minTargetSlot, maxTargetSlot uint64) error
	StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup
}

// RedisQueueConfig bounds the queue. See ConfigFromEnv for the env mapping.
type RedisQueueConfig struct {
	MaxRetries             uint16
	MaxQueuedItemsLowPrio  uint64
	MaxQueuedItemsHighPrio uint64
	WorkerTimeout          time.Duration
}

var DefaultQueueConfig = RedisQueueConfig{
	MaxRetries:             DefaultMaxRetries,
	MaxQueuedItemsLowPrio:  DefaultMaxQueuedItemsLowPrio,
	MaxQueuedItemsHighPrio: DefaultMaxQueuedItemsHighPrio,
	WorkerTimeout:          DefaultWorkerTimeout,
}

type RedisQueue struct {
	log         *zap.Logger
	red         *redis.Client
	currentSlot *uint64
	queueName   string

	Config RedisQueueConfig
}

func NewRedisQueue(log *zap.Logger, red *redis.Client, queueName string) *RedisQueue {
	currentSlot := uint64(0)
	log = log.With(zap.String("queue", queueName))
	return &RedisQueue{
		log:         log,
		red:         red,
		currentSlot: &currentSlot,
		queueName:   queueName,
		Config:      DefaultQueueConfig,
	}
}

func (s *RedisQueue) UpdateSlot(slot uint64) error {
	current := atomic.LoadUint64(s.currentSlot)
	if current == slot {
		return nil
	}
	if current > slot {
		return ErrSlotNumberIncorrect
	}
	atomic.StoreUint64(s.currentSlot, slot)
	return nil
}

func (s *RedisQueue) Push(ctx context.Context, data []byte, highPriority bool, minTargetSlot, maxTargetSlot uint64) error {
	currentSlot := atomic.LoadUint64(s.currentSlot)

	if maxTargetSlot <= currentSlot {
		s.log.Debug("max target slot is less than current slot, skipping", zap.Uint64("max_target_slot", maxTargetSlot), zap.Uint64("current_slot", currentSlot))
		return ErrStaleItem
	}

	// we schedule items for the next slot
	if nextSlot := currentSlot + 1; minTargetSlot < nextSlot {
		minTargetSlot = nextSlot
	}

	args := packArgs{
		data:          data,
		minTargetSlot: minTargetSlot,
		maxTargetSlot: maxTargetSlot,
		highPriority:  highPriority,
		timestamp:     time.Now(),
		iteration:     0,
	}
	err := s.pushToQueue(ctx, args)
	if err != nil {
		return err
	}
	s.log.Debug("pushed to queue", zap.Uint64("min_target_slot", minTargetSlot), zap.Uint64("max_target_slot", maxTargetSlot), zap.Bool("high_priority", highPriority))
	return nil
}

// returns number of items in the queue that should be eventually processed
func (s *RedisQueue) queuedItems(ctx context.Context) (uint64, error) {
	return s.red.ZCard(ctx, s.queueName).Uint64()
}

func (s *RedisQueue) pushToQueue(ctx context.Context, args packArgs) error {
	queued, err := s.queuedItems(ctx)
	if err != nil {
		s.log.Warn("failed to get queued items", zap.Error(err))
		return err
	}
	threshold := s.Config.MaxQueuedItemsLowPrio
	if args.highPriority {
		threshold = s.Config.MaxQueuedItemsHighPrio
	}
	if queued >= threshold {
		s.log.Error("too many unprocessed items in the queue", zap.Uint64("queued", queued), zap.Uint64("max_queued_items", threshold))
		metrics.IncQueueFullTrades()
		return ErrQueueFull
	}

	score, redisData := packData(args)
	err = s.red.ZAdd(ctx, s.queueName, redis.Z{Score: score, Member: redisData}).Err()
	if err != nil {
		s.log.Debug("failed to push to queue", zap.Error(err))
	}
	return err
}

// popFromQueue pops an item from the queue
// it will block for up to 1 second waiting for an item if a queue is empty
func (s *RedisQueue) popFromQueue(ctx context.Context) (packArgs, error) {
	// 1 second is minimal value for a timeout
	// we will block for up to 1 second waiting for an item
	value, err := s.red.BZPopMin(ctx, time.Second, s.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return packArgs{}, err
		}
		s.log.Error("failed to pop from queue", zap.Error(err))
		return packArgs{}, err
	}

	redisData, ok := value.Member.(string)
	if !ok {
		s.log.Error("failed to pop from queue, invalid data type")
		return packArgs{}, err
	}

	args, err := unpackData(value.Score, []byte(redisData))
	if err != nil {
		s.log.Error("failed to unpack data", zap.Error(err))
		return packArgs{}, err
	}
	return args, nil
}

func (s *RedisQueue) processNextItem(ctx context.Context, process ProcessFunc) error {
	// we use this backoff for requeuing items because it's important to not lose items
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = 4 * time.Second
	back := backoff.WithContext(exp, ctx)

	args, err := s.popFromQueue(ctx)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	nextSlot := atomic.LoadUint64(s.currentSlot) + 1

	// too early to process, requeue
	if nextSlot < args.minTargetSlot {
		err := s.retryItem(ctx, args, false, false, back)
		if err != nil {
			return err
		}
		return nil
	}

	// stale item, skip or requeue for the next slot
	if nextSlot > args.minTargetSlot {
		if nextSlot > args.maxTargetSlot {
			s.log.Debug("skipping stale item",
				zap.Uint64("next_slot", nextSlot),
				zap.Uint64("min_target_slot", args.minTargetSlot),
				zap.Uint64("max_target_slot", args.maxTargetSlot))
			metrics.IncQueuePopStaleTrades()
			return nil
		}

		// requeue for the next slot
		args.minTargetSlot = nextSlot

		err := s.retryItem(ctx, args, false, false, back)
		if err != nil {
			return err
		}
		return nil
	}

	// process item
	workerCtx, workerCancel := context.WithTimeout(ctx, s.Config.WorkerTimeout)
	defer workerCancel()
	info := QueueItemInfo{Retries: int(args.iteration)}
	err = process(workerCtx, args.data, info)

	switch {
	case errors.Is(err, ErrProcessUnrecoverable):
		s.log.Debug("dropping unprocessable item", zap.Error(err), zap.Uint16("iteration", args.iteration))
		return nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProcessWorkerError):
		s.log.Warn("worker failed to process item, retrying", zap.Error(err), zap.Uint16("iteration", args.iteration))
		err := s.retryItem(ctx, args, true, false, back)
		if err != nil {
			return err
		}
	case errors.Is(err, ErrProcessScheduleNextSlot):
		s.log.Debug("worker iteration failed, scheduled for the next slot",
			zap.Error(err),
			zap.Uint64("next_slot", nextSlot),
			zap.Uint64("min_target_slot", args.minTargetSlot),
			zap.Uint64("max_target_slot", args.maxTargetSlot),
		)
		err := s.retryItem(ctx, args, true, true, back)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	}
	timeInQueue := time.Since(args.timestamp)
	s.log.Debug("processed queue item", zap.Uint16("iteration", args.iteration), zap.Duration("time_in_queue", timeInQueue))
	return nil
}

// StartProcessLoop starts a loop that will process items from the queue
// it will spawn a goroutine for each worker.
// ctx can be used to signal shutdown
// Wait group is returned to allow for graceful shutdown
func (s *RedisQueue) StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, process := range workers {
		wg.Add(1)
		go func(process ProcessFunc) {
			defer wg.Done()

			exp := backoff.NewExponentialBackOff()
			exp.MaxInterval = 30 * time.Second
			exp.MaxElapsedTime = 2 * time.Minute
			back := backoff.WithContext(exp, ctx)
			for {
				select {
				case <-ctx.Done():
					return
				default:
					err := backoff.Retry(func() error {
						err := s.processNextItem(ctx, process)
						return err
					}, back)
					if err != nil && !errors.Is(err, context.Canceled) {
						s.log.Error("Processing next element failed", zap.Error(err))
					}
				}
			}
		}(process)
	}
	return &wg
}

func (s *RedisQueue) retryItem(ctx context.Context, args packArgs, incrIteration, incrSlot bool, back backoff.BackOff) error {
	if args.iteration >= s.Config.MaxRetries {
		return ErrMaxRetriesReached
	}

	if incrIteration {
		args.iteration++
	}
	if incrSlot {
		if args.minTargetSlot >= args.maxTargetSlot {
			return ErrNoNextSlot
		}
		args.minTargetSlot++
	}
	err := backoff.Retry(func() error {
		return s.pushToQueue(ctx, args)
	}, back)
	if err != nil {
		s.log.Error("failed to requeue item", zap.Error(err))
		return errors.Join(err, ErrRequeueFailed)
	}
	return nil
}

// CleanQueues cleans all data in redis associated with the given queue
// NOTE: slow and dangerous operation, should only be used for testing
func (s *RedisQueue) CleanQueues(ctx context.Context) error {
	return s.red.Del(ctx, s.queueName).Err()
}
