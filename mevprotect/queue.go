package mevprotect

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/solshield/mev-protect-node/metrics"
	"github.com/solshield/mev-protect-node/slotqueue"
)

const (
	slotUpdateEvery = 200 * time.Millisecond

	// queued trades stay valid for about one blockhash window
	queueSlotWindow = uint64(150)
)

// Executor serves a protection decision. Satisfied by Orchestrator.
type Executor interface {
	Execute(ctx context.Context, encodedTx, payer string, decision *ProtectionDecision) ExecutionResult
}

// pendingExecution is the queue payload for one deferred trade.
type pendingExecution struct {
	Tx         string             `json:"tx"`
	Payer      string             `json:"payer,omitempty"`
	Decision   ProtectionDecision `json:"decision"`
	EnqueuedAt time.Time          `json:"enqueuedAt"`
}

// ProtectionQueue defers trade execution to a target slot instead of holding
// the caller through the protective delay. The delay is converted to slots at
// enqueue time and stripped before execution.
type ProtectionQueue struct {
	log      *zap.Logger
	queue    slotqueue.Queue
	chain    ChainClient
	executor Executor
	workers  int
}

func NewProtectionQueue(log *zap.Logger, queue slotqueue.Queue, chain ChainClient, executor Executor, workers int) *ProtectionQueue {
	if workers < 1 {
		workers = 1
	}
	return &ProtectionQueue{
		log:      log.Named("queue"),
		queue:    queue,
		chain:    chain,
		executor: executor,
		workers:  workers,
	}
}

func (q *ProtectionQueue) Start(ctx context.Context) *sync.WaitGroup {
	worker := protectionWorker{
		log:      q.log.Named("worker"),
		executor: q.executor,
	}
	var process []slotqueue.ProcessFunc
	if q.workers > 1 {
		process = slotqueue.MultipleWorkers(worker.Process, q.workers, rate.Inf, 1)
	} else {
		process = []slotqueue.ProcessFunc{worker.Process}
	}

	slot, err := q.chain.CurrentSlot(ctx)
	if err != nil {
		q.log.Warn("Failed to get current slot", zap.Error(err))
	} else {
		_ = q.queue.UpdateSlot(slot)
	}

	wg := q.queue.StartProcessLoop(ctx, process)

	wg.Add(1)
	go func() {
		defer wg.Done()

		back := backoff.NewExponentialBackOff()
		back.MaxInterval = 3 * time.Second
		back.MaxElapsedTime = 12 * time.Second

		ticker := time.NewTicker(slotUpdateEvery)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := backoff.Retry(func() error {
					slot, err := q.chain.CurrentSlot(ctx)
					if err != nil {
						return err
					}
					return q.queue.UpdateSlot(slot)
				}, back)
				if err != nil {
					q.log.Error("Failed to update slot", zap.Error(err))
				}
			}
		}
	}()
	return wg
}

// EnqueueTrade schedules one trade for the slot at which its protective delay
// has elapsed. Decisions that block execution are rejected here, a held trade
// has nothing to defer.
func (q *ProtectionQueue) EnqueueTrade(ctx context.Context, encodedTx, payer string, decision *ProtectionDecision) error {
	startAt := time.Now()
	defer func() {
		metrics.RecordTradeAddQueueDuration(time.Since(startAt).Milliseconds())
	}()

	if decision == nil {
		return ErrMissingDecision
	}
	if !decision.Proceed {
		return ErrBlockedDecision
	}
	if encodedTx == "" {
		return ErrInvalidTransaction
	}

	currentSlot, err := q.chain.CurrentSlot(ctx)
	if err != nil {
		return err
	}
	minSlot := currentSlot + delaySlots(decision.Delay)
	maxSlot := minSlot + queueSlotWindow

	data, err := json.Marshal(pendingExecution{
		Tx:         encodedTx,
		Payer:      payer,
		Decision:   *decision,
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	highPriority := decision.OverallRisk.Rank() >= RiskHigh.Rank()
	return q.queue.Push(ctx, data, highPriority, minSlot, maxSlot)
}

// delaySlots converts a protective delay to whole slots, rounding up. A zero
// delay still targets the next slot.
func delaySlots(delay time.Duration) uint64 {
	if delay <= 0 {
		return 1
	}
	return uint64((delay + SlotDuration - 1) / SlotDuration)
}

type protectionWorker struct {
	log      *zap.Logger
	executor Executor
}

func (w *protectionWorker) Process(ctx context.Context, data []byte, info slotqueue.QueueItemInfo) error {
	startAt := time.Now()
	defer func() {
		metrics.RecordTradeProcessDuration(time.Since(startAt).Milliseconds())
	}()

	var pending pendingExecution
	if err := json.Unmarshal(data, &pending); err != nil {
		w.log.Error("Failed to unmarshal queued trade", zap.Error(err))
		return errors.Join(err, slotqueue.ErrProcessUnrecoverable)
	}

	decision := pending.Decision
	// the wait was realized by the slot target, do not sleep again
	decision.Delay = 0

	res := w.executor.Execute(ctx, pending.Tx, pending.Payer, &decision)
	w.log.Info("Executed queued trade",
		zap.Bool("success", res.Success),
		zap.String("method", string(res.Method)),
		zap.String("signature", TruncateID(res.Signature, 16)),
		zap.Duration("queue_wait", time.Since(pending.EnqueuedAt)),
		zap.Int("retries", info.Retries),
		zap.String("err", res.Err),
	)
	if res.Success {
		return nil
	}

	switch {
	case ctx.Err() != nil:
		return errors.Join(ctx.Err(), slotqueue.ErrProcessWorkerError)
	case res.Err == ErrBundleUnconfirmed.Error():
		// a fresh submission may still land within the target window
		return slotqueue.ErrProcessScheduleNextSlot
	default:
		return slotqueue.ErrProcessUnrecoverable
	}
}
