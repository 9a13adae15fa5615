package slotqueue

import (
	"encoding/binary"
	"errors"
	"os"
	"strconv"
	"time"
)

var errInvalidPackedData = errors.New("invalid packed data")

type packArgs struct {
	data          []byte
	minTargetSlot uint64
	maxTargetSlot uint64
	highPriority  bool
	timestamp     time.Time
	iteration     uint16
}

// packData returns score and packed data into a byte slice that can be stored in Redis.
// The score is the minTargetSlot.
// The format is (note that ':' is used only in the docs and not present in the actual data):
// highPriority(1byte):iteration(2 bytes):timestamp(8 bytes):maxslot(8 bytes):data
//
// This is done because redis sorts values with the same score by value lexicographically.
func packData(a packArgs) (float64, []byte) {
	score := float64(a.minTargetSlot)
	value := make([]byte, 19+len(a.data))
	if a.highPriority {
		value[0] = 0
	} else {
		value[0] = 1
	}
	binary.BigEndian.PutUint16(value[1:3], a.iteration)
	binary.BigEndian.PutUint64(value[3:11], uint64(a.timestamp.UnixNano()))
	binary.BigEndian.PutUint64(value[11:19], a.maxTargetSlot)
	copy(value[19:], a.data)
	return score, value
}

// unpackData unpacks the data from the byte slice returned by packData.
func unpackData(score float64, packedData []byte) (packArgs, error) {
	if len(packedData) < 19 {
		return packArgs{}, errInvalidPackedData
	}
	return packArgs{
		data:          packedData[19:],
		minTargetSlot: uint64(score),
		maxTargetSlot: binary.BigEndian.Uint64(packedData[11:19]),
		highPriority:  packedData[0] == 0,
		timestamp:     time.Unix(0, int64(binary.BigEndian.Uint64(packedData[3:11]))),
		iteration:     binary.BigEndian.Uint16(packedData[1:3]),
	}, nil
}

// ConfigFromEnv loads `slotqueue` config from environment.
// - `SLOTQUEUE_MAX_RETRIES`
// - `SLOTQUEUE_MAX_QUEUED_ITEMS_LOW_PRIO`
// - `SLOTQUEUE_MAX_QUEUED_ITEMS_HIGH_PRIO`
// - `SLOTQUEUE_WORKER_TIMEOUT_MS`
func ConfigFromEnv() (RedisQueueConfig, error) {
	config := DefaultQueueConfig

	if val := os.Getenv("SLOTQUEUE_MAX_RETRIES"); val != "" {
		maxRetries, err := strconv.ParseUint(val, 10, 16)
		if err != nil {
			return config, err
		}
		config.MaxRetries = uint16(maxRetries)
	}
	if val := os.Getenv("SLOTQUEUE_MAX_QUEUED_ITEMS_LOW_PRIO"); val != "" {
		maxQueuedItems, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.MaxQueuedItemsLowPrio = maxQueuedItems
	}
	if val := os.Getenv("SLOTQUEUE_MAX_QUEUED_ITEMS_HIGH_PRIO"); val != "" {
		maxQueuedItems, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.MaxQueuedItemsHighPrio = maxQueuedItems
	}
	if val := os.Getenv("SLOTQUEUE_WORKER_TIMEOUT_MS"); val != "" {
		workerTimeoutMs, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.WorkerTimeout = time.Duration(workerTimeoutMs) * time.Millisecond
	}

	return config, nil
}
