package database

import (
	"sync/atomic"
	"time"
)

// Snowflake hands out 64-bit message IDs that sort by creation time.
// Layout: 41 bits milliseconds since epoch | 10 bits worker | 12 bits sequence.
type Snowflake struct {
	epoch    int64
	workerID int64
	state    atomic.Int64 // last millisecond << 12 | sequence
}

const (
	workerIDBits   = 10
	sequenceBits   = 12
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = (1 << sequenceBits) - 1
	maxWorkerID    = (1 << workerIDBits) - 1
)

// NewSnowflake returns a generator. Out of range worker IDs fall back to 0.
func NewSnowflake(epoch int64, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{epoch: epoch, workerID: workerID}
}

// NextID is lock free; concurrent callers retry on CAS failure
func (s *Snowflake) NextID() int64 {
	for {
		old := s.state.Load()
		last := old >> sequenceBits
		seq := old & sequenceMask

		now := time.Now().UnixMilli()
		if now < last {
			// Clock went backwards, keep counting on the last millisecond
			now = last
		}

		if now == last {
			seq = (seq + 1) & sequenceMask
			if seq == 0 {
				// 4096 IDs in one millisecond
				for now <= last {
					now = time.Now().UnixMilli()
				}
			}
		} else {
			seq = 0
		}

		if s.state.CompareAndSwap(old, now<<sequenceBits|seq) {
			return (now-s.epoch)<<timestampShift | s.workerID<<workerIDShift | seq
		}
	}
}

// Time recovers the creation time encoded in an ID
func (s *Snowflake) Time(id int64) time.Time {
	return time.UnixMilli(id>>timestampShift + s.epoch)
}
