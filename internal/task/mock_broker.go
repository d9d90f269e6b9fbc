package task

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBrokerUnavailable simulates a broker-communication failure in tests.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// MemoryBroker is an in-memory Broker implementation for testing. Lists are
// plain slices guarded by a mutex; BlockingPop polls until the timeout
// elapses. Setting Fail makes every operation return ErrBrokerUnavailable,
// simulating a broker outage.
type MemoryBroker struct {
	mu    sync.Mutex
	lists map[string][][]byte

	// Fail forces all operations to error when true.
	Fail bool
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		lists: make(map[string][][]byte),
	}
}

// SetFail toggles simulated broker failure.
func (b *MemoryBroker) SetFail(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Fail = fail
}

func (b *MemoryBroker) failed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Fail
}

// Push appends payload to the tail of the named list.
func (b *MemoryBroker) Push(ctx context.Context, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail {
		return ErrBrokerUnavailable
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	b.lists[key] = append(b.lists[key], cp)
	return nil
}

// BlockingPop removes the head of the named list, polling until timeout.
// Returns (nil, nil) when the timeout elapses with no entry available.
func (b *MemoryBroker) BlockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if b.failed() {
			return nil, ErrBrokerUnavailable
		}

		b.mu.Lock()
		if list := b.lists[key]; len(list) > 0 {
			head := list[0]
			b.lists[key] = list[1:]
			b.mu.Unlock()
			return head, nil
		}
		b.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// Length returns the number of entries in the named list.
func (b *MemoryBroker) Length(ctx context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail {
		return 0, ErrBrokerUnavailable
	}
	return int64(len(b.lists[key])), nil
}

// Range returns entries [start, stop] of the named list, with -1 meaning the
// last entry, mirroring broker list-range semantics.
func (b *MemoryBroker) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail {
		return nil, ErrBrokerUnavailable
	}

	list := b.lists[key]
	n := int64(len(list))
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}

	out := make([][]byte, 0, stop-start+1)
	for _, entry := range list[start : stop+1] {
		cp := make([]byte, len(entry))
		copy(cp, entry)
		out = append(out, cp)
	}
	return out, nil
}

// Remove deletes the first entry equal to payload from the named list.
func (b *MemoryBroker) Remove(ctx context.Context, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail {
		return ErrBrokerUnavailable
	}

	list := b.lists[key]
	for i, entry := range list {
		if bytes.Equal(entry, payload) {
			b.lists[key] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
