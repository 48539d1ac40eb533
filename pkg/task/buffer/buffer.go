// Copyright 2026 The TaskCore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package buffer implements the shared output buffer of a task: a
// multi-consumer page queue with long-poll reads and per-consumer
// acknowledgement. Pages are appended once and delivered to every
// registered consumer; a page is released only after every declared
// consumer has acknowledged it or aborted.
package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"

	"github.com/lstyls/taskcore/internal/util"
	"github.com/lstyls/taskcore/pkg/task/proto"
)

var (
	// ErrQueueAfterNoMoreQueues is returned when a new consumer is
	// registered after NoMoreQueues.
	ErrQueueAfterNoMoreQueues = errors.New("output queue added after no more queues")
	// ErrInvalidMaxPages is returned by Get when maxPages is not positive.
	ErrInvalidMaxPages = errors.New("max pages must be positive")
)

type outputQueue struct {
	// acked is the lowest sequence id this consumer has NOT acknowledged:
	// every page below it may be released once all consumers agree.
	acked   int64
	aborted bool
}

// SharedOutputBuffer is safe for concurrent use by any number of producers
// and consumers.
type SharedOutputBuffer struct {
	mu sync.Mutex

	// pages[i] holds the page with sequence id baseSeq+i. The prefix below
	// the minimum acknowledged sequence id across live queues is trimmed
	// once NoMoreQueues has been called.
	pages   []proto.Page
	baseSeq int64

	queues       map[proto.OutputBufferID]*outputQueue
	noMoreQueues bool
	finishing    bool
	destroyed    bool

	// capacity bounds the number of retained pages; 0 means unbounded.
	// Producers appending past it receive a backpressure future.
	capacity int
	spaceCh  chan struct{}

	// changed is closed and replaced on every mutation a long-poller could
	// be waiting for.
	changed chan struct{}

	finishedListener func()
	finishedFired    bool
	notify           util.WaitGroupWrapper
}

// New builds an empty buffer. capacity bounds retained pages; pass 0 for
// unbounded.
func New(capacity int) *SharedOutputBuffer {
	return &SharedOutputBuffer{
		queues:   make(map[proto.OutputBufferID]*outputQueue),
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// NotifyOnFinished registers fn to be called once, asynchronously, when the
// buffer becomes finished. Must be called before any page or queue
// activity.
func (b *SharedOutputBuffer) NotifyOnFinished(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finishedListener = fn
}

// AddQueue registers a consumer. Idempotent for an already-registered id;
// rejected once NoMoreQueues has been called.
func (b *SharedOutputBuffer) AddQueue(id proto.OutputBufferID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[id]; ok {
		return nil
	}
	if b.noMoreQueues {
		return errors.Trace(ErrQueueAfterNoMoreQueues)
	}
	// A late-registering queue still sees every retained page: retention
	// only trims below the collective ack, and nothing is trimmed before
	// NoMoreQueues.
	b.queues[id] = &outputQueue{acked: b.baseSeq}
	b.broadcastLocked()
	return nil
}

// NoMoreQueues declares the set of consumers closed. Idempotent.
func (b *SharedOutputBuffer) NoMoreQueues() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.noMoreQueues {
		return
	}
	b.noMoreQueues = true
	b.trimLocked()
	b.broadcastLocked()
	b.maybeFinishedLocked()
}

// AddPage appends one page, visible to every registered (and every future)
// consumer. When the backlog of retained pages has reached capacity the
// returned future is non-nil and completes once a consumer acknowledgement
// frees space; producers should wait on it before producing more. Pages
// appended after Finish or Destroy are dropped.
func (b *SharedOutputBuffer) AddPage(page proto.Page) (proto.Future, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finishing || b.destroyed {
		return nil, nil
	}
	b.pages = append(b.pages, page)
	b.broadcastLocked()
	if b.capacity > 0 && len(b.pages) >= b.capacity {
		if b.spaceCh == nil {
			b.spaceCh = make(chan struct{})
		}
		return b.spaceCh, nil
	}
	return nil, nil
}

// Get long-polls pages for one consumer. startSeq acknowledges every page
// below it; pages at or above it are returned, at most maxPages, in append
// order with contiguous sequence ids. When no page is available the call
// waits up to maxWait for a page or for the buffer to finish.
//
// A Get for an id that was never registered does not fail: once
// NoMoreQueues has been called it returns an empty finished result, before
// that it waits for the registration to arrive.
func (b *SharedOutputBuffer) Get(ctx context.Context, id proto.OutputBufferID, startSeq int64, maxPages int, maxWait time.Duration) (proto.BufferResult, error) {
	if maxPages <= 0 {
		return proto.BufferResult{}, errors.Trace(ErrInvalidMaxPages)
	}
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	for {
		b.mu.Lock()
		res, ready := b.pollLocked(id, startSeq, maxPages)
		ch := b.changed
		b.mu.Unlock()
		if ready {
			return res, nil
		}
		select {
		case <-ch:
		case <-timer.C:
			b.mu.Lock()
			res, _ := b.pollLocked(id, startSeq, maxPages)
			b.mu.Unlock()
			return res, nil
		case <-ctx.Done():
			return proto.BufferResult{}, errors.Trace(ctx.Err())
		}
	}
}

// pollLocked acknowledges up to startSeq and collects available pages.
// ready is false only when the caller should keep waiting.
func (b *SharedOutputBuffer) pollLocked(id proto.OutputBufferID, startSeq int64, maxPages int) (proto.BufferResult, bool) {
	q, ok := b.queues[id]
	if !ok {
		if b.noMoreQueues || b.destroyed {
			return proto.BufferResult{Finished: true}, true
		}
		return proto.BufferResult{}, false
	}
	if q.aborted {
		return proto.BufferResult{Finished: true}, true
	}
	if startSeq > q.acked {
		q.acked = startSeq
		b.trimLocked()
		b.broadcastLocked()
		b.maybeFinishedLocked()
	}

	end := b.baseSeq + int64(len(b.pages))
	effStart := startSeq
	if effStart < b.baseSeq {
		effStart = b.baseSeq
	}
	n := int(end - effStart)
	if n > maxPages {
		n = maxPages
	}
	if n > 0 {
		res := proto.BufferResult{
			SequenceIDs: make([]int64, n),
			Pages:       make([]proto.Page, n),
			Finished:    b.finishing && effStart+int64(n) == end,
		}
		for i := 0; i < n; i++ {
			res.SequenceIDs[i] = effStart + int64(i)
			res.Pages[i] = b.pages[effStart-b.baseSeq+int64(i)]
		}
		return res, true
	}
	if b.finishing || b.destroyed {
		return proto.BufferResult{Finished: true}, true
	}
	return proto.BufferResult{}, false
}

// Abort discards one consumer's queue. Never fails; aborting an unknown or
// already-aborted id is a no-op.
func (b *SharedOutputBuffer) Abort(id proto.OutputBufferID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[id]
	if !ok || q.aborted {
		return
	}
	q.aborted = true
	b.trimLocked()
	b.broadcastLocked()
	b.maybeFinishedLocked()
}

// Finish signals that no more pages will be appended. Idempotent. The
// buffer becomes finished once every declared queue has drained or
// aborted.
func (b *SharedOutputBuffer) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finishing {
		return
	}
	b.finishing = true
	b.broadcastLocked()
	b.maybeFinishedLocked()
}

// Destroy drops every retained page and aborts every queue, releasing any
// blocked producer or long-poller. Used on the task's failure and
// cancellation paths, where consumers must observe a finished buffer
// without draining it.
func (b *SharedOutputBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.destroyed = true
	b.finishing = true
	b.noMoreQueues = true
	b.baseSeq += int64(len(b.pages))
	b.pages = nil
	for _, q := range b.queues {
		q.aborted = true
	}
	b.releaseSpaceLocked()
	b.broadcastLocked()
	b.maybeFinishedLocked()
}

// IsFinished reports whether Finish and NoMoreQueues have both been called
// and every queue has drained or aborted.
func (b *SharedOutputBuffer) IsFinished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isFinishedLocked()
}

func (b *SharedOutputBuffer) isFinishedLocked() bool {
	if !b.finishing || !b.noMoreQueues {
		return false
	}
	end := b.baseSeq + int64(len(b.pages))
	for _, q := range b.queues {
		if !q.aborted && q.acked < end {
			return false
		}
	}
	return true
}

// Info returns a snapshot for TaskInfo.
func (b *SharedOutputBuffer) Info() proto.SharedBufferInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := b.baseSeq + int64(len(b.pages))
	info := proto.SharedBufferInfo{
		TotalPages:   end,
		NoMoreQueues: b.noMoreQueues,
		Finished:     b.isFinishedLocked(),
		Queues:       make([]proto.OutputBufferInfo, 0, len(b.queues)),
	}
	for id, q := range b.queues {
		info.Queues = append(info.Queues, proto.OutputBufferInfo{
			ID:         id,
			AckedPages: q.acked,
			Aborted:    q.aborted,
			Drained:    q.aborted || q.acked >= end,
		})
	}
	return info
}

// Wait blocks until every queued finished-notification has been delivered.
// Intended for tests.
func (b *SharedOutputBuffer) Wait() {
	b.notify.Wait()
}

// trimLocked releases the prefix of pages every live queue has
// acknowledged. Before NoMoreQueues nothing is trimmed, since a queue
// registered later is still owed every page.
func (b *SharedOutputBuffer) trimLocked() {
	if !b.noMoreQueues {
		return
	}
	end := b.baseSeq + int64(len(b.pages))
	minAcked := end
	live := false
	for _, q := range b.queues {
		if q.aborted {
			continue
		}
		live = true
		if q.acked < minAcked {
			minAcked = q.acked
		}
	}
	if !live {
		minAcked = end
	}
	if minAcked > b.baseSeq {
		b.pages = b.pages[minAcked-b.baseSeq:]
		b.baseSeq = minAcked
	}
	if b.capacity == 0 || len(b.pages) < b.capacity {
		b.releaseSpaceLocked()
	}
}

func (b *SharedOutputBuffer) releaseSpaceLocked() {
	if b.spaceCh != nil {
		close(b.spaceCh)
		b.spaceCh = nil
	}
}

func (b *SharedOutputBuffer) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *SharedOutputBuffer) maybeFinishedLocked() {
	if b.finishedFired || b.finishedListener == nil || !b.isFinishedLocked() {
		return
	}
	b.finishedFired = true
	fn := b.finishedListener
	b.notify.RunWithLog(fn)
}
