// Copyright 2025 Arion Yau
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

// Package queue provides the bounded hand-off between the registration
// listener and the session workers.
package queue

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO of values. Enqueue blocks while the queue is full
// and Dequeue blocks while it is empty; neither drops items.
type Queue[T any] struct {
	items    chan T
	done     chan struct{}
	once     sync.Once
	capacity int
}

// New creates a queue holding at most capacity items
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items:    make(chan T, capacity),
		done:     make(chan struct{}),
		capacity: capacity,
	}
}

// Enqueue adds item, waiting for room until ctx is done or the queue closes
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.items <- item:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue adds item only if there is room right now
func (q *Queue[T]) TryEnqueue(item T) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.items <- item:
		return true
	default:
		return false
	}
}

// Dequeue removes the oldest item, waiting until one is available, ctx is
// done or the queue closes. Items still queued at close are not handed out.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T

	select {
	case <-q.done:
		return zero, ErrClosed
	default:
	}

	select {
	case item := <-q.items:
		return item, nil
	case <-q.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close wakes every blocked caller; later calls fail with ErrClosed.
// It returns the number of items discarded.
func (q *Queue[T]) Close() int {
	discarded := 0
	q.once.Do(func() {
		close(q.done)
		for {
			select {
			case <-q.items:
				discarded++
			default:
				return
			}
		}
	})
	return discarded
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity
func (q *Queue[T]) Cap() int {
	return q.capacity
}
