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

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MemoryTransport provides in-process named pipes with FIFO semantics:
// opening for read waits for a writer, opening for write needs a reader,
// and Read reports io.EOF once the last writer has closed.
type MemoryTransport struct {
	opts  Options
	pipes map[string]*memoryPipe
	mutex sync.Mutex
}

type memoryPipe struct {
	mutex     sync.Mutex
	cond      *sync.Cond
	buf       []byte
	readers   int
	writers   int
	opened    uint64 // writer arrivals, never decremented
	destroyed bool
}

type memoryEnd struct {
	pipe   *memoryPipe
	mode   Mode
	once   sync.Once
	closed bool
}

// NewMemoryTransport creates an empty in-memory transport
func NewMemoryTransport(opts Options) *MemoryTransport {
	return &MemoryTransport{
		opts:  opts.withDefaults(),
		pipes: make(map[string]*memoryPipe),
	}
}

// Name returns the transport name
func (m *MemoryTransport) Name() string {
	return "memory"
}

// Create replaces any pipe registered under name with a fresh one
func (m *MemoryTransport) Create(name string) error {
	if name == "" {
		return fmt.Errorf("empty channel name")
	}

	pipe := &memoryPipe{}
	pipe.cond = sync.NewCond(&pipe.mutex)

	m.mutex.Lock()
	old := m.pipes[name]
	m.pipes[name] = pipe
	m.mutex.Unlock()

	if old != nil {
		old.destroy()
	}
	return nil
}

// Destroy removes the pipe and wakes everyone blocked on it
func (m *MemoryTransport) Destroy(name string) error {
	m.mutex.Lock()
	pipe, exists := m.pipes[name]
	delete(m.pipes, name)
	m.mutex.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	pipe.destroy()
	return nil
}

// Open opens one end of the named pipe
func (m *MemoryTransport) Open(ctx context.Context, name string, mode Mode) (Channel, error) {
	var pipe *memoryPipe
	err := retry(ctx, m.opts, func(err error) bool { return errors.Is(err, ErrNotFound) }, func() error {
		m.mutex.Lock()
		defer m.mutex.Unlock()
		var exists bool
		if pipe, exists = m.pipes[name]; !exists {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if mode == ModeRead {
		return pipe.openRead(ctx)
	}

	err = retry(ctx, m.opts, func(err error) bool { return errors.Is(err, ErrNoReader) }, pipe.openWrite)
	if err != nil {
		return nil, err
	}
	return &memoryEnd{pipe: pipe, mode: ModeWrite}, nil
}

func (p *memoryPipe) destroy() {
	p.mutex.Lock()
	p.destroyed = true
	p.cond.Broadcast()
	p.mutex.Unlock()
}

func (p *memoryPipe) openRead(ctx context.Context) (Channel, error) {
	stop := context.AfterFunc(ctx, func() {
		p.mutex.Lock()
		p.cond.Broadcast()
		p.mutex.Unlock()
	})
	defer stop()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	// A writer that opened and closed while we slept still counts, as it
	// does for a real FIFO.
	seen := p.opened
	p.readers++
	p.cond.Broadcast()
	for !p.writerArrived(seen) && !p.destroyed && ctx.Err() == nil {
		p.cond.Wait()
	}
	if !p.writerArrived(seen) {
		p.readers--
		if p.destroyed {
			return nil, ErrClosed
		}
		return nil, ctx.Err()
	}
	return &memoryEnd{pipe: p, mode: ModeRead}, nil
}

func (p *memoryPipe) writerArrived(seen uint64) bool {
	return p.writers > 0 || p.opened != seen || len(p.buf) > 0
}

func (p *memoryPipe) openWrite() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.destroyed {
		return ErrClosed
	}
	if p.readers == 0 {
		return ErrNoReader
	}
	p.writers++
	p.opened++
	p.cond.Broadcast()
	return nil
}

func (e *memoryEnd) Read(b []byte) (int, error) {
	if e.mode != ModeRead {
		return 0, fmt.Errorf("channel opened for writing")
	}

	p := e.pipe
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for len(p.buf) == 0 && p.writers > 0 && !p.destroyed && !e.closed {
		p.cond.Wait()
	}
	if e.closed {
		return 0, ErrClosed
	}
	if len(p.buf) == 0 {
		if p.writers > 0 {
			// destroyed under live writers
			return 0, ErrClosed
		}
		return 0, io.EOF
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

func (e *memoryEnd) Write(b []byte) (int, error) {
	if e.mode != ModeWrite {
		return 0, fmt.Errorf("channel opened for reading")
	}

	p := e.pipe
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if e.closed {
		return 0, ErrClosed
	}
	if p.readers == 0 || p.destroyed {
		return 0, io.ErrClosedPipe
	}
	p.buf = append(p.buf, b...)
	p.cond.Broadcast()
	return len(b), nil
}

func (e *memoryEnd) Close() error {
	err := ErrClosed
	e.once.Do(func() {
		p := e.pipe
		p.mutex.Lock()
		e.closed = true
		if e.mode == ModeRead {
			p.readers--
			if p.readers == 0 {
				p.buf = nil
			}
		} else {
			p.writers--
		}
		p.cond.Broadcast()
		p.mutex.Unlock()
		err = nil
	})
	return err
}
