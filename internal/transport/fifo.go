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
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"mbroker/internal/logger"
)

// unblockTimeout bounds how long a cancelled read-open waits for the
// blocked open(2) to return after it has been released
const unblockTimeout = time.Second

// FIFOTransport implements channels as named pipes on the local filesystem
type FIFOTransport struct {
	opts   Options
	logger zerolog.Logger
}

// NewFIFOTransport creates a FIFO transport
func NewFIFOTransport(opts Options) *FIFOTransport {
	return &FIFOTransport{
		opts:   opts.withDefaults(),
		logger: logger.GetLogger("transport.fifo"),
	}
}

// Name returns the transport name
func (f *FIFOTransport) Name() string {
	return "fifo"
}

// Create deletes any existing file at name and makes a new FIFO
func (f *FIFOTransport) Create(name string) error {
	if err := unix.Unlink(name); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("failed to delete existing pipe %s: %w", name, err)
	}
	if err := unix.Mkfifo(name, 0o666); err != nil {
		return fmt.Errorf("failed to create pipe %s: %w", name, err)
	}
	return nil
}

// Open opens one end of the FIFO at name
func (f *FIFOTransport) Open(ctx context.Context, name string, mode Mode) (Channel, error) {
	if err := f.waitExists(ctx, name); err != nil {
		return nil, err
	}
	if mode == ModeRead {
		return f.openRead(ctx, name)
	}
	return f.openWrite(ctx, name)
}

// Destroy removes the FIFO at name
func (f *FIFOTransport) Destroy(name string) error {
	if err := unix.Unlink(name); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("failed to delete pipe %s: %w", name, err)
	}
	return nil
}

func (f *FIFOTransport) waitExists(ctx context.Context, name string) error {
	err := retry(ctx, f.opts, func(err error) bool { return errors.Is(err, ErrNotFound) }, func() error {
		if _, err := os.Stat(name); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				f.logger.Debug().Str("pipe", name).Msg("Pipe does not exist yet, retrying")
				return fmt.Errorf("%w: %s", ErrNotFound, name)
			}
			return fmt.Errorf("failed to stat pipe %s: %w", name, err)
		}
		return nil
	})
	return err
}

// openRead blocks in open(2) until a writer appears. When ctx is cancelled
// first, a short-lived writer is opened to release the pending open.
func (f *FIFOTransport) openRead(ctx context.Context, name string) (Channel, error) {
	type result struct {
		file *os.File
		err  error
	}
	done := make(chan result, 1)

	go func() {
		file, err := os.OpenFile(name, os.O_RDONLY, 0)
		done <- result{file: file, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to open pipe %s for reading: %w", name, r.err)
		}
		return r.file, nil
	case <-ctx.Done():
		if w, err := os.OpenFile(name, os.O_WRONLY|unix.O_NONBLOCK, 0); err == nil {
			w.Close()
		}
		select {
		case r := <-done:
			if r.file != nil {
				r.file.Close()
			}
		case <-time.After(unblockTimeout):
			f.logger.Warn().Str("pipe", name).Msg("Pending pipe open did not return after cancellation")
		}
		return nil, ctx.Err()
	}
}

// openWrite uses a non-blocking open so a missing reader surfaces as ENXIO
// and is retried instead of blocking the caller indefinitely
func (f *FIFOTransport) openWrite(ctx context.Context, name string) (Channel, error) {
	var file *os.File
	err := retry(ctx, f.opts, func(err error) bool { return errors.Is(err, ErrNoReader) }, func() error {
		var err error
		file, err = os.OpenFile(name, os.O_WRONLY|unix.O_NONBLOCK, 0)
		if err != nil {
			if errors.Is(err, unix.ENXIO) {
				f.logger.Debug().Str("pipe", name).Msg("Failed to open pipe, retrying...")
				return fmt.Errorf("%w: %s", ErrNoReader, name)
			}
			return fmt.Errorf("failed to open pipe %s for writing: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}
