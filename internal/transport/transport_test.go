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
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mbroker/internal/config"
)

var fastRetries = Options{Retries: 20, RetryInterval: 10 * time.Millisecond}

func TestMemoryRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := NewMemoryTransport(fastRetries)
	require.NoError(t, tr.Create("client"))

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		w, err := tr.Open(ctx, "client", ModeWrite)
		if err != nil {
			done <- err
			return
		}
		_, err = w.Write([]byte("hello"))
		w.Close()
		done <- err
	}()

	r, err := tr.Open(ctx, "client", ModeRead)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	require.NoError(t, <-done)
}

func TestMemoryWriteWithoutReader(t *testing.T) {
	tr := NewMemoryTransport(Options{Retries: 2, RetryInterval: time.Millisecond})
	require.NoError(t, tr.Create("lonely"))

	_, err := tr.Open(context.Background(), "lonely", ModeWrite)
	assert.ErrorIs(t, err, ErrNoReader)
}

func TestMemoryOpenMissing(t *testing.T) {
	tr := NewMemoryTransport(Options{Retries: 2, RetryInterval: time.Millisecond})

	_, err := tr.Open(context.Background(), "nowhere", ModeRead)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, tr.Destroy("nowhere"), ErrNotFound)
}

func TestMemoryReaderGone(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := NewMemoryTransport(fastRetries)
	require.NoError(t, tr.Create("pipe"))
	ctx := context.Background()

	readerCh := make(chan Channel, 1)
	go func() {
		r, err := tr.Open(ctx, "pipe", ModeRead)
		if err == nil {
			readerCh <- r
		}
		close(readerCh)
	}()

	w, err := tr.Open(ctx, "pipe", ModeWrite)
	require.NoError(t, err)
	defer w.Close()

	r, ok := <-readerCh
	require.True(t, ok)
	require.NoError(t, r.Close())

	_, err = w.Write([]byte("anyone?"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestMemoryOpenReadCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := NewMemoryTransport(fastRetries)
	require.NoError(t, tr.Create("idle"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Open(ctx, "idle", ModeRead)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryDestroyWakesReader(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := NewMemoryTransport(fastRetries)
	require.NoError(t, tr.Create("doomed"))

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Open(context.Background(), "doomed", ModeRead)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tr.Destroy("doomed"))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("reader was not woken by Destroy")
	}
}

// A writer that opens, writes and closes before the blocked reader gets to
// run must still release that reader, with its data intact.
func TestMemoryShortLivedWriterReleasesReader(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := NewMemoryTransport(fastRetries)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, tr.Create("control"))

		type result struct {
			data string
			err  error
		}
		results := make(chan result, 1)
		go func() {
			r, err := tr.Open(ctx, "control", ModeRead)
			if err != nil {
				results <- result{err: err}
				return
			}
			defer r.Close()
			got, err := io.ReadAll(r)
			results <- result{data: string(got), err: err}
		}()

		tr.mutex.Lock()
		pipe := tr.pipes["control"]
		tr.mutex.Unlock()
		require.Eventually(t, func() bool {
			pipe.mutex.Lock()
			defer pipe.mutex.Unlock()
			return pipe.readers == 1
		}, time.Second, time.Millisecond)

		w, err := tr.Open(ctx, "control", ModeWrite)
		require.NoError(t, err)
		_, err = w.Write([]byte("ping"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		select {
		case res := <-results:
			require.NoError(t, res.err)
			assert.Equal(t, "ping", res.data)
		case <-time.After(time.Second):
			t.Fatalf("iteration %d: reader missed a writer that had already left", i)
		}
		require.NoError(t, tr.Destroy("control"))
	}
}

func TestMemoryReopenAfterEOF(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := NewMemoryTransport(fastRetries)
	require.NoError(t, tr.Create("control"))
	ctx := context.Background()

	for _, msg := range []string{"one", "two"} {
		done := make(chan error, 1)
		go func(msg string) {
			w, err := tr.Open(ctx, "control", ModeWrite)
			if err != nil {
				done <- err
				return
			}
			_, err = w.Write([]byte(msg))
			w.Close()
			done <- err
		}(msg)

		r, err := tr.Open(ctx, "control", ModeRead)
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, msg, string(got))
		require.NoError(t, r.Close())
		require.NoError(t, <-done)
	}
}

func TestFIFORoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := NewFIFOTransport(fastRetries)
	name := filepath.Join(t.TempDir(), "fifo")
	require.NoError(t, tr.Create(name))
	// Creating again replaces the existing pipe.
	require.NoError(t, tr.Create(name))

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		w, err := tr.Open(ctx, name, ModeWrite)
		if err != nil {
			done <- err
			return
		}
		_, err = w.Write([]byte("through the pipe"))
		w.Close()
		done <- err
	}()

	r, err := tr.Open(ctx, name, ModeRead)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "through the pipe", string(got))
	require.NoError(t, <-done)

	require.NoError(t, tr.Destroy(name))
	assert.ErrorIs(t, tr.Destroy(name), ErrNotFound)
}

func TestFIFOWriteWithoutReader(t *testing.T) {
	tr := NewFIFOTransport(Options{Retries: 2, RetryInterval: time.Millisecond})
	name := filepath.Join(t.TempDir(), "fifo")
	require.NoError(t, tr.Create(name))

	_, err := tr.Open(context.Background(), name, ModeWrite)
	assert.ErrorIs(t, err, ErrNoReader)
}

func TestFIFOOpenReadCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := NewFIFOTransport(fastRetries)
	name := filepath.Join(t.TempDir(), "fifo")
	require.NoError(t, tr.Create(name))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Open(ctx, name, ModeRead)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.NewDefaultConfig().Transport

	for kind, want := range map[string]string{
		config.TransportFIFO:   "fifo",
		config.TransportMemory: "memory",
		config.TransportZMQ:    "zmq",
	} {
		cfg.Kind = kind
		tr, err := New(cfg)
		require.NoError(t, err)
		assert.Equal(t, want, tr.Name())
	}

	cfg.Kind = "carrier-pigeon"
	_, err := New(cfg)
	assert.Error(t, err)
}
