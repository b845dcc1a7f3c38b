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

package broker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mbroker/internal/client"
	"mbroker/internal/config"
	"mbroker/internal/logger"
	"mbroker/internal/mailbox"
	"mbroker/internal/protocol"
	"mbroker/internal/storage"
	"mbroker/internal/transport"
)

func TestMain(m *testing.M) {
	logger.SetSilentMode(true)
	goleak.VerifyTestMain(m)
}

type harness struct {
	broker    *Broker
	client    *client.Client
	transport *transport.MemoryTransport
}

func testConfig(sessions int) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Broker.ControlChannel = "control"
	cfg.Broker.MaxSessions = sessions
	cfg.Transport.Kind = config.TransportMemory
	cfg.Transport.OpenRetries = 100
	cfg.Transport.RetryInterval = 10 * time.Millisecond
	return cfg
}

func startBroker(t *testing.T, sessions int) *harness {
	t.Helper()

	tr := transport.NewMemoryTransport(transport.Options{Retries: 200, RetryInterval: 5 * time.Millisecond})
	b := runBroker(t, testConfig(sessions), tr)
	return &harness{broker: b, client: client.New("control", tr), transport: tr}
}

// runBroker starts a broker over tr and stops it when the test ends
func runBroker(t *testing.T, cfg *config.Config, tr transport.Transport) *Broker {
	t.Helper()

	b, err := New(cfg, storage.NewMemoryStore(), tr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Run(ctx)
	}()

	select {
	case <-b.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("broker failed to start: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("broker did not become ready")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("broker did not stop")
		}
	})

	return b
}

func pipeName() string {
	return "pipe-" + uuid.NewString()
}

func (h *harness) box(t *testing.T, name string) *mailbox.Mailbox {
	t.Helper()
	box, exists := h.broker.Directory().Lookup(name)
	require.True(t, exists, "box %s does not exist", name)
	return box
}

func TestCreateAndRemove(t *testing.T) {
	h := startBroker(t, 2)
	ctx := context.Background()

	require.NoError(t, h.client.CreateBox(ctx, pipeName(), "x"))

	err := h.client.CreateBox(ctx, pipeName(), "x")
	var answer *client.AnswerError
	require.ErrorAs(t, err, &answer)
	assert.Equal(t, "box already exists", answer.Message)

	require.NoError(t, h.client.RemoveBox(ctx, pipeName(), "x"))

	err = h.client.RemoveBox(ctx, pipeName(), "x")
	require.ErrorAs(t, err, &answer)
	assert.Equal(t, "box not found", answer.Message)
}

func TestListBoxes(t *testing.T) {
	h := startBroker(t, 2)
	ctx := context.Background()

	boxes, err := h.client.ListBoxes(ctx, pipeName())
	require.NoError(t, err)
	assert.Empty(t, boxes)

	for _, name := range []string{"b", "a", "c"} {
		require.NoError(t, h.client.CreateBox(ctx, pipeName(), name))
	}

	boxes, err = h.client.ListBoxes(ctx, pipeName())
	require.NoError(t, err)
	require.Len(t, boxes, 3)
	for i, name := range []string{"a", "b", "c"} {
		assert.Equal(t, name, boxes[i].BoxName)
		assert.Equal(t, i == 2, boxes[i].Last)
	}
}

func TestReplayThenLiveDelivery(t *testing.T) {
	h := startBroker(t, 4)
	ctx := context.Background()
	require.NoError(t, h.client.CreateBox(ctx, pipeName(), "news"))

	pub, err := h.client.Publish(ctx, pipeName(), "news")
	require.NoError(t, err)
	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, pub.Send(msg))
	}
	box := h.box(t, "news")
	require.Eventually(t, func() bool { return box.Size() == uint64(len("one two three ")) }, 2*time.Second, 5*time.Millisecond)

	messages := make(chan string, 16)
	done := make(chan int, 1)
	go func() {
		n, err := h.client.Subscribe(ctx, pipeName(), "news", func(text string) error {
			messages <- text
			return nil
		})
		assert.NoError(t, err)
		done <- n
	}()

	receive := func(want string) {
		t.Helper()
		select {
		case got := <-messages:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	for _, want := range []string{"one", "two", "three"} {
		receive(want)
	}

	require.Eventually(t, func() bool { return box.Info().Subscribers == 1 }, 2*time.Second, 5*time.Millisecond)
	for _, msg := range []string{"four", "five"} {
		require.NoError(t, pub.Send(msg))
	}
	receive("four")
	receive("five")

	require.NoError(t, pub.Close())
	require.Eventually(t, func() bool { return box.Info().Publishers == 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.client.RemoveBox(ctx, pipeName(), "news"))

	select {
	case n := <-done:
		assert.Equal(t, 5, n)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not released by removal")
	}
	assert.Empty(t, messages, "no record may be delivered twice")
}

func TestSecondPublisherRejected(t *testing.T) {
	h := startBroker(t, 3)
	ctx := context.Background()
	require.NoError(t, h.client.CreateBox(ctx, pipeName(), "news"))

	first, err := h.client.Publish(ctx, pipeName(), "news")
	require.NoError(t, err)
	defer first.Close()
	box := h.box(t, "news")
	require.Eventually(t, func() bool { return box.Info().Publishers == 1 }, 2*time.Second, 5*time.Millisecond)

	second, err := h.client.Publish(ctx, pipeName(), "news")
	if err == nil {
		defer second.Close()
		require.Eventually(t, func() bool {
			return errors.Is(second.Send("intruder"), client.ErrSessionClosed)
		}, 2*time.Second, 5*time.Millisecond)
	} else {
		assert.ErrorIs(t, err, client.ErrSessionClosed)
	}

	require.NoError(t, first.Send("legit"))
	require.Eventually(t, func() bool { return box.Size() == uint64(len("legit ")) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), box.Info().Publishers)
}

func TestPublisherAfterRemoveFails(t *testing.T) {
	h := startBroker(t, 2)
	ctx := context.Background()

	require.NoError(t, h.client.CreateBox(ctx, pipeName(), "x"))
	require.NoError(t, h.client.RemoveBox(ctx, pipeName(), "x"))

	pub, err := h.client.Publish(ctx, pipeName(), "x")
	if err == nil {
		defer pub.Close()
		require.Eventually(t, func() bool {
			return errors.Is(pub.Send("nobody home"), client.ErrSessionClosed)
		}, 2*time.Second, 5*time.Millisecond)
	} else {
		assert.ErrorIs(t, err, client.ErrSessionClosed)
	}

	_, exists := h.broker.Directory().Lookup("x")
	assert.False(t, exists)
}

func TestSubscriberToMissingBox(t *testing.T) {
	h := startBroker(t, 2)

	n, err := h.client.Subscribe(context.Background(), pipeName(), "ghost", func(string) error {
		return fmt.Errorf("nothing should arrive")
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRemovalReleasesAllSubscribers(t *testing.T) {
	h := startBroker(t, 4)
	ctx := context.Background()
	require.NoError(t, h.client.CreateBox(ctx, pipeName(), "quiet"))
	box := h.box(t, "quiet")

	const subscribers = 2
	var wg sync.WaitGroup
	for i := 0; i < subscribers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := h.client.Subscribe(ctx, pipeName(), "quiet", func(string) error { return nil })
			assert.NoError(t, err)
			assert.Zero(t, n)
		}()
	}
	require.Eventually(t, func() bool { return box.Info().Subscribers == subscribers }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.client.RemoveBox(ctx, pipeName(), "quiet"))

	released := make(chan struct{})
	go func() {
		wg.Wait()
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribers stayed blocked after removal")
	}
}

func TestShutdownReleasesSessions(t *testing.T) {
	tr := transport.NewMemoryTransport(transport.Options{Retries: 200, RetryInterval: 5 * time.Millisecond})
	b, err := New(testConfig(2), storage.NewMemoryStore(), tr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(ctx) }()
	<-b.Ready()

	c := client.New("control", tr)
	require.NoError(t, c.CreateBox(ctx, pipeName(), "news"))
	box, _ := b.Directory().Lookup("news")

	subDone := make(chan struct{})
	go func() {
		defer close(subDone)
		c.Subscribe(context.Background(), pipeName(), "news", func(string) error { return nil })
	}()
	require.Eventually(t, func() bool { return box.Info().Subscribers == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not shut down")
	}
	<-subDone

	_, err = tr.Open(context.Background(), "control", transport.ModeWrite)
	assert.ErrorIs(t, err, transport.ErrNotFound, "control channel is destroyed on shutdown")

	for _, w := range b.WorkerStats() {
		assert.Equal(t, "stopped", w.State)
	}
}

func TestMalformedRegistrationsAreDropped(t *testing.T) {
	h := startBroker(t, 2)
	ctx := context.Background()

	channel, err := h.transport.Open(ctx, "control", transport.ModeWrite)
	require.NoError(t, err)
	// An answer opcode is not a request.
	require.NoError(t, protocol.WritePacket(channel, protocol.NewAnswer(protocol.OpCreateMailboxAnswer, nil)))
	// Unknown opcode.
	_, err = channel.Write(make([]byte, protocol.PacketSize))
	require.NoError(t, err)
	// Box name that can never be stored.
	require.NoError(t, protocol.WritePacket(channel, protocol.NewRegistration(protocol.OpCreateMailbox, "p", "..")))
	require.NoError(t, protocol.WritePacket(channel, protocol.NewRegistration(protocol.OpCreateMailbox, "p", `a\b`)))
	require.NoError(t, channel.Close())

	require.Eventually(t, func() bool { return h.broker.Stats().PacketsRejected == 4 }, 2*time.Second, 5*time.Millisecond)

	// The listener keeps serving after the bad input.
	require.NoError(t, h.client.CreateBox(ctx, pipeName(), "fine"))
}

func TestHistoryAndStats(t *testing.T) {
	h := startBroker(t, 2)
	ctx := context.Background()

	require.NoError(t, h.client.CreateBox(ctx, pipeName(), "a"))
	err := h.client.CreateBox(ctx, pipeName(), "a")
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return h.broker.History().Len() == 2 && h.broker.Stats().SessionsHandled == 2
	}, 2*time.Second, 5*time.Millisecond)
	recent := h.broker.History().Recent()
	assert.Equal(t, OutcomeRejected, recent[0].Outcome)
	assert.Equal(t, OutcomeCompleted, recent[1].Outcome)
	assert.Equal(t, "CREATE_MAILBOX", recent[1].Opcode)
	assert.Equal(t, "a", recent[1].Box)

	record, ok := h.broker.History().Get(recent[1].ID)
	require.True(t, ok)
	assert.Same(t, recent[1], record)

	stats := h.broker.Stats()
	assert.Equal(t, 1, stats.Boxes)
	assert.Equal(t, 2, stats.Workers)
	assert.Equal(t, 2, stats.QueueCapacity)
	assert.Equal(t, int64(2), stats.PacketsReceived)
	assert.Equal(t, 2, stats.SessionsHandled)
	assert.Zero(t, stats.SessionsFailed)
}

func TestRunTwice(t *testing.T) {
	h := startBroker(t, 1)
	assert.Error(t, h.broker.Run(context.Background()))
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(0)
	_, err := New(cfg, storage.NewMemoryStore(), transport.NewMemoryTransport(transport.Options{}))
	assert.Error(t, err)

	cfg = testConfig(1)
	cfg.Broker.ControlChannel = ""
	_, err = New(cfg, storage.NewMemoryStore(), transport.NewMemoryTransport(transport.Options{}))
	assert.Error(t, err)
}

func TestFIFOEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(4)
	cfg.Transport.Kind = config.TransportFIFO
	cfg.Broker.ControlChannel = filepath.Join(dir, "control")

	tr := transport.NewFIFOTransport(transport.Options{Retries: 200, RetryInterval: 5 * time.Millisecond})
	b := runBroker(t, cfg, tr)
	c := client.New(cfg.Broker.ControlChannel, tr)
	pipe := func(role string) string {
		return filepath.Join(dir, role+"-"+uuid.NewString()[:8])
	}
	ctx := context.Background()

	require.NoError(t, c.CreateBox(ctx, pipe("manager"), "news"))
	boxes, err := c.ListBoxes(ctx, pipe("manager"))
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.Equal(t, "news", boxes[0].BoxName)

	pub, err := c.Publish(ctx, pipe("pub"), "news")
	require.NoError(t, err)
	require.NoError(t, pub.Send("hello"))
	require.NoError(t, pub.Send("world"))
	require.NoError(t, pub.Close())

	box, exists := b.Directory().Lookup("news")
	require.True(t, exists)
	require.Eventually(t, func() bool { return box.Size() == uint64(len("hello world ")) }, 2*time.Second, 5*time.Millisecond)

	messages := make(chan string, 4)
	done := make(chan int, 1)
	go func() {
		n, err := c.Subscribe(ctx, pipe("sub"), "news", func(text string) error {
			messages <- text
			return nil
		})
		assert.NoError(t, err)
		done <- n
	}()
	for _, want := range []string{"hello", "world"} {
		select {
		case got := <-messages:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
	require.Eventually(t, func() bool { return box.Info().Subscribers == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.RemoveBox(ctx, pipe("manager"), "news"))
	select {
	case n := <-done:
		assert.Equal(t, 2, n)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not released by removal")
	}
	assert.Equal(t, int64(5), b.Stats().PacketsReceived)
}

// gatedTransport holds every write to one pipe until release is closed
type gatedTransport struct {
	*transport.MemoryTransport
	pipe    string
	entered chan struct{}
	release chan struct{}
}

type gatedChannel struct {
	transport.Channel
	gate *gatedTransport
	once sync.Once
}

func (g *gatedTransport) Open(ctx context.Context, name string, mode transport.Mode) (transport.Channel, error) {
	ch, err := g.MemoryTransport.Open(ctx, name, mode)
	if err != nil || name != g.pipe || mode != transport.ModeWrite {
		return ch, err
	}
	return &gatedChannel{Channel: ch, gate: g}, nil
}

func (c *gatedChannel) Write(p []byte) (int, error) {
	c.once.Do(func() { close(c.gate.entered) })
	<-c.gate.release
	return c.Channel.Write(p)
}

func TestSubscriberCountedAfterReplay(t *testing.T) {
	pipe := pipeName()
	tr := &gatedTransport{
		MemoryTransport: transport.NewMemoryTransport(transport.Options{Retries: 200, RetryInterval: 5 * time.Millisecond}),
		pipe:            pipe,
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	b := runBroker(t, testConfig(4), tr)
	c := client.New("control", tr)
	ctx := context.Background()

	require.NoError(t, c.CreateBox(ctx, pipeName(), "news"))
	pub, err := c.Publish(ctx, pipeName(), "news")
	require.NoError(t, err)
	require.NoError(t, pub.Send("stored"))
	require.NoError(t, pub.Close())
	box, exists := b.Directory().Lookup("news")
	require.True(t, exists)
	require.Eventually(t, func() bool { return box.Size() == uint64(len("stored ")) }, 2*time.Second, 5*time.Millisecond)

	done := make(chan int, 1)
	go func() {
		n, err := c.Subscribe(ctx, pipe, "news", func(string) error { return nil })
		assert.NoError(t, err)
		done <- n
	}()

	select {
	case <-tr.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("replay never started")
	}
	assert.Zero(t, box.Info().Subscribers, "subscriber counted before its replay was sent")

	close(tr.release)
	require.Eventually(t, func() bool { return box.Info().Subscribers == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.RemoveBox(ctx, pipeName(), "news"))
	select {
	case n := <-done:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not released by removal")
	}
}
