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

package mailbox

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mbroker/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCreateTwice(t *testing.T) {
	dir := NewDirectory(storage.NewMemoryStore())

	require.NoError(t, dir.Create("x"))
	err := dir.Create("x")
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, 1, dir.Len())
}

func TestRemove(t *testing.T) {
	store := storage.NewMemoryStore()
	dir := NewDirectory(store)

	assert.ErrorIs(t, dir.Remove("x"), ErrNotFound)

	require.NoError(t, dir.Create("x"))
	require.NoError(t, dir.Remove("x"))

	_, exists := dir.Lookup("x")
	assert.False(t, exists)
	_, err := store.Open("x", storage.ModeRead)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = dir.TryAcquirePublisher("x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRejectedByStorage(t *testing.T) {
	dir := NewDirectory(storage.NewMemoryStore())

	err := dir.Create("a/b")
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, storage.ErrInvalidName)
	assert.Zero(t, dir.Len())
}

func TestAtMostOnePublisher(t *testing.T) {
	dir := NewDirectory(storage.NewMemoryStore())
	require.NoError(t, dir.Create("news"))

	const contenders = 64
	var (
		wg       sync.WaitGroup
		acquired atomic.Int32
		taken    atomic.Int32
		start    = make(chan struct{})
	)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := dir.TryAcquirePublisher("news")
			switch {
			case err == nil:
				acquired.Add(1)
			case errors.Is(err, ErrPublisherTaken):
				taken.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), acquired.Load())
	assert.Equal(t, int32(contenders-1), taken.Load())

	box, _ := dir.Lookup("news")
	assert.Equal(t, uint64(1), box.Info().Publishers)

	box.ReleasePublisher()
	_, err := dir.TryAcquirePublisher("news")
	assert.NoError(t, err)
}

func TestSubscriberCounting(t *testing.T) {
	dir := NewDirectory(storage.NewMemoryStore())
	require.NoError(t, dir.Create("news"))

	box, exists := dir.Lookup("news")
	require.True(t, exists)
	require.NoError(t, box.AddSubscriber())
	require.NoError(t, box.AddSubscriber())
	assert.Equal(t, uint64(2), box.Info().Subscribers)

	box.ReleaseSubscriber()
	box.ReleaseSubscriber()
	box.ReleaseSubscriber()
	assert.Zero(t, box.Info().Subscribers)

	require.NoError(t, dir.Remove("news"))
	assert.ErrorIs(t, box.AddSubscriber(), ErrNotFound)
}

func TestListSortedSnapshot(t *testing.T) {
	dir := NewDirectory(storage.NewMemoryStore())
	assert.Empty(t, dir.List())

	for _, name := range []string{"b", "a", "c"} {
		require.NoError(t, dir.Create(name))
	}
	box, _ := dir.Lookup("b")
	_, err := dir.TryAcquirePublisher("b")
	require.NoError(t, err)
	require.NoError(t, box.Append(&bytes.Buffer{}, "hi"))

	infos := dir.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "a", infos[0].Name)
	assert.Equal(t, Info{Name: "b", Size: 3, Publishers: 1}, infos[1])
	assert.Equal(t, "c", infos[2].Name)
}

func TestAppendWakesWaiters(t *testing.T) {
	dir := NewDirectory(storage.NewMemoryStore())
	require.NoError(t, dir.Create("news"))
	box, _ := dir.Lookup("news")

	type woke struct {
		size  uint64
		alive bool
	}
	results := make(chan woke, 3)
	for i := 0; i < 3; i++ {
		go func() {
			size, alive := box.Wait(0)
			results <- woke{size, alive}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	var log bytes.Buffer
	require.NoError(t, box.Append(&log, "hello"))

	for i := 0; i < 3; i++ {
		select {
		case r := <-results:
			assert.Equal(t, uint64(6), r.size)
			assert.True(t, r.alive)
		case <-time.After(time.Second):
			t.Fatal("waiter was not woken by append")
		}
	}
	assert.Equal(t, "hello\x00", log.String())
}

func TestRemovalWakesWaiters(t *testing.T) {
	dir := NewDirectory(storage.NewMemoryStore())
	require.NoError(t, dir.Create("news"))

	const waiters = 4
	done := make(chan bool, waiters)
	for i := 0; i < waiters; i++ {
		box, exists := dir.Lookup("news")
		require.True(t, exists)
		require.NoError(t, box.AddSubscriber())
		go func() {
			defer box.ReleaseSubscriber()
			_, alive := box.Wait(0)
			done <- alive
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, dir.Remove("news"))

	for i := 0; i < waiters; i++ {
		select {
		case alive := <-done:
			assert.False(t, alive)
		case <-time.After(time.Second):
			t.Fatal("subscriber stayed blocked after removal")
		}
	}
}

func TestAppendAfterRemove(t *testing.T) {
	dir := NewDirectory(storage.NewMemoryStore())
	require.NoError(t, dir.Create("news"))
	box, err := dir.TryAcquirePublisher("news")
	require.NoError(t, err)

	require.NoError(t, dir.Remove("news"))

	var log bytes.Buffer
	assert.ErrorIs(t, box.Append(&log, "late"), ErrRemoved)
	assert.Zero(t, log.Len())
	assert.True(t, box.Removed())
}

func TestCloseWakesWaiters(t *testing.T) {
	dir := NewDirectory(storage.NewMemoryStore())
	require.NoError(t, dir.Create("news"))
	box, _ := dir.Lookup("news")

	done := make(chan bool, 1)
	go func() {
		_, alive := box.Wait(0)
		done <- alive
	}()

	time.Sleep(20 * time.Millisecond)
	dir.Close()
	dir.Close()

	select {
	case alive := <-done:
		assert.False(t, alive)
	case <-time.After(time.Second):
		t.Fatal("waiter stayed blocked after close")
	}
	assert.ErrorIs(t, dir.Create("late"), ErrClosed)
}

func TestRestore(t *testing.T) {
	store := storage.NewMemoryStore()
	for name, body := range map[string]string{"alpha": "one\x00two\x00", "beta": ""} {
		h, err := store.Open(name, storage.ModeCreate)
		require.NoError(t, err)
		_, err = h.Write([]byte(body))
		require.NoError(t, err)
		require.NoError(t, h.Close())
	}
	// Longer than a box name may be, so it is skipped.
	h, err := store.Open("a-very-long-log-name-that-is-not-a-box", storage.ModeCreate)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	dir := NewDirectory(store)
	n, err := dir.Restore()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	infos := dir.List()
	require.Len(t, infos, 2)
	assert.Equal(t, Info{Name: "alpha", Size: 8}, infos[0])
	assert.Equal(t, Info{Name: "beta"}, infos[1])
}

func TestLogReader(t *testing.T) {
	store := storage.NewMemoryStore()
	dir := NewDirectory(store)
	require.NoError(t, dir.Create("news"))
	box, err := dir.TryAcquirePublisher("news")
	require.NoError(t, err)

	writer, err := dir.OpenLog("news", storage.ModeAppend)
	require.NoError(t, err)
	defer writer.Close()
	handle, err := dir.OpenLog("news", storage.ModeRead)
	require.NoError(t, err)
	defer handle.Close()

	reader := NewLogReader(handle)

	require.NoError(t, box.Append(writer, "first"))
	require.NoError(t, box.Append(writer, "second"))
	records, err := reader.ReadUpTo(box.Size())
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, records)

	// Nothing new means nothing returned.
	records, err = reader.ReadUpTo(box.Size())
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, box.Append(writer, ""))
	require.NoError(t, box.Append(writer, "third"))
	records, err = reader.ReadUpTo(box.Size())
	require.NoError(t, err)
	assert.Equal(t, []string{"", "third"}, records)
	assert.Equal(t, box.Size(), reader.Offset())
}

func TestLogReaderHoldsPartialRecord(t *testing.T) {
	var log bytes.Buffer
	reader := NewLogReader(&log)

	log.WriteString("hel")
	records, err := reader.ReadUpTo(3)
	require.NoError(t, err)
	assert.Empty(t, records)

	log.WriteString("lo\x00")
	records, err = reader.ReadUpTo(6)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, records)
}

func TestLogReaderShortLog(t *testing.T) {
	reader := NewLogReader(bytes.NewBufferString("a\x00"))

	records, err := reader.ReadUpTo(10)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, []string{"a"}, records)
}
