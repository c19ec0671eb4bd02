package streaming

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscriber(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("r1", 4)
	defer m.Unsubscribe("r1", ch)

	m.Publish("r1", EventToken, "per ")
	m.Publish("r1", EventToken, "AFI")

	first := <-ch
	assert.Equal(t, EventToken, first.Type)
	assert.Equal(t, "per ", first.Data)
	assert.EqualValues(t, 0, first.Seq)

	second := <-ch
	assert.EqualValues(t, 1, second.Seq)
}

func TestSubscribersAreIsolatedByRequest(t *testing.T) {
	m := NewManager(16)
	a := m.Subscribe("ra", 4)
	b := m.Subscribe("rb", 4)
	defer m.Unsubscribe("ra", a)
	defer m.Unsubscribe("rb", b)

	m.Publish("ra", EventDone, nil)
	assert.Len(t, a, 1)
	assert.Len(t, b, 0)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("r1", 1)
	defer m.Unsubscribe("r1", ch)

	m.Publish("r1", EventToken, "a")
	m.Publish("r1", EventToken, "b") // buffer full, dropped

	got := <-ch
	assert.Equal(t, "a", got.Data)
	assert.Len(t, ch, 0)

	// the dropped event is still recoverable via replay
	replay := m.ReplaySince("r1", got.Seq)
	require.Len(t, replay, 1)
	assert.Equal(t, "b", replay[0].Data)
}

func TestReplaySince(t *testing.T) {
	m := NewManager(16)
	for i := 0; i < 5; i++ {
		m.Publish("r1", EventToken, i)
	}
	replay := m.ReplaySince("r1", 2)
	require.Len(t, replay, 2)
	assert.EqualValues(t, 3, replay[0].Seq)
	assert.EqualValues(t, 4, replay[1].Seq)

	assert.Nil(t, m.ReplaySince("unknown", 0))
}

func TestReplayBoundedByCapacity(t *testing.T) {
	m := NewManager(3)
	for i := 0; i < 10; i++ {
		m.Publish("r1", EventToken, i)
	}
	replay := m.ReplaySince("r1", 0)
	require.Len(t, replay, 3)
	assert.Equal(t, 9, replay[2].Data)
}

func TestReplayDuringConcurrentPublish(t *testing.T) {
	m := NewManager(8)
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < 5000; i++ {
			m.Publish("r1", EventToken, i)
		}
	}()
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < 5000; i++ {
			m.ReplaySince("r1", 0)
		}
	}()
	close(start)
	wg.Wait()

	replay := m.ReplaySince("r1", 0)
	require.Len(t, replay, 8)
	assert.EqualValues(t, 4999, replay[7].Seq)
}

func TestForget(t *testing.T) {
	m := NewManager(16)
	m.Publish("r1", EventDone, nil)
	m.Forget("r1")
	assert.Nil(t, m.ReplaySince("r1", 0))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("r1", 1)
	m.Unsubscribe("r1", ch)
	_, open := <-ch
	assert.False(t, open)

	// publishing after the last unsubscribe must not panic
	m.Publish("r1", EventDone, nil)
}
