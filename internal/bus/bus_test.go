// Copyright 2025 The Gobby Authors
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

package bus

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynchronousHandlersRunInOrder(t *testing.T) {
	b := New()
	var order []string
	b.SubscribeFunc(func(Event) { order = append(order, "first") }, BeforeTool)
	b.SubscribeFunc(func(Event) { order = append(order, "second") }, BeforeTool)
	b.SubscribeFunc(func(Event) { order = append(order, "wildcard") })

	b.Publish(Event{Type: BeforeTool, SessionID: "s1"})
	assert.Equal(t, []string{"wildcard", "first", "second"}, order)
}

func TestHandlerTypeFilter(t *testing.T) {
	b := New()
	var got []EventType
	b.SubscribeFunc(func(e Event) { got = append(got, e.Type) }, Stop, SubagentStop)

	b.Publish(Event{Type: BeforeTool})
	b.Publish(Event{Type: Stop})
	b.Publish(Event{Type: SubagentStop})
	assert.Equal(t, []EventType{Stop, SubagentStop}, got)
}

func TestAsyncSubscriptionReceives(t *testing.T) {
	b := New()
	sub := b.Subscribe(SessionStart)
	defer sub.Close()

	b.Publish(Event{Type: SessionStart, SessionID: "s1"})
	b.Publish(Event{Type: BeforeTool, SessionID: "s1"})

	e := <-sub.C
	assert.Equal(t, SessionStart, e.Type)
	assert.False(t, e.Timestamp.IsZero())
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected event %s", e.Type)
	default:
	}
}

func TestBackpressureDropsOldest(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	total := queueSize + 10
	for i := 0; i < total; i++ {
		b.Publish(Event{Type: Notification, Payload: map[string]any{"n": i}})
	}

	assert.Equal(t, uint64(10), sub.Dropped())

	// The survivors are the newest events, in order.
	first := <-sub.C
	assert.Equal(t, 10, first.Payload["n"])
	count := 1
	for {
		select {
		case <-sub.C:
			count++
		default:
			assert.Equal(t, queueSize, count)
			return
		}
	}
}

func TestCloseDetachesSubscribers(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Close()

	_, open := <-sub.C
	assert.False(t, open)

	// Publish after close is a no-op.
	b.Publish(Event{Type: Stop})
}

func TestSubscriptionCloseIsIdempotentWithBusClose(t *testing.T) {
	b := New()
	sub := b.Subscribe(Stop)
	sub.Close()
	require.NotPanics(t, func() { b.Publish(Event{Type: Stop}) })
	require.NotPanics(t, b.Close)
}

func TestManyPublishersDoNotBlock(t *testing.T) {
	b := New()
	sub := b.Subscribe() // never drained
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < queueSize*4; i++ {
			b.Publish(Event{Type: TaskChanged, Payload: map[string]any{"i": fmt.Sprint(i)}})
		}
		close(done)
	}()
	<-done // would hang forever if Publish blocked on the full queue
	assert.Greater(t, sub.Dropped(), uint64(0))
}

func TestPublishRacingSubscriberClose(t *testing.T) {
	b := New()
	for i := 0; i < 200; i++ {
		sub := b.Subscribe(SessionStart)
		done := make(chan struct{})
		go func() {
			for j := 0; j < 20; j++ {
				b.Publish(Event{Type: SessionStart})
			}
			close(done)
		}()
		sub.Close()
		<-done
	}
}

func TestEveryEventIsReceivedOrCounted(t *testing.T) {
	b := New()
	sub := b.Subscribe(SessionStart)

	var received atomic.Int64
	done := make(chan struct{})
	go func() {
		for range sub.C {
			received.Add(1)
		}
		close(done)
	}()

	const total = 5000
	for i := 0; i < total; i++ {
		b.Publish(Event{Type: SessionStart})
	}
	b.Close()
	<-done

	assert.Equal(t, int64(total), received.Load()+int64(sub.Dropped()))
}
