package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFireReachesAllListeners(t *testing.T) {
	n := NewNotifier()

	var got []Event
	n.Add(ListenerFunc(func(e Event) { got = append(got, e) }))
	n.Add(ListenerFunc(func(e Event) { got = append(got, e) }))

	n.Fire(Event{Source: "folder", Kind: MessageAdded, Path: "INBOX", MessageID: "<x@y>"})

	assert.Len(t, got, 2)
	assert.Equal(t, MessageAdded, got[0].Kind)
}

func TestRemoveStopsDelivery(t *testing.T) {
	n := NewNotifier()

	calls := 0
	id := n.Add(ListenerFunc(func(Event) { calls++ }))
	n.Fire(Event{Kind: StoreOpened})
	n.Remove(id)
	n.Fire(Event{Kind: StoreClosed})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, n.Len())
}

func TestRegisterDuringDispatchDoesNotAffectSnapshot(t *testing.T) {
	n := NewNotifier()

	extraCalls := 0
	n.Add(ListenerFunc(func(Event) {
		n.Add(ListenerFunc(func(Event) { extraCalls++ }))
	}))

	n.Fire(Event{Kind: FolderUpdated})
	assert.Equal(t, 0, extraCalls, "listener added mid-fire must not see the current event")

	n.Fire(Event{Kind: FolderUpdated})
	assert.Equal(t, 1, extraCalls)
}

func TestConcurrentRegistrationAndFire(t *testing.T) {
	n := NewNotifier()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			n.Add(ListenerFunc(func(Event) {}))
		}()
		go func() {
			defer wg.Done()
			n.Fire(Event{Kind: MessageUpdated})
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, n.Len())
}
