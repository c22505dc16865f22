package refresh

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHubDropsForFullSubscribers(t *testing.T) {
	hub := NewHub()
	fast, cancelFast := hub.Subscribe(4)
	defer cancelFast()
	slow, cancelSlow := hub.Subscribe(1)
	defer cancelSlow()

	for i := 0; i < 3; i++ {
		hub.publish(ChangeEvent{Key: testKey, Rows: i})
	}
	require.Len(t, fast, 3)
	require.Len(t, slow, 1)
	require.Equal(t, 2, hub.Dropped())
}

func TestHubCancelAndClose(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(1)
	cancel()
	cancel()
	_, open := <-ch
	require.False(t, open)

	other, _ := hub.Subscribe(1)
	hub.close()
	_, open = <-other
	require.False(t, open)

	late, _ := hub.Subscribe(1)
	_, open = <-late
	require.False(t, open)
}
