package moly

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChainSubscriber_TrySend(t *testing.T) {
	set := func(n int) []PolicyChain {
		return []PolicyChain{{TrafficClass: fmt.Sprintf("tc-%d", n)}}
	}

	t.Run("full buffer keeps the newest sets", func(t *testing.T) {
		sub := &chainSubscriber{ch: make(chan []PolicyChain, 4)}
		for i := 1; i <= 7; i++ {
			sub.trySend(set(i))
		}
		sub.close()

		var got []string
		for chains := range sub.ch {
			got = append(got, chains[0].TrafficClass)
		}
		require.Equal(t, []string{"tc-4", "tc-5", "tc-6", "tc-7"}, got)
	})

	t.Run("unbuffered channel without reader does not block", func(t *testing.T) {
		sub := &chainSubscriber{ch: make(chan []PolicyChain)}
		sub.trySend(set(1))
		sub.close()

		_, ok := <-sub.ch
		require.False(t, ok)
	})

	t.Run("closed subscriber ignores sends", func(t *testing.T) {
		sub := &chainSubscriber{ch: make(chan []PolicyChain, 1)}
		sub.close()
		sub.close()
		sub.trySend(set(1))

		_, ok := <-sub.ch
		require.False(t, ok)
	})
}
