package pathselection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func all(int) bool { return true }

func Test_RoundRobin(t *testing.T) {
	t.Run("Rotates", func(t *testing.T) {
		rr := NewRoundRobin()
		var got []int
		for i := 0; i < 5; i++ {
			idx, err := rr.Next(3, all)
			require.NoError(t, err)
			got = append(got, idx)
		}
		assert.Equal(t, []int{0, 1, 2, 0, 1}, got)
	})

	t.Run("Skips unusable", func(t *testing.T) {
		rr := NewRoundRobin()
		usable := func(i int) bool { return i != 1 }
		var got []int
		for i := 0; i < 4; i++ {
			idx, err := rr.Next(3, usable)
			require.NoError(t, err)
			got = append(got, idx)
		}
		assert.Equal(t, []int{0, 2, 0, 2}, got)
	})

	t.Run("No paths", func(t *testing.T) {
		rr := NewRoundRobin()
		_, err := rr.Next(0, all)
		assert.ErrorIs(t, err, ErrNoUsablePath)
	})

	t.Run("None usable terminates", func(t *testing.T) {
		rr := NewRoundRobin()
		probes := 0
		_, err := rr.Next(4, func(int) bool { probes++; return false })
		assert.ErrorIs(t, err, ErrNoUsablePath)
		assert.Equal(t, 4, probes)
	})

	t.Run("Shrinking set", func(t *testing.T) {
		rr := NewRoundRobin()
		for i := 0; i < 3; i++ {
			_, _ = rr.Next(3, all)
		}
		idx, err := rr.Next(2, all)
		require.NoError(t, err)
		assert.Equal(t, 1, idx)
	})
}
