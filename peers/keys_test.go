package peers

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_DeriveConnID(t *testing.T) {
	t.Run("Symmetric", func(t *testing.T) {
		r := rand.New(rand.NewPCG(1, 2))
		for i := 0; i < 1000; i++ {
			a, b := Key(r.Uint32()), Key(r.Uint32())
			require.Equal(t, DeriveConnID(a, b), DeriveConnID(b, a), "keys %d/%d", a, b)
		}
	})

	t.Run("Layout", func(t *testing.T) {
		assert.Equal(t, ConnID(0x0000000700000009), DeriveConnID(9, 7))
		assert.Equal(t, ConnID(0x0000000500000005), DeriveConnID(5, 5))
	})

	t.Run("Distinct key pairs give distinct ids", func(t *testing.T) {
		assert.NotEqual(t, DeriveConnID(1, 2), DeriveConnID(1, 3))
		assert.NotEqual(t, DeriveConnID(1, 2), DeriveConnID(2, 3))
	})
}

func Test_NewKey(t *testing.T) {
	t.Run("Skips zero", func(t *testing.T) {
		src := &SequenceKeys{Values: []uint32{0, 0, 42}}
		assert.Equal(t, Key(42), NewKey(src, nil))
	})

	t.Run("Skips taken keys", func(t *testing.T) {
		src := &SequenceKeys{Values: []uint32{7, 7, 8}}
		taken := func(k Key) bool { return k == 7 }
		assert.Equal(t, Key(8), NewKey(src, taken))
	})

	t.Run("Default source never returns zero", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			require.NotZero(t, NewKey(nil, nil))
		}
	})
}

func Test_Interface(t *testing.T) {
	i := Interface{Addr: "10.0.0.1", Port: 9000}
	assert.Equal(t, "10.0.0.1:9000", i.String())
	assert.False(t, i.IsZero())
	assert.True(t, Interface{}.IsZero())

	v6 := Interface{Addr: "::1", Port: 80}
	assert.Equal(t, "[::1]:80", v6.String())

	l := InterfaceList{i, v6}
	c := l.Clone()
	c[0].Port = 1
	assert.Equal(t, uint16(9000), l[0].Port)
	assert.Equal(t, "[10.0.0.1:9000 [::1]:80]", l.String())
}
