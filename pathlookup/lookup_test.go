package lookup

import (
	"testing"

	"github.com/netsys-lab/multipath-transfer/peers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queue collects posted functions so tests decide when they run
type queue struct {
	fns []func()
}

func (q *queue) Post(fn func()) {
	q.fns = append(q.fns, fn)
}

func (q *queue) drain() {
	for len(q.fns) > 0 {
		fn := q.fns[0]
		q.fns = q.fns[1:]
		fn()
	}
}

type countingResolver struct {
	q     *queue
	ifs   map[peers.ID]peers.InterfaceList
	calls int
}

func (r *countingResolver) Resolve(id peers.ID, cb ResolveCallback) {
	r.calls++
	ifs := r.ifs[id]
	r.q.Post(func() { cb(id, ifs) })
}

func Test_Service(t *testing.T) {
	a := peers.Interface{Addr: "10.0.0.1", Port: 9000}
	b := peers.Interface{Addr: "10.0.1.1", Port: 9000}

	t.Run("Local entry, callback is async", func(t *testing.T) {
		q := &queue{}
		s, err := NewService(q, nil)
		require.NoError(t, err)
		s.Insert(7, peers.InterfaceList{a, b})

		var got peers.InterfaceList
		called := false
		s.Resolve(7, func(id peers.ID, ifs peers.InterfaceList) {
			called = true
			assert.Equal(t, peers.ID(7), id)
			got = ifs
		})
		assert.False(t, called)
		q.drain()
		assert.True(t, called)
		assert.Equal(t, peers.InterfaceList{a, b}, got)
	})

	t.Run("Unknown without superior", func(t *testing.T) {
		q := &queue{}
		s, err := NewService(q, nil)
		require.NoError(t, err)

		var got peers.InterfaceList = peers.InterfaceList{a}
		s.Resolve(9, func(_ peers.ID, ifs peers.InterfaceList) { got = ifs })
		q.drain()
		assert.Empty(t, got)
	})

	t.Run("Superior answers are cached", func(t *testing.T) {
		q := &queue{}
		sup := &countingResolver{q: q, ifs: map[peers.ID]peers.InterfaceList{3: {b}}}
		s, err := NewService(q, &ServiceOptions{Superior: sup, CacheSize: 4})
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			var got peers.InterfaceList
			s.Resolve(3, func(_ peers.ID, ifs peers.InterfaceList) { got = ifs })
			q.drain()
			assert.Equal(t, peers.InterfaceList{b}, got)
		}
		assert.Equal(t, 1, sup.calls)
	})

	t.Run("Empty superior answers are not cached", func(t *testing.T) {
		q := &queue{}
		sup := &countingResolver{q: q}
		s, err := NewService(q, &ServiceOptions{Superior: sup})
		require.NoError(t, err)

		s.Resolve(3, func(peers.ID, peers.InterfaceList) {})
		q.drain()
		s.Resolve(3, func(peers.ID, peers.InterfaceList) {})
		q.drain()
		assert.Equal(t, 2, sup.calls)
	})

	t.Run("Local table wins over cache", func(t *testing.T) {
		q := &queue{}
		sup := &countingResolver{q: q, ifs: map[peers.ID]peers.InterfaceList{3: {b}}}
		s, err := NewService(q, &ServiceOptions{Superior: sup})
		require.NoError(t, err)

		s.Resolve(3, func(peers.ID, peers.InterfaceList) {})
		q.drain()
		s.Insert(3, peers.InterfaceList{a})

		var got peers.InterfaceList
		s.Resolve(3, func(_ peers.ID, ifs peers.InterfaceList) { got = ifs })
		q.drain()
		assert.Equal(t, peers.InterfaceList{a}, got)
	})
}
