package socket

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/netsys-lab/multipath-transfer/eventloop"
	"github.com/netsys-lab/multipath-transfer/peers"
	"github.com/netsys-lab/multipath-transfer/sutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects transport events, guarded because the loop may run on
// its own goroutine in the loopback tests
type recorder struct {
	sync.Mutex
	t         Transport
	connected bool
	failed    error
	closed    bool
	closeErr  error
	data      bytes.Buffer
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnConnected: func() { r.Lock(); r.connected = true; r.Unlock() },
		OnConnectFailed: func(err error) {
			r.Lock()
			r.failed = err
			r.Unlock()
		},
		OnRecv: func() {
			r.Lock()
			defer r.Unlock()
			for b := r.t.Recv(); b != nil; b = r.t.Recv() {
				r.data.Write(b)
			}
		},
		OnClosed: func() { r.Lock(); r.closed = true; r.Unlock() },
		OnCloseError: func(err error) {
			r.Lock()
			r.closeErr = err
			r.Unlock()
		},
	}
}

func (r *recorder) snapshot() (connected, closed bool, data string) {
	r.Lock()
	defer r.Unlock()
	return r.connected, r.closed, r.data.String()
}

func Test_MemNetwork(t *testing.T) {
	iface := peers.Interface{Addr: "10.0.0.1", Port: 9000}

	setup := func(t *testing.T) (*eventloop.Loop, *MemNetwork, *recorder, *[]*recorder) {
		loop := eventloop.New(clock.NewMock())
		n := NewMemNetwork(loop)
		accepted := &[]*recorder{}
		l := n.NewListener()
		require.NoError(t, l.Listen(iface, func(tr Transport) {
			r := &recorder{t: tr}
			tr.SetCallbacks(r.callbacks())
			require.NoError(t, tr.Listen())
			*accepted = append(*accepted, r)
		}))
		c := &recorder{t: n.NewTransport(peers.Interface{})}
		c.t.SetCallbacks(c.callbacks())
		return loop, n, c, accepted
	}

	t.Run("Connect and exchange", func(t *testing.T) {
		loop, _, c, accepted := setup(t)
		require.NoError(t, c.t.Connect(iface))
		loop.RunUntilIdle()
		require.Len(t, *accepted, 1)
		assert.True(t, c.connected)

		_, err := c.t.Send([]byte("ping"))
		require.NoError(t, err)
		_, err = (*accepted)[0].t.Send([]byte("pong"))
		require.NoError(t, err)
		loop.RunUntilIdle()

		assert.Equal(t, "ping", (*accepted)[0].data.String())
		assert.Equal(t, "pong", c.data.String())
	})

	t.Run("Refused", func(t *testing.T) {
		loop, n, c, accepted := setup(t)
		n.Refuse(iface)
		require.NoError(t, c.t.Connect(iface))
		loop.RunUntilIdle()
		assert.ErrorIs(t, c.failed, ErrRefused)
		assert.Empty(t, *accepted)
	})

	t.Run("Nobody listening", func(t *testing.T) {
		loop, _, c, _ := setup(t)
		require.NoError(t, c.t.Connect(peers.Interface{Addr: "10.9.9.9", Port: 1}))
		loop.RunUntilIdle()
		assert.ErrorIs(t, c.failed, ErrRefused)
	})

	t.Run("Hold and release", func(t *testing.T) {
		loop, n, c, accepted := setup(t)
		require.NoError(t, c.t.Connect(iface))
		loop.RunUntilIdle()

		n.HoldInbound(iface)
		c.t.Send([]byte("a"))
		c.t.Send([]byte("b"))
		loop.RunUntilIdle()
		assert.Empty(t, (*accepted)[0].data.String())

		n.ReleaseInbound(iface)
		loop.RunUntilIdle()
		assert.Equal(t, "ab", (*accepted)[0].data.String())
	})

	t.Run("Data before Listen is buffered", func(t *testing.T) {
		loop := eventloop.New(clock.NewMock())
		n := NewMemNetwork(loop)
		var server *recorder
		l := n.NewListener()
		require.NoError(t, l.Listen(iface, func(tr Transport) {
			server = &recorder{t: tr}
			tr.SetCallbacks(server.callbacks())
		}))
		c := n.NewTransport(peers.Interface{})
		require.NoError(t, c.Connect(iface))
		loop.RunUntilIdle()
		c.Send([]byte("early"))
		loop.RunUntilIdle()
		assert.Empty(t, server.data.String())

		require.NoError(t, server.t.Listen())
		loop.RunUntilIdle()
		assert.Equal(t, "early", server.data.String())
	})

	t.Run("Close reaches both ends once", func(t *testing.T) {
		loop, _, c, accepted := setup(t)
		require.NoError(t, c.t.Connect(iface))
		loop.RunUntilIdle()

		require.NoError(t, c.t.Close())
		require.NoError(t, c.t.Close())
		loop.RunUntilIdle()
		assert.True(t, c.closed)
		assert.True(t, (*accepted)[0].closed)

		_, err := c.t.Send([]byte("x"))
		assert.ErrorIs(t, err, ErrNotOpen)
	})

	t.Run("Ephemeral port", func(t *testing.T) {
		loop := eventloop.New(clock.NewMock())
		n := NewMemNetwork(loop)
		l := n.NewListener()
		require.NoError(t, l.Listen(peers.Interface{Addr: "10.0.0.2"}, func(Transport) {}))
		got, err := sutils.InterfaceFromAddr(l.Addr())
		require.NoError(t, err)
		assert.NotZero(t, got.Port)

		l2 := n.NewListener()
		assert.Error(t, l2.Listen(got, func(Transport) {}))
		require.NoError(t, l.Close())
		assert.NoError(t, l2.Listen(got, func(Transport) {}))
	})
}

func testLoopback(t *testing.T, network Network, loop *eventloop.Loop) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	var mu sync.Mutex
	var server *recorder
	l := network.NewListener()
	require.NoError(t, l.Listen(peers.Interface{Addr: "127.0.0.1"}, func(tr Transport) {
		r := &recorder{t: tr}
		tr.SetCallbacks(r.callbacks())
		require.NoError(t, tr.Listen())
		mu.Lock()
		server = r
		mu.Unlock()
	}))
	defer l.Close()

	remote, err := sutils.InterfaceFromAddr(l.Addr())
	require.NoError(t, err)

	c := &recorder{}
	loop.Post(func() {
		c.t = network.NewTransport(peers.Interface{Addr: "127.0.0.1"})
		c.t.SetCallbacks(c.callbacks())
		require.NoError(t, c.t.Connect(remote))
	})
	require.Eventually(t, func() bool {
		connected, _, _ := c.snapshot()
		return connected
	}, 5*time.Second, 5*time.Millisecond)

	payload := bytes.Repeat([]byte("0123456789"), 10000)
	loop.Post(func() {
		_, err := c.t.Send(payload)
		require.NoError(t, err)
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		s := server
		mu.Unlock()
		if s == nil {
			return false
		}
		_, _, data := s.snapshot()
		return len(data) == len(payload)
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	_, _, data := server.snapshot()
	mu.Unlock()
	assert.Equal(t, string(payload), data)

	loop.Post(func() { c.t.Close() })
	require.Eventually(t, func() bool {
		_, closed, _ := c.snapshot()
		_, sclosed, _ := server.snapshot()
		return closed && sclosed
	}, 5*time.Second, 5*time.Millisecond)
}

func Test_TCPNetwork(t *testing.T) {
	loop := eventloop.New(nil)
	testLoopback(t, NewTCPNetwork(loop, &NetworkOptions{DialTimeout: time.Second}), loop)

	t.Run("Connect failure", func(t *testing.T) {
		loop := eventloop.New(nil)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go loop.Run(ctx)

		n := NewTCPNetwork(loop, &NetworkOptions{DialTimeout: time.Second})
		l := n.NewListener()
		require.NoError(t, l.Listen(peers.Interface{Addr: "127.0.0.1"}, func(Transport) {}))
		remote, err := sutils.InterfaceFromAddr(l.Addr())
		require.NoError(t, err)
		require.NoError(t, l.Close())

		c := &recorder{}
		loop.Post(func() {
			c.t = n.NewTransport(peers.Interface{})
			c.t.SetCallbacks(c.callbacks())
			c.t.Connect(remote)
		})
		require.Eventually(t, func() bool {
			c.Lock()
			defer c.Unlock()
			return c.failed != nil
		}, 5*time.Second, 5*time.Millisecond)
	})
}

func Test_QUICNetwork(t *testing.T) {
	loop := eventloop.New(nil)
	n, err := NewQUICNetwork(loop, &NetworkOptions{DialTimeout: 2 * time.Second, CloseLinger: 200 * time.Millisecond})
	require.NoError(t, err)
	testLoopback(t, n, loop)
}
