package packets

import (
	"errors"
	"testing"
	"time"

	"github.com/netsys-lab/multipath-transfer/peers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ControlHeader(t *testing.T) {
	t.Run("Wire layout", func(t *testing.T) {
		h := ControlHeader{PathID: 2, LocalID: 7, SenderKey: 0x01020304, RecverKey: 0, ConnID: 0}
		b := h.Marshal()
		require.Len(t, b, ControlHeaderSize)
		assert.Equal(t, []byte{0, 0, 0, 2}, b[0:4])
		assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 7}, b[4:12])
		assert.Equal(t, []byte{1, 2, 3, 4}, b[12:16])
		assert.True(t, h.IsAllocate())

		back, err := ParseControlHeader(b)
		require.NoError(t, err)
		assert.Equal(t, h, back)
	})

	t.Run("Join request is not an allocation", func(t *testing.T) {
		h := ControlHeader{SenderKey: 1, RecverKey: 2, ConnID: peers.DeriveConnID(1, 2)}
		assert.False(t, h.IsAllocate())
	})

	t.Run("Short buffer", func(t *testing.T) {
		_, err := ParseControlHeader(make([]byte, ControlHeaderSize-1))
		assert.True(t, errors.Is(err, ErrShortHeader))
	})
}

func Test_DataFrame(t *testing.T) {
	t.Run("Header carries sequence and length", func(t *testing.T) {
		payload := make([]byte, 1000)
		frame := NewDataFrame(DataHeader{SenderID: 3, DataSeqNum: 500, DataLen: 1}, payload)
		require.Len(t, frame, DataHeaderSize+1000)

		h, err := ParseDataHeader(frame)
		require.NoError(t, err)
		assert.Equal(t, DataHeader{SenderID: 3, DataSeqNum: 500, DataLen: 1000}, h)
		assert.Equal(t, uint64(500), FrameSeqNum(frame))
		assert.Len(t, FramePayload(frame), 1000)
	})

	t.Run("Short buffer", func(t *testing.T) {
		_, err := ParseDataHeader([]byte{1, 2, 3})
		assert.True(t, errors.Is(err, ErrShortHeader))
	})

	t.Run("Max frame size", func(t *testing.T) {
		assert.Equal(t, DataHeaderSize+10, MaxFrameSize(10))
	})
}

func Test_PathMetrics(t *testing.T) {
	m := NewPathMetrics(500*time.Millisecond, time.Unix(0, 0))
	m.WrittenBytes = 1000
	m.ReadBytes = 500
	m.Tick()
	assert.Equal(t, int64(2000), m.AverageWriteBandwidth())
	assert.Equal(t, int64(1000), m.AverageReadBandwidth())

	m.Tick()
	assert.Equal(t, int64(1000), m.AverageWriteBandwidth())
	assert.Len(t, m.WrittenBandwidth, 2)

	for i := 0; i < 2*maxBandwidthSamples; i++ {
		m.Tick()
	}
	assert.Len(t, m.ReadBandwidth, maxBandwidthSamples)
}

func Test_Metrics(t *testing.T) {
	t.Run("Nil metrics record nothing", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.DataWritten(10)
			m.Bonded(true)
			m.PathDown()
			m.ConnectionOpened()
		})
	})

	t.Run("Counters", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		m.DataWritten(10)
		m.DataWritten(5)
		m.DataRead(3)
		m.ControlWritten()
		m.Bonded(true)
		m.Bonded(true)
		m.Bonded(false)
		m.PathDown()

		assert.Equal(t, 15.0, testutil.ToFloat64(m.bytes.WithLabelValues("tx")))
		assert.Equal(t, 3.0, testutil.ToFloat64(m.bytes.WithLabelValues("rx")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.frames.WithLabelValues("tx", "control")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.joins.WithLabelValues("failed")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.paths))
	})
}
