package mdtp

import "github.com/netsys-lab/multipath-transfer/packets"

func (c *Connection) startReports() {
	if c.opts.ReportInterval <= 0 || c.reportTimer != nil {
		return
	}
	c.reportTimer = c.loop.After(c.opts.ReportInterval, c.report)
}

// report samples path bandwidth and hands the counters to the application
func (c *Connection) report() {
	c.reportTimer = nil
	if c.state != ConnConnected && c.state != ConnClosing {
		return
	}

	ref := packets.ConnRef{ConnID: c.connID, Local: c.localID, Peer: c.remoteID}
	tx := packets.SendReport{Conn: ref, ConnTxBytes: c.txBytes}
	rx := packets.RecvReport{Conn: ref, ConnRxBytes: c.rxBytes}
	for _, p := range c.paths {
		m := p.Metrics()
		m.Tick()
		tx.PathTxBytes = append(tx.PathTxBytes, packets.PathBytes{
			PathID:    p.id,
			Bytes:     m.WrittenBytes,
			Bandwidth: m.AverageWriteBandwidth(),
		})
		rx.PathRxBytes = append(rx.PathRxBytes, packets.PathBytes{
			PathID:    p.id,
			Bytes:     m.ReadBytes,
			Bandwidth: m.AverageReadBandwidth(),
		})
	}

	c.log.Debugf("[Connection] Report tx=%d rx=%d", c.txBytes, c.rxBytes)
	if c.cb.OnSendReport != nil {
		c.cb.OnSendReport(tx)
	}
	if c.cb.OnRecvReport != nil {
		c.cb.OnRecvReport(rx)
	}
	c.reportTimer = c.loop.After(c.opts.ReportInterval, c.report)
}
