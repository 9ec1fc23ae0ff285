package smp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/netsys-lab/multipath-transfer/config"
	"github.com/netsys-lab/multipath-transfer/eventloop"
	"github.com/netsys-lab/multipath-transfer/mdtp"
	"github.com/netsys-lab/multipath-transfer/packets"
	lookup "github.com/netsys-lab/multipath-transfer/pathlookup"
	"github.com/netsys-lab/multipath-transfer/peers"
	"github.com/netsys-lab/multipath-transfer/socket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// EndpointOptions replace parts the endpoint would otherwise build from
// its configuration. All fields are optional.
type EndpointOptions struct {
	// Loop to run on, otherwise a new one on Clock
	Loop  *eventloop.Loop
	Clock clock.Clock
	// Network overrides the configured transport
	Network socket.Network
	// Asked for identities missing from the static resolver table
	Superior lookup.Resolver
	Keys     peers.KeySource
}

// Endpoint is one MDTP peer: a server on every local interface plus the
// connections it dialed. Everything except Run and Do must be called
// before Run or from a function running on the loop.
type Endpoint struct {
	cfg      *config.Config
	localID  peers.ID
	ifs      peers.InterfaceList
	loop     *eventloop.Loop
	network  socket.Network
	resolver *lookup.Service
	server   *mdtp.Server
	opts     *mdtp.Options
	registry *prometheus.Registry

	dialed []*mdtp.Connection
}

func NewEndpoint(cfg *config.Config, options *EndpointOptions) (*Endpoint, error) {
	if options == nil {
		options = &EndpointOptions{}
	}
	ifs, err := cfg.LocalInterfaces()
	if err != nil {
		return nil, err
	}
	static, err := cfg.StaticEntries()
	if err != nil {
		return nil, err
	}

	e := &Endpoint{
		cfg:     cfg,
		localID: peers.ID(cfg.Identity),
		ifs:     ifs,
		loop:    options.Loop,
	}
	if e.loop == nil {
		e.loop = eventloop.New(options.Clock)
	}

	e.network = options.Network
	if e.network == nil {
		if e.network, err = newNetwork(cfg, e.loop); err != nil {
			return nil, err
		}
	}

	e.resolver, err = lookup.NewService(e.loop, &lookup.ServiceOptions{
		Superior:  options.Superior,
		CacheSize: cfg.Resolver.CacheSize,
	})
	if err != nil {
		return nil, err
	}
	for id, l := range static {
		e.resolver.Insert(id, l)
	}

	e.opts = &mdtp.Options{
		BatchSize:          cfg.Protocol.BatchSize,
		CloseRetryInterval: cfg.Protocol.CloseRetryInterval,
		MaxPayloadSize:     cfg.Protocol.MaxPayloadSize,
		ReportInterval:     cfg.Protocol.ReportInterval,
		Keys:               options.Keys,
	}
	if cfg.Metrics.Enabled {
		e.registry = prometheus.NewRegistry()
		e.opts.Metrics = packets.NewMetrics(e.registry)
	}

	e.server = mdtp.NewServer(e.loop, e.network, e.opts)
	if err := e.server.Setup(e.localID, ifs); err != nil {
		return nil, err
	}
	log.Debugf("[Endpoint] %s created with %s over %s", e.localID, ifs, cfg.Transport)
	return e, nil
}

func newNetwork(cfg *config.Config, loop *eventloop.Loop) (socket.Network, error) {
	nopts := &socket.NetworkOptions{DialTimeout: cfg.Protocol.DialTimeout}
	switch cfg.Transport {
	case "tcp":
		return socket.NewTCPNetwork(loop, nopts), nil
	case "quic":
		return socket.NewQUICNetwork(loop, nopts)
	case "mem":
		return socket.NewMemNetwork(loop), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

func (e *Endpoint) Loop() *eventloop.Loop           { return e.loop }
func (e *Endpoint) LocalID() peers.ID               { return e.localID }
func (e *Endpoint) Resolver() *lookup.Service       { return e.resolver }
func (e *Endpoint) Server() *mdtp.Server            { return e.server }
func (e *Endpoint) Network() socket.Network         { return e.network }
func (e *Endpoint) Interfaces() peers.InterfaceList { return e.ifs.Clone() }

// Listen accepts inbound connections on every configured interface and
// hands each new one to onNew
func (e *Endpoint) Listen(onNew func(c *mdtp.Connection)) error {
	e.server.SetNewConnectionCallback(onNew)
	return e.server.Listen()
}

// Dial starts a connection to remoteID. The outcome is reported through
// cb.OnConnected or cb.OnConnectFailed.
func (e *Endpoint) Dial(remoteID peers.ID, cb mdtp.ConnectionCallbacks) (*mdtp.Connection, error) {
	c := mdtp.NewConnection(e.loop, e.network, e.resolver, e.opts)
	c.SetCallbacks(cb)
	if err := c.Setup(e.localID, e.ifs); err != nil {
		return nil, err
	}
	if err := c.Connect(remoteID); err != nil {
		return nil, err
	}
	e.dialed = append(e.dialed, c)
	return c, nil
}

// Do runs fn on the loop. It is safe to call from any goroutine.
func (e *Endpoint) Do(fn func()) {
	e.loop.Post(fn)
}

// MetricsHandler serves the endpoint's collectors, nil if metrics are
// disabled
func (e *Endpoint) MetricsHandler() http.Handler {
	if e.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Run drives the loop and, if configured, the metrics endpoint until ctx
// is done or one of them fails
func (e *Endpoint) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.loop.Run(ctx)
	})

	if addr := e.cfg.Metrics.Listen; addr != "" && e.registry != nil {
		srv := &http.Server{
			Addr:              addr,
			Handler:           e.MetricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Infof("[Endpoint] Serving metrics on %s", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		})
	}
	return g.Wait()
}

// Close closes the server with its connections and every dialed
// connection
func (e *Endpoint) Close() error {
	err := e.server.Close()
	for _, c := range e.dialed {
		err = multierr.Append(err, c.Close())
	}
	e.dialed = nil
	return err
}
