// Package proxy wires the flow lifecycle together: the listening socket and
// per-connection backpressure (core.Acceptor), the certificate store, the
// interceptor registry, and the four phase-service packages, tying them
// into the transition.NextFactory closures that let phasehttp/phasetls/
// phasetunnel/phasews stay free of import cycles on each other.
//
// Grounded on the teacher's proxy.Proxy type (NewProxy/AddAddon/Start/
// Close/Shutdown/GetCertificate*), the one place in the teacher's tree that
// is allowed to import every subsystem package at once.
package proxy

import (
	"context"
	"log/slog"
	"net"
	"strconv"

	"github.com/jnestelroad/aether-go/certstore"
	"github.com/jnestelroad/aether-go/config"
	"github.com/jnestelroad/aether-go/core"
	"github.com/jnestelroad/aether-go/intercept"
	"github.com/jnestelroad/aether-go/internal/neterr"
	"github.com/jnestelroad/aether-go/phasehttp"
	"github.com/jnestelroad/aether-go/phasetls"
	"github.com/jnestelroad/aether-go/phasetunnel"
	"github.com/jnestelroad/aether-go/phasews"
	"github.com/jnestelroad/aether-go/transition"
	"github.com/jnestelroad/aether-go/upstream"
	"github.com/jnestelroad/aether-go/version"
)

// Proxy owns the listening socket and the per-flow phase wiring.
type Proxy struct {
	Version string

	cfg      config.Config
	registry *intercept.Registry
	certs    *certstore.Store

	upstreamOpts upstream.Options
	acceptor     *core.Acceptor
}

// New constructs a Proxy with the given configuration and certificate
// store. Spec §4.7's disk-backed issuer key means certstore.New (caller's
// responsibility, mirroring the teacher's cert.CA being constructed outside
// NewProxy) may fail before a Proxy ever exists.
func New(cfg config.Config, certs *certstore.Store) *Proxy {
	return &Proxy{
		Version:  version.String(),
		cfg:      cfg,
		registry: intercept.New(),
		certs:    certs,
	}
}

// AddAddon attaches a Hub's non-nil hooks to the proxy's registry.
func (p *Proxy) AddAddon(hub *intercept.Hub) []intercept.Handle {
	return hub.Attach(p.registry)
}

// SetUpstreamProxy configures chained upstream-proxy dialing (spec §6's
// supplemented upstream-proxy-chaining feature).
func (p *Proxy) SetUpstreamProxy(opts upstream.Options) {
	p.upstreamOpts = opts
}

// Registry exposes the interceptor registry directly, for callers that want
// finer control than Hub.Attach (e.g. detaching a single handle later).
func (p *Proxy) Registry() *intercept.Registry { return p.registry }

// GetCertificateIssuer returns the store's PEM-encoded issuer certificate,
// for clients that need to trust the proxy's forged leaves.
func (p *Proxy) GetCertificateIssuer() []byte {
	return p.certs.IssuerCertPEM()
}

// next builds the transition.NextFactory closures tying every phase
// package together; this is the only place in the module that imports all
// four phase packages simultaneously, which is exactly what breaks the
// import cycle the phase packages would otherwise have on each other. The
// factory value is captured by each closure before being returned, so every
// phase can stage any of the other three regardless of construction order.
func (p *Proxy) next() transition.NextFactory {
	var nf transition.NextFactory
	nf.HTTP = func() core.PhaseService {
		return phasehttp.New(p.cfg, p.registry, nf, p.upstreamOpts, p.cfg.Port)
	}
	nf.TLS = func() core.PhaseService {
		return phasetls.New(p.cfg, p.registry, p.certs, nf, p.upstreamOpts)
	}
	nf.Tunnel = func() core.PhaseService {
		return phasetunnel.New(p.registry)
	}
	nf.WebSocket = func() core.PhaseService {
		// phasehttp only ever stages this phase once ShouldTunnelWebSocket
		// has already returned false for the flow's target host, so the
		// remaining decision is exactly ws-intercept-default.
		return phasews.New(p.registry, p.cfg.WSInterceptDefault)
	}
	return nf
}

// Start opens the listening socket and begins accepting flows. It blocks
// until the listener is closed.
func (p *Proxy) Start() error {
	ln, err := core.Listen(core.ListenOptions{
		Addr: portAddr(p.cfg),
		IPv6: p.cfg.IPv6,
	})
	if err != nil {
		return err
	}
	return p.Serve(ln)
}

// Serve runs the accept loop against an already-open listener, useful for
// tests that want an ephemeral port (Addr ":0").
func (p *Proxy) Serve(ln net.Listener) error {
	factory := p.next()
	p.acceptor = core.NewAcceptor(ln, core.Timeouts{Regular: p.cfg.Timeout, Tunnel: p.cfg.TunnelTimeout}, p.cfg.ConnectionServiceLimit, func(f *core.Flow) {
		h := core.NewServiceHandler(f)
		h.Start(context.Background(), factory.HTTP(), func() {
			if f.Errors.HasError() {
				neterr.Log(slog.Default(), f.Errors.Err())
			}
		})
	})
	return p.acceptor.Serve()
}

// Close stops accepting new connections.
func (p *Proxy) Close() error {
	if p.acceptor == nil {
		return nil
	}
	return p.acceptor.Close()
}

func portAddr(cfg config.Config) string {
	return net.JoinHostPort("", strconv.Itoa(cfg.Port))
}
