// Package phasetls implements the TLS interception phase-service (spec
// §4.6 part 2): read the client's raw ClientHello, handshake upstream to
// obtain the real certificate, forge a leaf bound to the observed
// SNI/SAN/CN set via the certificate store, handshake downstream with
// ALPN/cipher continuity, then dispatch to HTTP or Tunnel.
//
// Grounded on the teacher's internal/helper.GetTLSKeyLogWriter (kept for an
// SSLKEYLOGFILE-style debug hook) and crypto/tls's tls.Client/tls.Server
// with NextProtos, which is the idiomatic Go way to run the real
// handshake once the clienthello package has extracted what the proxy
// needs without decrypting.
package phasetls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"

	"github.com/jnestelroad/aether-go/certstore"
	"github.com/jnestelroad/aether-go/clienthello"
	"github.com/jnestelroad/aether-go/config"
	"github.com/jnestelroad/aether-go/core"
	"github.com/jnestelroad/aether-go/intercept"
	"github.com/jnestelroad/aether-go/internal/helper"
	"github.com/jnestelroad/aether-go/internal/perror"
	"github.com/jnestelroad/aether-go/transition"
	"github.com/jnestelroad/aether-go/upstream"
)

// Phase implements core.PhaseService for TLS interception.
type Phase struct {
	Cfg          config.Config
	Registry     *intercept.Registry
	Certs        *certstore.Store
	Next         transition.NextFactory
	UpstreamOpts upstream.Options
}

// New constructs a TLS phase instance.
func New(cfg config.Config, reg *intercept.Registry, certs *certstore.Store, next transition.NextFactory, upstreamOpts upstream.Options) *Phase {
	return &Phase{Cfg: cfg, Registry: reg, Certs: certs, Next: next, UpstreamOpts: upstreamOpts}
}

var stripALPNPrefixes = []string{"h2", "spdy"}

// Run executes the seven-step TLS control sequence (spec §4.6).
func (p *Phase) Run(ctx context.Context, h *core.ServiceHandler) error {
	f := h.Flow()

	rec, raw, err := clienthello.Read(f.Client)
	if err != nil {
		// Not a plausible ClientHello: downgrade to tunnel (spec §4.3,
		// §4.6 step 1, §7 propagation policy).
		h.Switch(p.Next.Tunnel())
		return nil
	}

	address := net.JoinHostPort(f.TargetHost, f.TargetPort)
	rawUpstream, dialErr := upstream.Dial(ctx, p.UpstreamOpts, address)
	if dialErr != nil {
		f.Errors.Set(dialErr)
		p.Registry.DispatchTLS(intercept.EventTLSError, f)
		return dialErr
	}

	requestedALPN := filterALPN(rec.ALPNProtocols)
	upstreamCfg := &tls.Config{
		ServerName:         f.TargetHost,
		InsecureSkipVerify: !p.Cfg.SSLVerify,
		NextProtos:         requestedALPN,
		KeyLogWriter:       helper.GetTLSKeyLogWriter(),
	}
	upstreamConn := tls.Client(rawUpstream, upstreamCfg)

	var negotiatedALPN string
	var peerCert *x509.Certificate
	var peerChain []*x509.Certificate
	handshakeErr := upstreamConn.HandshakeContext(ctx)
	if handshakeErr != nil {
		f.Errors.Set(perror.Wrap(perror.UpstreamHandshakeFailed, "upstream TLS handshake", handshakeErr))
	} else {
		state := upstreamConn.ConnectionState()
		negotiatedALPN = state.NegotiatedProtocol
		if len(state.PeerCertificates) > 0 {
			peerCert = state.PeerCertificates[0]
			peerChain = state.PeerCertificates
		}
	}

	identity := p.buildIdentity(rec, peerCert)
	identity.CommonName, identity.SANs = p.Registry.DispatchCertificate(intercept.EventSSLCertificateSearch, f, identity.CommonName, identity.SANs)
	forged, mintErr := p.Certs.GetOrCreate(identity)
	if mintErr != nil {
		f.Errors.Set(mintErr)
		p.Registry.DispatchTLS(intercept.EventTLSError, f)
		return mintErr
	}

	leafTLSCert := tls.Certificate{Certificate: [][]byte{forged.DER}, PrivateKey: forged.PrivateKey, Leaf: forged.Leaf}

	downstreamCfg := &tls.Config{
		Certificates: []tls.Certificate{leafTLSCert},
		NextProtos:   selectALPN(rec.ALPNProtocols, negotiatedALPN),
		KeyLogWriter: helper.GetTLSKeyLogWriter(),
	}

	downstreamConn := tls.Server(newPrefixConn(f.Client.RawConn(), raw), downstreamCfg)
	if err := downstreamConn.HandshakeContext(ctx); err != nil {
		f.Errors.Set(perror.Wrap(perror.DownstreamHandshakeFailed, "downstream TLS handshake", err))
		p.Registry.DispatchTLS(intercept.EventTLSError, f)
		return err
	}

	f.Client.SetTLS(downstreamConn)
	f.Client.NegotiatedALPN = downstreamConn.ConnectionState().NegotiatedProtocol
	f.Client.SNI = firstOrEmpty(rec.ServerNames)
	if handshakeErr == nil {
		f.Server = core.NewEndpoint(upstreamConn, core.DefaultTimeouts())
		f.Server.SetTLS(upstreamConn)
		f.Server.NegotiatedALPN = negotiatedALPN
		f.Server.PeerCertificate = peerCert
		f.Server.PeerCertificateChain = peerChain
	}

	p.Registry.DispatchTLS(intercept.EventTLSEstablished, f)

	alpn := f.Client.NegotiatedALPN
	if alpn == "" || alpn == "http/1.1" {
		h.Switch(p.Next.HTTP())
		return nil
	}
	h.Switch(p.Next.Tunnel())
	return nil
}

func (p *Phase) buildIdentity(rec *clienthello.Record, peerCert *x509.Certificate) certstore.Identity {
	cn := firstOrEmpty(rec.ServerNames)
	var sans []string
	sans = append(sans, rec.ServerNames...)
	if peerCert != nil {
		sans = append(sans, peerCert.DNSNames...)
		if cn == "" {
			cn = peerCert.Subject.CommonName
		}
	}
	if cn == "" {
		cn = "unknown"
	}
	return certstore.IdentityFromNames(cn, sans)
}

// filterALPN strips h2*/SPDY protocols per spec §4.6 step 3 (unless
// ssl-negotiate-alpn leaves it to library default, not modelled here since
// the filtered-by-default path is the common/tested case).
func filterALPN(offered []string) []string {
	var out []string
	for _, proto := range offered {
		skip := false
		for _, prefix := range stripALPNPrefixes {
			if len(proto) >= len(prefix) && proto[:len(prefix)] == prefix {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, proto)
		}
	}
	if len(out) == 0 {
		return []string{"http/1.1"}
	}
	return out
}

// selectALPN implements spec §4.6 step 6: prefer the upstream's negotiated
// protocol, else http/1.1, else the first offered.
func selectALPN(offered []string, upstreamNegotiated string) []string {
	if upstreamNegotiated != "" {
		return []string{upstreamNegotiated}
	}
	for _, o := range offered {
		if o == "http/1.1" {
			return []string{"http/1.1"}
		}
	}
	if len(offered) > 0 {
		return []string{offered[0]}
	}
	return []string{"http/1.1"}
}

func firstOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
