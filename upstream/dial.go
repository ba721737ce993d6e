// Package upstream resolves and dials the proxy's server-side connections:
// a direct TCP dial to the request's target host:port, or, when an upstream
// proxy is configured, a chained CONNECT through it (spec §6 doesn't name
// upstream-proxy-chaining explicitly; SPEC_FULL's DOMAIN STACK table places
// golang.org/x/net/proxy here, grounded on the teacher's own support for the
// same).
//
// Grounded on the teacher's internal/helper.GetProxyConn (SOCKS5/HTTPS
// CONNECT chaining via golang.org/x/net/proxy), reused as-is for the parts
// spec doesn't redefine, wired here into the new upstream-dial entry point
// the TLS/HTTP phase-services call. Addresses are dialed exactly as given;
// helper.CanonicalAddr is not applied.
package upstream

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jnestelroad/aether-go/internal/helper"
	"github.com/jnestelroad/aether-go/internal/perror"
)

// Options configures how upstream connections are established.
type Options struct {
	// ProxyURL, if set, chains all upstream connections through this proxy
	// (scheme "socks5" or "https"); nil dials the target directly.
	ProxyURL *url.URL
	// ProxyInsecureSkipVerify disables certificate verification on an HTTPS
	// upstream-proxy leg.
	ProxyInsecureSkipVerify bool
	DialTimeout             time.Duration
}

// Dial connects to address ("host:port"), either directly or by chaining
// through the configured upstream proxy.
func Dial(ctx context.Context, opts Options, address string) (net.Conn, error) {
	if opts.ProxyURL != nil {
		conn, err := helper.GetProxyConn(ctx, opts.ProxyURL, address, opts.ProxyInsecureSkipVerify)
		if err != nil {
			return nil, perror.Wrap(perror.UpstreamConnectError, "chained proxy dial", err)
		}
		return conn, nil
	}
	d := &net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, perror.Wrap(perror.UpstreamConnectError, "direct dial", err)
	}
	return conn, nil
}

// IsSelfConnect reports whether host:port names the proxy's own listening
// address, which spec §4.5 requires refusing with SelfConnect.
func IsSelfConnect(host, port string, ownPort int) bool {
	if port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p != ownPort {
			return false
		}
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
