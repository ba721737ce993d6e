// Package config holds the proxy's configuration surface (spec §6): listen
// endpoint, worker/backpressure sizing, timeouts, TLS/certificate-store
// options, and the host-glob passthrough rules.
//
// Grounded on the teacher's functional options idiom (proxy.go's Option
// type) generalized into a plain struct plus loader, and on
// github.com/tidwall/match (part of the teacher's dependency pack, unused by
// the teacher itself) for the ssl-passthrough/ws-passthrough host glob rules
// spec §6 describes only as string-keyed options.
package config

import (
	"runtime"
	"time"

	"github.com/tidwall/match"

	"github.com/jnestelroad/aether-go/internal/helper"
)

// SSLMethod mirrors spec §6's ssl-client-method/ssl-server-method values.
type SSLMethod int

const (
	SSLMethodAuto SSLMethod = iota
	SSLMethodTLS10
	SSLMethodTLS11
	SSLMethodTLS12
	SSLMethodTLS13
)

// Config is the fully-resolved set of options spec §6 lists.
type Config struct {
	Port int
	IPv6 bool

	Threads int

	ConnectionLimit        int
	ConnectionServiceLimit int

	Timeout       time.Duration
	TunnelTimeout time.Duration

	BodySizeLimit int64

	SSLPassthroughStrict bool
	SSLPassthrough       []string // host glob patterns forcing tunnel (spec §6)

	SSLClientMethod SSLMethod
	SSLServerMethod SSLMethod
	SSLVerify       bool

	SSLNegotiateCiphers bool
	SSLNegotiateALPN    bool
	SSLSupplyServerChain bool

	SSLCertificatePropertiesFile string
	SSLCertificateDir           string
	SSLDHParamFile              string
	UpstreamTrustedCAFile       string

	StrongSerialNumbers bool

	WSPassthroughStrict bool
	WSPassthrough       []string
	WSInterceptDefault  bool

	ProxyName string // used in the Via header and Server header
}

// Default returns a Config matching spec §6's stated defaults.
func Default() Config {
	threads := runtime.NumCPU() * 2
	if threads < 2 {
		threads = 2
	}
	return Config{
		Port:                   8080,
		Threads:                threads,
		ConnectionLimit:        1024,
		ConnectionServiceLimit: 256,
		Timeout:                120 * time.Second,
		TunnelTimeout:          30 * time.Second,
		BodySizeLimit:          10 * 1024 * 1024,
		SSLClientMethod:        SSLMethodAuto,
		SSLServerMethod:        SSLMethodAuto,
		SSLVerify:              true,
		SSLNegotiateALPN:       false,
		SSLNegotiateCiphers:    false,
		WSInterceptDefault:     true,
		ProxyName:              "aether-go",
	}
}

// LoadFile reads a JSON config file on top of Default(), for the
// cmd/aetherproxy entry point's -config flag (spec §6 doesn't mandate a
// file format; JSON matches the teacher's own helper.NewStructFromFile).
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if err := helper.NewStructFromFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// hostMatches reports whether host matches any of the glob patterns, using
// tidwall/match's shell-glob semantics (`*`/`?`) rather than a regexp engine.
func hostMatches(patterns []string, host string) bool {
	for _, p := range patterns {
		if match.Match(host, p) {
			return true
		}
	}
	return false
}

// ShouldTunnelTLS decides whether a CONNECT target should be force-tunneled
// rather than TLS-intercepted (spec §6 ssl-passthrough/ssl-passthrough-strict).
func (c Config) ShouldTunnelTLS(host string, markedForIntercept bool) bool {
	if c.SSLPassthroughStrict {
		return true
	}
	if hostMatches(c.SSLPassthrough, host) {
		return true
	}
	return !markedForIntercept
}

// ShouldTunnelWebSocket decides whether an Upgrade: websocket request should
// bypass the WebSocket phase-service and be tunneled verbatim instead
// (spec §6 ws-passthrough/ws-passthrough-strict). ws-intercept-default is
// not consulted here.
func (c Config) ShouldTunnelWebSocket(host string) bool {
	if c.WSPassthroughStrict {
		return true
	}
	if hostMatches(c.WSPassthrough, host) {
		return true
	}
	return false
}

// WebSocketShouldIntercept combines ws-intercept-default with the
// passthrough rules to decide whether message-level interception runs for a
// given upgraded connection.
func (c Config) WebSocketShouldIntercept(host string) bool {
	if c.ShouldTunnelWebSocket(host) {
		return false
	}
	return c.WSInterceptDefault
}
