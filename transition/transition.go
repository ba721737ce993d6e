// Package transition breaks the cyclic dependency the phase-transition
// table (spec §4.3) would otherwise create: the HTTP phase needs to build a
// TLS phase, the TLS phase needs to build an HTTP or Tunnel phase, and so
// on. Each phase-service package depends only on this package's NextFactory
// type (a bundle of parameterless constructors), not on its sibling phase
// packages; the top-level proxy package, which already imports every phase
// package, is the only place that wires the closures together.
package transition

import "github.com/jnestelroad/aether-go/core"

// NextFactory bundles one constructor per phase-service kind. All state a
// transition needs (target host/port, intercept flags, ALPN result) lives
// on the core.Flow itself (spec §3 ConnectionFlow), so every constructor is
// parameterless: each phase reads from the flow what the previous phase
// already recorded.
type NextFactory struct {
	HTTP      func() core.PhaseService
	TLS       func() core.PhaseService
	Tunnel    func() core.PhaseService
	WebSocket func() core.PhaseService
}
