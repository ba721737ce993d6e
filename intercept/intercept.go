// Package intercept implements the addon dispatch mechanism spec §9 Design
// Notes describes: "one map per event enum variant from a dense numeric
// handle to a boxed callback; attachment returns the handle, detachment
// takes it." Hub attachment is syntactic sugar over the same registry.
//
// Grounded on the teacher's addon.Addon interface (a single type with one
// method per hook point, all no-op by embedding addon.Base) generalized
// into spec's per-event registry so that more than one interceptor can
// attach to the same event and be individually detached.
package intercept

import (
	"sync"

	"github.com/jnestelroad/aether-go/core"
	"github.com/jnestelroad/aether-go/httpmsg"
)

// Event enumerates the hook points named throughout spec §4.5/§4.6/§4.8/§4.10.
type Event int

const (
	EventAnyRequest Event = iota
	EventConnect
	EventRequest
	EventResponse
	EventError
	EventWebSocketHandshake
	EventTLSEstablished
	EventTLSError
	EventTunnelStop
	EventWebSocketMessageReceived
	EventWebSocketStop
	EventSSLCertificateSearch
	EventSSLCertificateCreate
)

// Handle identifies one attached callback, returned by On and consumed by Off.
type Handle uint64

// HTTPFunc handles any_request/connect/request/response/error.
type HTTPFunc func(flow *core.Flow, exchange *httpmsg.Exchange)

// WebSocketHandshakeFunc handles the websocket_handshake hook.
type WebSocketHandshakeFunc func(flow *core.Flow, exchange *httpmsg.Exchange) (intercept bool)

// TLSFunc handles tls:established/tls:error.
type TLSFunc func(flow *core.Flow)

// StopFunc handles tunnel:stop/websocket:stop.
type StopFunc func(flow *core.Flow)

// WebSocketMessageFunc handles websocket_message:received; it may mutate the
// message bytes in place by returning a replacement.
type WebSocketMessageFunc func(flow *core.Flow, opcode int, payload []byte) []byte

// CertificateFunc handles ssl_certificate:search/create; it may mutate the
// identity's common name/SANs before lookup or minting.
type CertificateFunc func(flow *core.Flow, commonName string, sans []string) (string, []string)

// Registry is the process-wide, per-event callback table (spec §9: "a map
// per event enum variant"). Safe for concurrent attach/detach; spec notes
// the registry is effectively read-only after start(), but detach is still
// supported since addons may legitimately unregister themselves.
type Registry struct {
	mu sync.RWMutex

	nextHandle Handle
	http       map[Event]map[Handle]HTTPFunc
	wsHandshake map[Event]map[Handle]WebSocketHandshakeFunc
	tls        map[Event]map[Handle]TLSFunc
	stop       map[Event]map[Handle]StopFunc
	wsMessage  map[Event]map[Handle]WebSocketMessageFunc
	cert       map[Event]map[Handle]CertificateFunc
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		http:        map[Event]map[Handle]HTTPFunc{},
		wsHandshake: map[Event]map[Handle]WebSocketHandshakeFunc{},
		tls:         map[Event]map[Handle]TLSFunc{},
		stop:        map[Event]map[Handle]StopFunc{},
		wsMessage:   map[Event]map[Handle]WebSocketMessageFunc{},
		cert:        map[Event]map[Handle]CertificateFunc{},
	}
}

func (r *Registry) allocHandle() Handle {
	r.nextHandle++
	return r.nextHandle
}

// OnHTTP attaches an HTTPFunc to one of any_request/connect/request/response/error.
func (r *Registry) OnHTTP(ev Event, fn HTTPFunc) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.allocHandle()
	if r.http[ev] == nil {
		r.http[ev] = map[Handle]HTTPFunc{}
	}
	r.http[ev][h] = fn
	return h
}

// OnWebSocketHandshake attaches to EventWebSocketHandshake.
func (r *Registry) OnWebSocketHandshake(fn WebSocketHandshakeFunc) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.allocHandle()
	if r.wsHandshake[EventWebSocketHandshake] == nil {
		r.wsHandshake[EventWebSocketHandshake] = map[Handle]WebSocketHandshakeFunc{}
	}
	r.wsHandshake[EventWebSocketHandshake][h] = fn
	return h
}

// OnTLS attaches to tls:established/tls:error.
func (r *Registry) OnTLS(ev Event, fn TLSFunc) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.allocHandle()
	if r.tls[ev] == nil {
		r.tls[ev] = map[Handle]TLSFunc{}
	}
	r.tls[ev][h] = fn
	return h
}

// OnStop attaches to tunnel:stop/websocket:stop.
func (r *Registry) OnStop(ev Event, fn StopFunc) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.allocHandle()
	if r.stop[ev] == nil {
		r.stop[ev] = map[Handle]StopFunc{}
	}
	r.stop[ev][h] = fn
	return h
}

// OnWebSocketMessage attaches to websocket_message:received.
func (r *Registry) OnWebSocketMessage(fn WebSocketMessageFunc) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.allocHandle()
	if r.wsMessage[EventWebSocketMessageReceived] == nil {
		r.wsMessage[EventWebSocketMessageReceived] = map[Handle]WebSocketMessageFunc{}
	}
	r.wsMessage[EventWebSocketMessageReceived][h] = fn
	return h
}

// OnCertificate attaches to ssl_certificate:search/create.
func (r *Registry) OnCertificate(ev Event, fn CertificateFunc) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.allocHandle()
	if r.cert[ev] == nil {
		r.cert[ev] = map[Handle]CertificateFunc{}
	}
	r.cert[ev][h] = fn
	return h
}

// Off detaches a handle from every event map it might belong to.
func (r *Registry) Off(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.http {
		delete(m, h)
	}
	for _, m := range r.wsHandshake {
		delete(m, h)
	}
	for _, m := range r.tls {
		delete(m, h)
	}
	for _, m := range r.stop {
		delete(m, h)
	}
	for _, m := range r.wsMessage {
		delete(m, h)
	}
	for _, m := range r.cert {
		delete(m, h)
	}
}

// DispatchHTTP invokes every callback attached to ev, in attachment order
// being unspecified (spec places no ordering requirement across callbacks
// of the same event).
func (r *Registry) DispatchHTTP(ev Event, flow *core.Flow, exchange *httpmsg.Exchange) {
	r.mu.RLock()
	fns := make([]HTTPFunc, 0, len(r.http[ev]))
	for _, fn := range r.http[ev] {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(flow, exchange)
	}
}

// DispatchWebSocketHandshake invokes handshake callbacks; interception is
// enabled if any callback returns true.
func (r *Registry) DispatchWebSocketHandshake(flow *core.Flow, exchange *httpmsg.Exchange) bool {
	r.mu.RLock()
	fns := make([]WebSocketHandshakeFunc, 0, len(r.wsHandshake[EventWebSocketHandshake]))
	for _, fn := range r.wsHandshake[EventWebSocketHandshake] {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	intercept := false
	for _, fn := range fns {
		if fn(flow, exchange) {
			intercept = true
		}
	}
	return intercept
}

// DispatchTLS invokes tls:established/tls:error callbacks.
func (r *Registry) DispatchTLS(ev Event, flow *core.Flow) {
	r.mu.RLock()
	fns := make([]TLSFunc, 0, len(r.tls[ev]))
	for _, fn := range r.tls[ev] {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(flow)
	}
}

// DispatchStop invokes tunnel:stop/websocket:stop callbacks.
func (r *Registry) DispatchStop(ev Event, flow *core.Flow) {
	r.mu.RLock()
	fns := make([]StopFunc, 0, len(r.stop[ev]))
	for _, fn := range r.stop[ev] {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(flow)
	}
}

// DispatchWebSocketMessage runs registered callbacks in sequence, each
// seeing the previous callback's mutation (spec §4.10: "may block or
// mutate it").
func (r *Registry) DispatchWebSocketMessage(flow *core.Flow, opcode int, payload []byte) []byte {
	r.mu.RLock()
	fns := make([]WebSocketMessageFunc, 0, len(r.wsMessage[EventWebSocketMessageReceived]))
	for _, fn := range r.wsMessage[EventWebSocketMessageReceived] {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		payload = fn(flow, opcode, payload)
	}
	return payload
}

// DispatchCertificate runs ssl_certificate:search/create callbacks, each
// seeing the previous callback's mutation to the identity.
func (r *Registry) DispatchCertificate(ev Event, flow *core.Flow, commonName string, sans []string) (string, []string) {
	r.mu.RLock()
	fns := make([]CertificateFunc, 0, len(r.cert[ev]))
	for _, fn := range r.cert[ev] {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		commonName, sans = fn(flow, commonName, sans)
	}
	return commonName, sans
}

// Hub is an addon that groups related callbacks as function fields and
// attaches all non-nil ones in a single call (spec §9: "Hub attachment is syntactic
// sugar: for each event-named method the hub defines, register a callback
// that routes to that method").
type Hub struct {
	AnyRequest          HTTPFunc
	Connect             HTTPFunc
	Request             HTTPFunc
	Response            HTTPFunc
	Error               HTTPFunc
	WebSocketHandshake  WebSocketHandshakeFunc
	TLSEstablished      TLSFunc
	TLSError            TLSFunc
	TunnelStop          StopFunc
	WebSocketMessage    WebSocketMessageFunc
	WebSocketStop       StopFunc
	SSLCertificateSearch CertificateFunc
	SSLCertificateCreate CertificateFunc
}

// Attach registers every non-nil hook the hub defines and returns the
// handles, so the caller can Off them all together later.
func (h *Hub) Attach(r *Registry) []Handle {
	var handles []Handle
	add := func(ev Event, fn HTTPFunc) {
		if fn != nil {
			handles = append(handles, r.OnHTTP(ev, fn))
		}
	}
	add(EventAnyRequest, h.AnyRequest)
	add(EventConnect, h.Connect)
	add(EventRequest, h.Request)
	add(EventResponse, h.Response)
	add(EventError, h.Error)
	if h.WebSocketHandshake != nil {
		handles = append(handles, r.OnWebSocketHandshake(h.WebSocketHandshake))
	}
	if h.TLSEstablished != nil {
		handles = append(handles, r.OnTLS(EventTLSEstablished, h.TLSEstablished))
	}
	if h.TLSError != nil {
		handles = append(handles, r.OnTLS(EventTLSError, h.TLSError))
	}
	if h.TunnelStop != nil {
		handles = append(handles, r.OnStop(EventTunnelStop, h.TunnelStop))
	}
	if h.WebSocketMessage != nil {
		handles = append(handles, r.OnWebSocketMessage(h.WebSocketMessage))
	}
	if h.WebSocketStop != nil {
		handles = append(handles, r.OnStop(EventWebSocketStop, h.WebSocketStop))
	}
	if h.SSLCertificateSearch != nil {
		handles = append(handles, r.OnCertificate(EventSSLCertificateSearch, h.SSLCertificateSearch))
	}
	if h.SSLCertificateCreate != nil {
		handles = append(handles, r.OnCertificate(EventSSLCertificateCreate, h.SSLCertificateCreate))
	}
	return handles
}
