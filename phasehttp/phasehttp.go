// Package phasehttp implements the HTTP phase-service control sequence
// (spec §4.5): parse request, validate target, run interceptors, dispatch
// CONNECT/upgrade/keep-alive, forward to upstream, and relay the response.
//
// Grounded on the teacher's proxy.go entry-point control flow (accept →
// parse → addon hooks → forward → respond → loop) generalized from
// net/http-delegated parsing to the hand-rolled http1.Parser spec §4.4
// mandates, and on proxy/addons' Via-header/error-page conventions.
package phasehttp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/jnestelroad/aether-go/config"
	"github.com/jnestelroad/aether-go/core"
	"github.com/jnestelroad/aether-go/http1"
	"github.com/jnestelroad/aether-go/httpmsg"
	"github.com/jnestelroad/aether-go/intercept"
	"github.com/jnestelroad/aether-go/internal/perror"
	"github.com/jnestelroad/aether-go/transition"
	"github.com/jnestelroad/aether-go/upstream"
)

// Phase implements core.PhaseService for the HTTP control sequence.
type Phase struct {
	Cfg          config.Config
	Registry     *intercept.Registry
	Next         transition.NextFactory
	UpstreamOpts upstream.Options
	OwnPort      int
}

// New constructs an HTTP phase instance. Spec §4.5 step 11's "loop to step 1
// under a new HttpService instance" is realised by constructing a fresh
// *Phase for each keep-alive exchange rather than looping inside Run.
func New(cfg config.Config, reg *intercept.Registry, next transition.NextFactory, upstreamOpts upstream.Options, ownPort int) *Phase {
	return &Phase{Cfg: cfg, Registry: reg, Next: next, UpstreamOpts: upstreamOpts, OwnPort: ownPort}
}

var continueResponse = []byte("HTTP/1.1 100 Continue\r\n\r\n")

// Run executes one HTTP exchange on the flow's client (and, if needed,
// server) endpoint (spec §4.5 steps 1-11).
func (p *Phase) Run(ctx context.Context, h *core.ServiceHandler) error {
	f := h.Flow()
	limits := http1.Limits{MaxBodySize: p.Cfg.BodySizeLimit}
	clientParser := http1.New(f.Client, limits)

	method, url, version, err := clientParser.ParseRequestLine()
	if err != nil {
		return p.fail(f, err)
	}
	header, err := clientParser.ParseHeaders()
	if err != nil {
		return p.fail(f, err)
	}
	req := &httpmsg.Request{
		Message: httpmsg.Message{Version: version, Header: header},
		Method:  method,
		URL:     url,
	}

	if err := clientParser.DetermineBodySize(header, http1.NewBodyContextRequest()); err != nil {
		return p.fail(f, err)
	}
	for {
		done, err := clientParser.ReadBody()
		if err != nil {
			return p.fail(f, err)
		}
		if done {
			break
		}
	}
	req.Body = clientParser.Body()

	if err := p.validateTarget(f, req); err != nil {
		return p.fail(f, err)
	}

	exchange := httpmsg.NewExchange(req)
	p.Registry.DispatchHTTP(intercept.EventAnyRequest, f, exchange)
	req.Header.Set("Via", fmt.Sprintf("%s 1.1 %s", version.String(), p.Cfg.ProxyName))

	if method == httpmsg.MethodConnect {
		return p.handleConnect(ctx, h, exchange)
	}

	if header.HasToken("Expect", "100-continue") {
		if err := f.Client.WriteAll(continueResponse); err != nil {
			return p.fail(f, err)
		}
		req.Header.Del("Expect")
	}

	p.Registry.DispatchHTTP(intercept.EventRequest, f, exchange)
	if !exchange.HasResponse() {
		if header.HasToken("Upgrade", "websocket") && p.isValidWebSocketHandshake(header) {
			p.Registry.DispatchWebSocketHandshake(f, exchange)
		}
		if err := p.forwardAndAwaitResponse(f, exchange); err != nil {
			return p.fail(f, err)
		}
	}

	p.Registry.DispatchHTTP(intercept.EventResponse, f, exchange)
	resp, _ := exchange.Response()
	if err := http1.WriteResponse(f.Client, resp); err != nil {
		return p.fail(f, err)
	}

	return p.transitionAfterExchange(h, f, req, resp)
}

func (p *Phase) isValidWebSocketHandshake(h httpmsg.Header) bool {
	return h.HasToken("Connection", "upgrade") && h.Get("Sec-WebSocket-Key") != "" && h.Get("Sec-WebSocket-Version") != ""
}

// validateTarget implements spec §4.5 step 3.
func (p *Phase) validateTarget(f *core.Flow, req *httpmsg.Request) error {
	switch req.URL.Form {
	case httpmsg.TargetAbsolute:
		if req.Header.Get("Host") == "" {
			req.Header.Set("Host", req.URL.Location.String())
		}
	case httpmsg.TargetOrigin:
		if req.Header.Get("Host") == "" {
			return perror.New(perror.InvalidTargetHost, "origin-form request missing Host header")
		}
	}

	host, port := hostPortFor(req)
	if host == "" {
		return perror.New(perror.InvalidTargetHost, "no target host could be determined")
	}
	if upstream.IsSelfConnect(host, port, p.OwnPort) {
		return perror.New(perror.SelfConnect, "refusing to proxy to self")
	}
	f.TargetHost, f.TargetPort = host, port
	return nil
}

func hostPortFor(req *httpmsg.Request) (string, string) {
	defaultPort := "80"
	if req.URL.Form == httpmsg.TargetAuthority {
		if req.URL.Location.Port == "" {
			return req.URL.Location.Host, "443"
		}
		return req.URL.Location.Host, req.URL.Location.Port
	}
	if req.URL.Location.Host != "" {
		if req.URL.Location.Port == "" {
			return req.URL.Location.Host, defaultPort
		}
		return req.URL.Location.Host, req.URL.Location.Port
	}
	host := req.Header.Get("Host")
	h, prt, err := net.SplitHostPort(host)
	if err != nil {
		return host, defaultPort
	}
	return h, prt
}

func (p *Phase) handleConnect(ctx context.Context, h *core.ServiceHandler, exchange *httpmsg.Exchange) error {
	f := h.Flow()
	p.Registry.DispatchHTTP(intercept.EventConnect, f, exchange)

	resp := &httpmsg.Response{
		Message:    httpmsg.Message{Version: httpmsg.Version11, Header: httpmsg.Header{}},
		StatusCode: 200,
	}
	if exchange.HasResponse() {
		custom, _ := exchange.Response()
		resp = custom
	}
	if err := http1.WriteResponse(f.Client, resp); err != nil {
		return p.fail(f, err)
	}
	if resp.StatusCode != 200 {
		return nil
	}

	if exchange.MaskConnect {
		h.Switch(p.Next.HTTP())
		return nil
	}
	if p.Cfg.ShouldTunnelTLS(f.TargetHost, f.InterceptTLS) {
		h.Switch(p.Next.Tunnel())
		return nil
	}
	h.Switch(p.Next.TLS())
	return nil
}

// forwardAndAwaitResponse implements spec §4.5 step 9: connect upstream if
// needed, forward the request, and parse the response.
func (p *Phase) forwardAndAwaitResponse(f *core.Flow, exchange *httpmsg.Exchange) error {
	if f.Server == nil {
		address := net.JoinHostPort(f.TargetHost, f.TargetPort)
		conn, err := upstream.Dial(context.Background(), p.UpstreamOpts, address)
		if err != nil {
			return err
		}
		f.Server = core.NewEndpoint(conn, core.DefaultTimeouts())
	}

	if err := http1.WriteRequest(f.Server, exchange.Request); err != nil {
		return err
	}

	limits := http1.Limits{MaxBodySize: p.Cfg.BodySizeLimit}
	serverParser := http1.New(f.Server, limits)
	version, code, err := serverParser.ParseStatusLine()
	if err != nil {
		return err
	}
	header, err := serverParser.ParseHeaders()
	if err != nil {
		return err
	}
	connectUpgrade := exchange.Request.Method == httpmsg.MethodConnect && code == 200
	if err := serverParser.DetermineBodySize(header, http1.NewBodyContextResponse(exchange.Request.Method, code, connectUpgrade)); err != nil {
		return err
	}
	for {
		done, err := serverParser.ReadBody()
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	resp := &httpmsg.Response{
		Message:    httpmsg.Message{Version: version, Header: header, Body: serverParser.Body()},
		StatusCode: code,
	}
	exchange.SetResponse(resp)
	return nil
}

// transitionAfterExchange implements spec §4.5 step 11 and the phase
// transition table's HTTP rows for 101/keep-alive.
func (p *Phase) transitionAfterExchange(h *core.ServiceHandler, f *core.Flow, req *httpmsg.Request, resp *httpmsg.Response) error {
	if req.Header.HasToken("Connection", "close") || resp.Header.HasToken("Connection", "close") {
		return nil // ServiceHandler stops when Switch is never called.
	}
	if resp.StatusCode == 101 {
		if req.Header.HasToken("Upgrade", "websocket") && p.isValidWebSocketHandshake(req.Header) &&
			!p.Cfg.ShouldTunnelWebSocket(f.TargetHost) {
			h.Switch(p.Next.WebSocket())
			return nil
		}
		h.Switch(p.Next.Tunnel())
		return nil
	}
	h.Switch(p.Next.HTTP())
	return nil
}

// fail synthesises an error page (spec §4.5 "Error pages"), runs the error
// interceptor, and stops the flow.
func (p *Phase) fail(f *core.Flow, cause error) error {
	f.Errors.Set(cause)
	status, reason := statusForError(cause)
	body := errorBody(status, reason)
	header := httpmsg.Header{}
	header.Set("Server", p.Cfg.ProxyName)
	header.Set("Connection", "close")
	header.Set("Content-Type", "text/html")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	resp := &httpmsg.Response{
		Message:    httpmsg.Message{Version: httpmsg.Version11, Header: header, Body: body},
		StatusCode: status,
	}
	exchange := httpmsg.NewExchange(&httpmsg.Request{})
	exchange.SetResponse(resp)
	p.Registry.DispatchHTTP(intercept.EventError, f, exchange)
	_ = http1.WriteResponse(f.Client, resp)
	return cause
}

func statusForError(err error) (int, string) {
	if pe, ok := perror.As(err); ok {
		switch pe.Code {
		case perror.InvalidMethod, perror.InvalidVersion, perror.InvalidRequestLine,
			perror.InvalidHeader, perror.InvalidBodySize, perror.BodySizeTooLarge,
			perror.InvalidChunkedBody, perror.InvalidTargetHost, perror.InvalidTargetPort:
			return 400, httpmsg.ReasonPhrase(400)
		case perror.SelfConnect:
			return 400, httpmsg.ReasonPhrase(400)
		}
	}
	return 502, httpmsg.ReasonPhrase(502)
}

func errorBody(status int, reason string) []byte {
	var b strings.Builder
	b.WriteString("<html><head><title>")
	b.WriteString(strconv.Itoa(status))
	b.WriteString(" ")
	b.WriteString(reason)
	b.WriteString("</title></head><body><h1>")
	b.WriteString(strconv.Itoa(status))
	b.WriteString(" ")
	b.WriteString(reason)
	b.WriteString("</h1></body></html>")
	return []byte(b.String())
}
