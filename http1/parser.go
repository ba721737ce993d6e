// Package http1 implements the streaming HTTP/1.x parser and serializer
// (spec §4.4): request/response line and header parsing driven by
// read-until-CRLF operations against a core.Endpoint, stateful body framing
// across multiple socket reads (Content-Length, chunked, EOF-framed), and
// Expect: 100-continue recognition.
//
// Grounded on the teacher's net/http-delegated parsing generalized to a
// hand-rolled, resumable state machine per spec's explicit requirement that
// this be one of the proxy's four core pieces; the chunked/trailer reading
// loop follows the structure of aether-proxy's http_parser.cpp
// (_examples/original_source).
package http1

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/jnestelroad/aether-go/core"
	"github.com/jnestelroad/aether-go/httpmsg"
	"github.com/jnestelroad/aether-go/internal/perror"
)

// MessageMode tags which kind of message a Parser is currently reading.
type MessageMode int

const (
	ModeUnknown MessageMode = iota
	ModeRequest
	ModeResponse
)

// BodyFraming enumerates how a message's body length was determined
// (spec §3 HttpParserState).
type BodyFraming int

const (
	BodyNone BodyFraming = iota
	BodyGiven
	BodyChunked
	BodyAll
)

// Limits bounds parser behaviour (spec §6 body-size-limit).
type Limits struct {
	MaxBodySize int64 // must exceed 4096
}

// DefaultLimits returns a 10 MiB body-size limit, well above the 4096-byte
// floor MaxBodySize must exceed.
func DefaultLimits() Limits { return Limits{MaxBodySize: 10 * 1024 * 1024} }

// Parser holds per-exchange, per-direction scratch state (spec §3
// HttpParserState) and drives reads against a core.Endpoint.
type Parser struct {
	ep     *core.Endpoint
	limits Limits

	mode     MessageMode
	framing  BodyFraming
	expected int64 // declared Content-Length for BodyGiven framing; unused otherwise
	consumed int64
	finished bool

	chunkHeaderKnown bool
	chunkRemaining   int64
	bodyBuf          bytes.Buffer
}

// New creates a Parser reading from ep.
func New(ep *core.Endpoint, limits Limits) *Parser {
	return &Parser{ep: ep, limits: limits}
}

// reset clears per-exchange scratch so the Parser can be reused for the next
// direction or exchange (spec §4.4: "parser state resets after a full body
// is ingested").
func (p *Parser) reset() {
	p.mode = ModeUnknown
	p.framing = BodyNone
	p.expected = 0
	p.consumed = 0
	p.finished = false
	p.chunkHeaderKnown = false
	p.chunkRemaining = 0
	p.bodyBuf.Reset()
}

// ParseRequestLine reads and parses a request line (spec §4.4).
func (p *Parser) ParseRequestLine() (httpmsg.Method, httpmsg.Url, httpmsg.Version, error) {
	p.reset()
	p.mode = ModeRequest
	line, err := p.ep.ReadUntil([]byte("\r\n"))
	if err != nil {
		return 0, httpmsg.Url{}, 0, err
	}
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) != 3 {
		return 0, httpmsg.Url{}, 0, perror.New(perror.InvalidRequestLine, "malformed request line: "+string(line))
	}
	method, ok := httpmsg.ParseMethod(parts[0])
	if !ok {
		return 0, httpmsg.Url{}, 0, perror.New(perror.InvalidMethod, parts[0])
	}
	target, err := httpmsg.ParseTarget(parts[0], parts[1])
	if err != nil {
		return 0, httpmsg.Url{}, 0, err
	}
	version, ok := httpmsg.ParseVersion(parts[2])
	if !ok {
		return 0, httpmsg.Url{}, 0, perror.New(perror.InvalidVersion, parts[2])
	}
	return method, target, version, nil
}

// ParseStatusLine reads and parses a response status line. The reason
// phrase is discarded; it is regenerated from the code on write (spec §4.4).
func (p *Parser) ParseStatusLine() (httpmsg.Version, int, error) {
	p.reset()
	p.mode = ModeResponse
	line, err := p.ep.ReadUntil([]byte("\r\n"))
	if err != nil {
		return 0, 0, err
	}
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) < 2 {
		return 0, 0, perror.New(perror.InvalidResponseLine, "malformed status line: "+string(line))
	}
	version, ok := httpmsg.ParseVersion(parts[0])
	if !ok {
		return 0, 0, perror.New(perror.InvalidVersion, parts[0])
	}
	code, convErr := strconv.Atoi(parts[1])
	if convErr != nil {
		return 0, 0, perror.New(perror.InvalidStatus, parts[1])
	}
	return version, code, nil
}

// ParseHeaders reads headers until the terminating empty line (spec §4.4).
func (p *Parser) ParseHeaders() (httpmsg.Header, error) {
	var h httpmsg.Header
	for {
		line, err := p.ep.ReadUntil([]byte("\r\n"))
		if err != nil {
			return h, err
		}
		if len(line) == 0 {
			return h, nil
		}
		name, value, ok := strings.Cut(string(line), ":")
		if !ok {
			return h, perror.New(perror.InvalidHeader, string(line))
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
}

// bodyContext carries the handful of facts BodySize needs beyond the header
// block itself (spec §4.4 "Body size determination").
type bodyContext struct {
	IsRequest      bool
	Method         httpmsg.Method
	RequestMethod  httpmsg.Method // method of the request this is a response to (for HEAD/CONNECT suppression)
	StatusCode     int
	ConnectUpgrade bool // response is 200 to a CONNECT
}

// DetermineBodySize computes (once per exchange direction, then cached) how
// the body should be framed, per the decision list in spec §4.4.
func (p *Parser) DetermineBodySize(h httpmsg.Header, ctx bodyContext) error {
	if ctx.IsRequest && h.HasToken("Expect", "100-continue") {
		p.framing = BodyNone
		return nil
	}
	if !ctx.IsRequest {
		switch {
		case ctx.RequestMethod == httpmsg.MethodHead,
			ctx.StatusCode >= 100 && ctx.StatusCode < 200,
			ctx.StatusCode == 204,
			ctx.StatusCode == 304,
			ctx.ConnectUpgrade:
			p.framing = BodyNone
			return nil
		}
	}
	if h.HasToken("Transfer-Encoding", "chunked") {
		p.framing = BodyChunked
		p.chunkHeaderKnown = false
		return nil
	}
	if h.Has("Content-Length") {
		values := h.Values("Content-Length")
		n, err := strconv.ParseInt(strings.TrimSpace(values[0]), 10, 64)
		if err != nil || n < 0 {
			return perror.New(perror.InvalidBodySize, "invalid Content-Length: "+values[0])
		}
		for _, v := range values[1:] {
			if strings.TrimSpace(v) != values[0] {
				return perror.New(perror.InvalidBodySize, "conflicting Content-Length headers")
			}
		}
		if n > p.limits.MaxBodySize {
			return perror.New(perror.BodySizeTooLarge, "content-length exceeds limit")
		}
		p.framing = BodyGiven
		p.expected = n
		return nil
	}
	if ctx.IsRequest {
		p.framing = BodyNone
		return nil
	}
	p.framing = BodyAll
	return nil
}

// ReadBody drives one step of stateful body reading (spec §4.4 "Body
// reading"), returning the accumulated body once fully read. Call
// repeatedly (each call may block on one socket read) until done == true.
func (p *Parser) ReadBody() (done bool, err error) {
	switch p.framing {
	case BodyNone:
		return true, nil
	case BodyGiven:
		return p.readGivenBody()
	case BodyChunked:
		return p.readChunkedBody()
	case BodyAll:
		return p.readAllBody()
	default:
		return true, nil
	}
}

// Body returns the accumulated body bytes; only meaningful once ReadBody has
// returned done == true.
func (p *Parser) Body() []byte {
	b := make([]byte, p.bodyBuf.Len())
	copy(b, p.bodyBuf.Bytes())
	return b
}

func (p *Parser) readGivenBody() (bool, error) {
	remaining := p.expected - p.consumed
	if remaining <= 0 {
		p.finished = true
		return true, nil
	}
	chunk, err := p.ep.ReadExactly(int(remaining))
	if err != nil {
		return false, err
	}
	p.bodyBuf.Write(chunk)
	p.consumed += int64(len(chunk))
	p.finished = true
	return true, nil
}

func (p *Parser) readAllBody() (bool, error) {
	chunk, err := p.ep.ReadToEOF()
	if err != nil {
		return false, err
	}
	p.bodyBuf.Write(chunk)
	p.finished = true
	return true, nil
}

// readChunkedBody alternates between reading a hex-prefixed size line,
// reading exactly that many bytes, and reading the trailing CRLF, per
// spec §4.4. A zero-size chunk terminates the body; any trailer headers
// that follow are read and discarded (spec §4.4, §9 Open Questions,
// SPEC_FULL §4).
func (p *Parser) readChunkedBody() (bool, error) {
	for {
		if !p.chunkHeaderKnown {
			line, err := p.ep.ReadUntil([]byte("\r\n"))
			if err != nil {
				return false, err
			}
			sizeStr, _, _ := strings.Cut(string(line), ";") // chunk extensions ignored
			size, convErr := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
			if convErr != nil || size < 0 {
				return false, perror.New(perror.InvalidChunkedBody, "bad chunk size: "+string(line))
			}
			if p.consumed+size > p.limits.MaxBodySize {
				return false, perror.New(perror.BodySizeTooLarge, "chunked body exceeds limit")
			}
			p.chunkRemaining = size
			p.chunkHeaderKnown = true
		}

		if p.chunkRemaining == 0 {
			// Terminal chunk: consume trailer headers (read+discard, spec
			// §9 Open Questions — not exposed to interceptors) up to the
			// final empty line.
			for {
				line, err := p.ep.ReadUntil([]byte("\r\n"))
				if err != nil {
					return false, err
				}
				if len(line) == 0 {
					break
				}
			}
			p.finished = true
			return true, nil
		}

		chunk, err := p.ep.ReadExactly(int(p.chunkRemaining))
		if err != nil {
			return false, err
		}
		p.bodyBuf.Write(chunk)
		p.consumed += int64(len(chunk))

		if _, err := p.ep.ReadUntil([]byte("\r\n")); err != nil {
			return false, err
		}
		p.chunkHeaderKnown = false
	}
}

// NewBodyContextRequest builds the context DetermineBodySize needs for a
// request direction.
func NewBodyContextRequest() bodyContext {
	return bodyContext{IsRequest: true}
}

// NewBodyContextResponse builds the context DetermineBodySize needs for a
// response direction.
func NewBodyContextResponse(requestMethod httpmsg.Method, statusCode int, connectUpgrade bool) bodyContext {
	return bodyContext{RequestMethod: requestMethod, StatusCode: statusCode, ConnectUpgrade: connectUpgrade}
}
