package httpmsg

import "github.com/jnestelroad/aether-go/internal/perror"

// ErrNoResponse is returned by Exchange.Response when no response has been
// set yet (spec §3: "response() is only callable when a response has been
// set; violation fails with NoResponse").
var ErrNoResponse = perror.New(perror.NoResponse, "response not yet set on exchange")

// Exchange pairs a request with its (eventually set) response.
//
// MaskConnect lets an interceptor force a CONNECT to be treated as an
// ordinary request — no tunnel is established and the "response" the
// interceptor sets (or the upstream's real response) is forwarded as-is.
type Exchange struct {
	Request     *Request
	response    *Response
	MaskConnect bool
}

// NewExchange wraps req in a fresh Exchange.
func NewExchange(req *Request) *Exchange {
	return &Exchange{Request: req}
}

// SetResponse attaches a response to the exchange.
func (e *Exchange) SetResponse(resp *Response) {
	e.response = resp
}

// HasResponse reports whether a response has been set.
func (e *Exchange) HasResponse() bool {
	return e.response != nil
}

// Response returns the set response, or ErrNoResponse if none has been set.
func (e *Exchange) Response() (*Response, error) {
	if e.response == nil {
		return nil, ErrNoResponse
	}
	return e.response, nil
}
