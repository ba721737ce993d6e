package http1

import (
	"net"
	"testing"
	"time"

	"github.com/frankban/quicktest"

	"github.com/jnestelroad/aether-go/core"
	"github.com/jnestelroad/aether-go/httpmsg"
)

func pipeEndpoint(t *testing.T) (*core.Endpoint, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	ep := core.NewEndpoint(a, core.Timeouts{Regular: 5 * time.Second})
	return ep, b
}

func TestParseRequestLineAndHeaders(t *testing.T) {
	c := quicktest.New(t)
	ep, peer := pipeEndpoint(t)
	go func() {
		_, _ = peer.Write([]byte("GET /foo?bar=1 HTTP/1.1\r\nHost: example.com\r\nX-A: 1\r\nX-A: 2\r\n\r\n"))
	}()

	p := New(ep, DefaultLimits())
	method, url, version, err := p.ParseRequestLine()
	c.Assert(err, quicktest.IsNil)
	c.Assert(method, quicktest.Equals, httpmsg.MethodGet)
	c.Assert(url.Path, quicktest.Equals, "/foo")
	c.Assert(url.Search, quicktest.Equals, "?bar=1")
	c.Assert(version, quicktest.Equals, httpmsg.Version11)

	h, err := p.ParseHeaders()
	c.Assert(err, quicktest.IsNil)
	c.Assert(h.Get("Host"), quicktest.Equals, "example.com")
	c.Assert(h.Values("X-A"), quicktest.DeepEquals, []string{"1", "2"})
}

func TestContentLengthBody(t *testing.T) {
	c := quicktest.New(t)
	ep, peer := pipeEndpoint(t)
	go func() {
		_, _ = peer.Write([]byte("POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"))
	}()

	p := New(ep, DefaultLimits())
	_, _, _, err := p.ParseRequestLine()
	c.Assert(err, quicktest.IsNil)
	h, err := p.ParseHeaders()
	c.Assert(err, quicktest.IsNil)
	c.Assert(p.DetermineBodySize(h, NewBodyContextRequest()), quicktest.IsNil)
	for {
		done, err := p.ReadBody()
		c.Assert(err, quicktest.IsNil)
		if done {
			break
		}
	}
	c.Assert(string(p.Body()), quicktest.Equals, "hello")
}

func TestChunkedBody(t *testing.T) {
	c := quicktest.New(t)
	ep, peer := pipeEndpoint(t)
	go func() {
		_, _ = peer.Write([]byte("POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"))
	}()

	p := New(ep, DefaultLimits())
	_, _, _, err := p.ParseRequestLine()
	c.Assert(err, quicktest.IsNil)
	h, err := p.ParseHeaders()
	c.Assert(err, quicktest.IsNil)
	c.Assert(p.DetermineBodySize(h, NewBodyContextRequest()), quicktest.IsNil)
	for {
		done, err := p.ReadBody()
		c.Assert(err, quicktest.IsNil)
		if done {
			break
		}
	}
	c.Assert(string(p.Body()), quicktest.Equals, "hello world")
}

func TestHeadResponseHasNoBody(t *testing.T) {
	c := quicktest.New(t)
	ep, _ := pipeEndpoint(t)
	p := New(ep, DefaultLimits())
	p.reset()
	err := p.DetermineBodySize(httpmsg.Header{}, NewBodyContextResponse(httpmsg.MethodHead, 200, false))
	c.Assert(err, quicktest.IsNil)
	c.Assert(p.framing, quicktest.Equals, BodyNone)
}
