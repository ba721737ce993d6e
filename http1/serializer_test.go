package http1

import (
	"io"
	"testing"
	"time"

	"github.com/frankban/quicktest"

	"github.com/jnestelroad/aether-go/httpmsg"
)

func TestWriteResponseRechunksABodyThatArrivedChunked(t *testing.T) {
	c := quicktest.New(t)
	ep, peer := pipeEndpoint(t)

	resp := &httpmsg.Response{
		StatusCode: 200,
		Message: httpmsg.Message{
			Version: httpmsg.Version11,
			Body:    []byte("hello world"),
		},
	}
	resp.Header.Set("Transfer-Encoding", "chunked")

	done := make(chan error, 1)
	go func() { done <- WriteResponse(ep, resp) }()

	wire := make([]byte, 256)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := io.ReadAtLeast(peer, wire, 1)
	c.Assert(err, quicktest.IsNil)
	c.Assert(<-done, quicktest.IsNil)

	wireEp, wirePeer := pipeEndpoint(t)
	go func() { _, _ = wirePeer.Write(wire[:n]) }()

	p := New(wireEp, DefaultLimits())
	_, _, err = p.ParseStatusLine()
	c.Assert(err, quicktest.IsNil)
	h, err := p.ParseHeaders()
	c.Assert(err, quicktest.IsNil)
	c.Assert(h.HasToken("Transfer-Encoding", "chunked"), quicktest.IsTrue)
	c.Assert(p.DetermineBodySize(h, NewBodyContextResponse(httpmsg.MethodGet, 200, false)), quicktest.IsNil)
	for {
		bodyDone, err := p.ReadBody()
		c.Assert(err, quicktest.IsNil)
		if bodyDone {
			break
		}
	}
	c.Assert(string(p.Body()), quicktest.Equals, "hello world")
}
