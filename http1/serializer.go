package http1

import (
	"bytes"
	"strconv"

	"github.com/jnestelroad/aether-go/core"
	"github.com/jnestelroad/aether-go/httpmsg"
)

// WriteRequest serialises a request line, headers, and body to ep
// (spec §4.4 "the parser also serialises"). Content-Length is rewritten to
// match the actual body length (0 for an empty body) whenever the message
// isn't chunked, so edits an interceptor makes to the body stay consistent
// with the framing header.
func WriteRequest(ep *core.Endpoint, req *httpmsg.Request) error {
	var buf bytes.Buffer
	buf.WriteString(req.Method.String())
	buf.WriteByte(' ')
	buf.WriteString(req.URL.String())
	buf.WriteByte(' ')
	buf.WriteString(req.Version.String())
	buf.WriteString("\r\n")
	writeHeadersAndBody(&buf, req.Header, req.Body)
	return ep.WriteAll(buf.Bytes())
}

// WriteResponse serialises a status line, headers, and body to ep.
func WriteResponse(ep *core.Endpoint, resp *httpmsg.Response) error {
	var buf bytes.Buffer
	buf.WriteString(resp.Version.String())
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(resp.StatusCode))
	buf.WriteByte(' ')
	buf.WriteString(httpmsg.ReasonPhrase(resp.StatusCode))
	buf.WriteString("\r\n")
	writeHeadersAndBody(&buf, resp.Header, resp.Body)
	return ep.WriteAll(buf.Bytes())
}

func writeHeadersAndBody(buf *bytes.Buffer, h httpmsg.Header, body []byte) {
	out := h.Clone()
	chunked := out.HasToken("Transfer-Encoding", "chunked")
	if !chunked {
		out.Set("Content-Length", strconv.Itoa(len(body)))
	}
	for _, f := range out.Fields {
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	if chunked {
		writeChunkedBody(buf, body)
		return
	}
	if len(body) > 0 {
		buf.Write(body)
	}
}

// writeChunkedBody re-chunks a fully-reassembled body as a single chunk
// plus the terminal zero-size chunk (spec §8 scenario #4: a parsed-and-
// reassembled chunked body must re-serialise as valid chunked framing, not
// as the raw reassembled bytes under a stale Transfer-Encoding header).
func writeChunkedBody(buf *bytes.Buffer, body []byte) {
	if len(body) > 0 {
		buf.WriteString(strconv.FormatInt(int64(len(body)), 16))
		buf.WriteString("\r\n")
		buf.Write(body)
		buf.WriteString("\r\n")
	}
	buf.WriteString("0\r\n\r\n")
}
