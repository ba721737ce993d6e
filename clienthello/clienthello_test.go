package clienthello

import (
	"encoding/binary"
	"testing"

	"github.com/frankban/quicktest"
)

func buildClientHello(sni, alpn1, alpn2 string) []byte {
	var body []byte
	body = append(body, 0x01, 0x00, 0x00, 0x00) // handshake header (length left zero, unused by Parse)
	body = append(body, 0x03, 0x03)             // version
	body = append(body, make([]byte, 32)...)    // random
	body = append(body, 0x00)                   // session id length 0

	cipher := []byte{0x00, 0x02, 0x13, 0x01} // length 2, one suite
	body = append(body, cipher...)
	body = append(body, 0x01, 0x00) // compression methods: len 1, [0x00]

	var ext []byte
	if sni != "" {
		var entry []byte
		entry = append(entry, sniHostName)
		entry = append(entry, u16(len(sni))...)
		entry = append(entry, []byte(sni)...)
		var list []byte
		list = append(list, u16(len(entry))...)
		list = append(list, entry...)
		ext = append(ext, u16(extServerName)...)
		ext = append(ext, u16(len(list))...)
		ext = append(ext, list...)
	}
	if alpn1 != "" {
		var list []byte
		list = append(list, byte(len(alpn1)))
		list = append(list, []byte(alpn1)...)
		if alpn2 != "" {
			list = append(list, byte(len(alpn2)))
			list = append(list, []byte(alpn2)...)
		}
		var full []byte
		full = append(full, u16(len(list))...)
		full = append(full, list...)
		ext = append(ext, u16(extALPN)...)
		ext = append(ext, u16(len(full))...)
		ext = append(ext, full...)
	}
	body = append(body, u16(len(ext))...)
	body = append(body, ext...)
	return body
}

func u16(n int) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(n))
	return b
}

func TestParseExtractsSNIAndALPN(t *testing.T) {
	c := quicktest.New(t)
	body := buildClientHello("example.test", "http/1.1", "spdy/3")
	rec, err := Parse(body, 0x03)
	c.Assert(err, quicktest.IsNil)
	c.Assert(rec.ServerNames, quicktest.DeepEquals, []string{"example.test"})
	c.Assert(rec.ALPNProtocols, quicktest.DeepEquals, []string{"http/1.1", "spdy/3"})
}

func TestParseRejectsTruncatedRecord(t *testing.T) {
	c := quicktest.New(t)
	_, err := Parse([]byte{0x01, 0x00}, 0x03)
	c.Assert(err, quicktest.ErrorMatches, ".*invalid_client_hello.*")
}
