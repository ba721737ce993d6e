// Package clienthello implements the raw, non-decrypting ClientHello reader
// (spec §4.6 part 1): a two-stage resumable reader over a const buffer that
// recognises a TLS handshake record well enough to extract SNI and ALPN
// before any cryptography happens, so the TLS phase-service can decide
// whether to intercept or fall back to an opaque tunnel.
//
// Grounded on internal/bufseg.ConstSegment (spec §4.1's "const buffer
// segment" variant, built for exactly this use) and on the record/extension
// layout in aether-proxy's tls/handshake_types.cpp
// (_examples/original_source), since spec.md is the Go-idiomatic distillation
// and the original C++ implementation is the source of truth for the exact
// byte offsets and bounds checks.
package clienthello

import (
	"encoding/binary"

	"github.com/jnestelroad/aether-go/core"
	"github.com/jnestelroad/aether-go/internal/bufseg"
	"github.com/jnestelroad/aether-go/internal/perror"
)

const (
	recordTypeHandshake = 0x16
	recordVersionMajor  = 0x03

	extServerName = 0x0000
	extALPN       = 0x0010

	sniHostName = 0x00
)

// Record is the parsed ClientHello (spec §3 ClientHelloRecord).
type Record struct {
	RecordVersionMinor byte
	HandshakeVersion   uint16
	Random             [32]byte
	SessionID          []byte
	CipherSuites       []uint16
	CompressionMethods []byte
	Extensions         map[uint16][]byte // raw bytes per extension type, including the two parsed below
	ServerNames        []string
	ALPNProtocols      []string
}

// Read performs the full two-stage read of a ClientHello off ep, and parses
// the resulting record. Any structural failure returns InvalidClientHello,
// which callers should treat as "not a TLS ClientHello" and downgrade the
// flow to an opaque tunnel (spec §4.6 step 1, §4.3 fallback table).
//
// Read necessarily consumes the record's bytes off ep (a non-decrypting
// structural peek still has to read the wire). Read returns those raw
// bytes alongside the parsed Record so the caller can splice them back in
// front of the real crypto/tls handshake, which otherwise expects to read
// its own ClientHello from the connection.
func Read(ep *core.Endpoint) (*Record, []byte, error) {
	header, err := ep.ReadExactly(5)
	if err != nil {
		return nil, nil, err
	}
	if header[0] != recordTypeHandshake {
		return nil, nil, perror.New(perror.InvalidClientHello, "not a handshake record")
	}
	if header[1] != recordVersionMajor || header[2] > 0x03 {
		return nil, nil, perror.New(perror.InvalidClientHello, "implausible record version")
	}
	length := binary.BigEndian.Uint16(header[3:5])

	body, err := ep.ReadExactly(int(length))
	if err != nil {
		return nil, nil, err
	}
	rec, parseErr := Parse(body, header[2])
	if parseErr != nil {
		return nil, nil, parseErr
	}
	raw := make([]byte, 0, 5+len(body))
	raw = append(raw, header...)
	raw = append(raw, body...)
	return rec, raw, nil
}

// Parse walks a single ClientHello handshake record's body (spec §4.6 step
// 2's "declared record length" worth of bytes) into a structured Record.
func Parse(body []byte, recordVersionMinor byte) (*Record, error) {
	seg := bufseg.NewConstSegment(body)

	hsHeader, ok := seg.Read(4)
	if !ok {
		return nil, perror.New(perror.InvalidClientHello, "truncated handshake header")
	}
	_ = hsHeader[0] // handshake type, expected 0x01 (client_hello); not load-bearing here

	rec := &Record{RecordVersionMinor: recordVersionMinor, Extensions: map[uint16][]byte{}}

	verBytes, ok := seg.Read(2)
	if !ok {
		return nil, perror.New(perror.InvalidClientHello, "truncated version")
	}
	rec.HandshakeVersion = binary.BigEndian.Uint16(verBytes)

	random, ok := seg.Read(32)
	if !ok {
		return nil, perror.New(perror.InvalidClientHello, "truncated random")
	}
	copy(rec.Random[:], random)

	sessIDLen, ok := seg.Read(1)
	if !ok {
		return nil, perror.New(perror.InvalidClientHello, "truncated session id length")
	}
	sessID, ok := seg.Read(int(sessIDLen[0]))
	if !ok {
		return nil, perror.New(perror.InvalidClientHello, "truncated session id")
	}
	rec.SessionID = append([]byte(nil), sessID...)

	cipherLenBytes, ok := seg.Read(2)
	if !ok {
		return nil, perror.New(perror.InvalidClientHello, "truncated cipher suite length")
	}
	cipherLen := binary.BigEndian.Uint16(cipherLenBytes)
	cipherBytes, ok := seg.Read(int(cipherLen))
	if !ok || cipherLen%2 != 0 {
		return nil, perror.New(perror.InvalidClientHello, "truncated cipher suite list")
	}
	for i := 0; i < len(cipherBytes); i += 2 {
		rec.CipherSuites = append(rec.CipherSuites, binary.BigEndian.Uint16(cipherBytes[i:i+2]))
	}

	compLenBytes, ok := seg.Read(1)
	if !ok {
		return nil, perror.New(perror.InvalidClientHello, "truncated compression methods length")
	}
	compBytes, ok := seg.Read(int(compLenBytes[0]))
	if !ok {
		return nil, perror.New(perror.InvalidClientHello, "truncated compression methods")
	}
	rec.CompressionMethods = append([]byte(nil), compBytes...)

	if seg.Remaining() == 0 {
		// No extensions block; a legal (if old) ClientHello.
		return rec, nil
	}

	extTotalLenBytes, ok := seg.Read(2)
	if !ok {
		return nil, perror.New(perror.InvalidClientHello, "truncated extensions length")
	}
	extTotalLen := int(binary.BigEndian.Uint16(extTotalLenBytes))
	extBytes, ok := seg.Read(extTotalLen)
	if !ok {
		return nil, perror.New(perror.InvalidClientHello, "truncated extensions block")
	}

	if err := parseExtensions(extBytes, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func parseExtensions(data []byte, rec *Record) error {
	seg := bufseg.NewConstSegment(data)
	for seg.Remaining() > 0 {
		header, ok := seg.Read(4)
		if !ok {
			return perror.New(perror.InvalidClientHello, "truncated extension header")
		}
		extType := binary.BigEndian.Uint16(header[0:2])
		extLen := binary.BigEndian.Uint16(header[2:4])
		extData, ok := seg.Read(int(extLen))
		if !ok {
			return perror.New(perror.InvalidClientHello, "truncated extension data")
		}
		rec.Extensions[extType] = append([]byte(nil), extData...)

		switch extType {
		case extServerName:
			names, err := parseServerNameList(extData)
			if err != nil {
				return err
			}
			rec.ServerNames = names
		case extALPN:
			protos, err := parseALPNList(extData)
			if err != nil {
				return err
			}
			rec.ALPNProtocols = protos
		}
	}
	return nil
}

func parseServerNameList(data []byte) ([]string, error) {
	seg := bufseg.NewConstSegment(data)
	listLenBytes, ok := seg.Read(2)
	if !ok {
		return nil, perror.New(perror.InvalidClientHello, "truncated server name list length")
	}
	listLen := int(binary.BigEndian.Uint16(listLenBytes))
	listBytes, ok := seg.Read(listLen)
	if !ok {
		return nil, perror.New(perror.InvalidClientHello, "truncated server name list")
	}
	inner := bufseg.NewConstSegment(listBytes)
	var names []string
	for inner.Remaining() > 0 {
		entryHeader, ok := inner.Read(3)
		if !ok {
			return nil, perror.New(perror.InvalidClientHello, "truncated server name entry header")
		}
		nameType := entryHeader[0]
		nameLen := int(binary.BigEndian.Uint16(entryHeader[1:3]))
		nameBytes, ok := inner.Read(nameLen)
		if !ok {
			return nil, perror.New(perror.InvalidClientHello, "truncated server name")
		}
		if nameType == sniHostName {
			names = append(names, string(nameBytes))
		}
	}
	return names, nil
}

func parseALPNList(data []byte) ([]string, error) {
	seg := bufseg.NewConstSegment(data)
	listLenBytes, ok := seg.Read(2)
	if !ok {
		return nil, perror.New(perror.InvalidClientHello, "truncated ALPN list length")
	}
	listLen := int(binary.BigEndian.Uint16(listLenBytes))
	listBytes, ok := seg.Read(listLen)
	if !ok {
		return nil, perror.New(perror.InvalidClientHello, "truncated ALPN list")
	}
	inner := bufseg.NewConstSegment(listBytes)
	var protos []string
	for inner.Remaining() > 0 {
		lenByte, ok := inner.Read(1)
		if !ok {
			return nil, perror.New(perror.InvalidClientHello, "truncated ALPN entry length")
		}
		proto, ok := inner.Read(int(lenByte[0]))
		if !ok {
			return nil, perror.New(perror.InvalidClientHello, "truncated ALPN entry")
		}
		protos = append(protos, string(proto))
	}
	return protos, nil
}
