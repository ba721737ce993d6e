// Package httpmsg implements the proxy's wire-level HTTP message model
// (spec §3): a header multi-map that preserves insertion order per key and
// allows repeated keys, the Url type with its target-form sensitivity, and
// the Request/Response message types built on top.
//
// This is deliberately not net/http.Header (a map[string][]string keyed by
// canonicalized name, unordered across distinct keys): the spec requires
// insertion-order preservation across *all* headers, not just repeats of one
// key, since that order is part of what a faithful proxy re-serializes.
package httpmsg

import (
	"strings"

	"github.com/samber/lo"
)

// Header is an ordered multi-map: Fields preserves the exact order headers
// were added in, including interleaved repeats of the same name.
type Header struct {
	Fields []HeaderField
}

// HeaderField is a single name/value pair as it appeared on the wire.
type HeaderField struct {
	Name  string
	Value string
}

// Add appends a new field, preserving any existing fields with the same name.
func (h *Header) Add(name, value string) {
	h.Fields = append(h.Fields, HeaderField{Name: name, Value: value})
}

// Set replaces all fields with the given name (case-insensitive) with a
// single field, or appends one if none existed.
func (h *Header) Set(name, value string) {
	lname := strings.ToLower(name)
	for i := range h.Fields {
		if strings.ToLower(h.Fields[i].Name) == lname {
			h.Fields[i].Value = value
			h.Fields = append(h.Fields[:i+1], removeName(h.Fields[i+1:], lname)...)
			return
		}
	}
	h.Add(name, value)
}

func removeName(fields []HeaderField, lname string) []HeaderField {
	out := fields[:0]
	for _, f := range fields {
		if strings.ToLower(f.Name) != lname {
			out = append(out, f)
		}
	}
	return out
}

// Del removes all fields with the given name (case-insensitive).
func (h *Header) Del(name string) {
	lname := strings.ToLower(name)
	h.Fields = removeName(h.Fields, lname)
}

// Get returns the first value for name, or "" if absent.
func (h *Header) Get(name string) string {
	lname := strings.ToLower(name)
	for _, f := range h.Fields {
		if strings.ToLower(f.Name) == lname {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name, in insertion order.
func (h *Header) Values(name string) []string {
	lname := strings.ToLower(name)
	return lo.FilterMap(h.Fields, func(f HeaderField, _ int) (string, bool) {
		return f.Value, strings.ToLower(f.Name) == lname
	})
}

// Has reports whether any field with the given name exists.
func (h *Header) Has(name string) bool {
	lname := strings.ToLower(name)
	return lo.SomeBy(h.Fields, func(f HeaderField) bool {
		return strings.ToLower(f.Name) == lname
	})
}

// HasToken reports whether name's value(s) contain token as one of a
// comma-separated, case-insensitive list of tokens. Used for Connection,
// Transfer-Encoding, and Upgrade per spec §4.4.
func (h *Header) HasToken(name, token string) bool {
	ltoken := strings.ToLower(token)
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.ToLower(strings.TrimSpace(part)) == ltoken {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy.
func (h *Header) Clone() Header {
	out := Header{Fields: make([]HeaderField, len(h.Fields))}
	copy(out.Fields, h.Fields)
	return out
}
