package bufseg

import "testing"

func TestCountSegmentResumable(t *testing.T) {
	s := NewCount(5)
	if s.Feed([]byte("ab")) {
		t.Fatal("should be incomplete after 2 bytes")
	}
	if !s.Feed([]byte("cde")) {
		t.Fatal("should be complete after 5 bytes")
	}
	if string(s.View()) != "abcde" {
		t.Fatalf("view = %q", s.View())
	}
}

func TestCountSegmentOverrun(t *testing.T) {
	s := NewCount(3)
	s.Feed([]byte("abcdef"))
	if !s.Complete() {
		t.Fatal("should be complete")
	}
	if string(s.View()) != "abc" {
		t.Fatalf("view = %q", s.View())
	}
	if string(s.Remainder()) != "def" {
		t.Fatalf("remainder = %q", s.Remainder())
	}
}

func TestDelimiterSegment(t *testing.T) {
	s := NewDelimiter([]byte("\r\n"))
	if s.Feed([]byte("hello wor")) {
		t.Fatal("should be incomplete, no delimiter yet")
	}
	if !s.Feed([]byte("ld\r\nrest")) {
		t.Fatal("should be complete")
	}
	if string(s.View()) != "hello world" {
		t.Fatalf("view = %q", s.View())
	}
	if string(s.Remainder()) != "rest" {
		t.Fatalf("remainder = %q", s.Remainder())
	}
}

func TestDelimiterAcrossFeedBoundary(t *testing.T) {
	s := NewDelimiter([]byte("\r\n"))
	s.Feed([]byte("abc\r"))
	if s.Complete() {
		t.Fatal("lone CR should not complete")
	}
	if !s.Feed([]byte("\n")) {
		t.Fatal("split delimiter should complete on next feed")
	}
	if string(s.View()) != "abc" {
		t.Fatalf("view = %q", s.View())
	}
}

func TestAllSegmentEOF(t *testing.T) {
	s := NewAll()
	s.Feed([]byte("chunk1"))
	s.Feed([]byte("chunk2"))
	if s.Complete() {
		t.Fatal("should not be complete before EOF")
	}
	if !s.Feed(nil) {
		t.Fatal("zero-byte feed should complete")
	}
	if string(s.View()) != "chunk1chunk2" {
		t.Fatalf("view = %q", s.View())
	}
}

func TestResetClearsState(t *testing.T) {
	s := NewCount(2)
	s.Feed([]byte("ab"))
	s.Reset()
	if s.Complete() {
		t.Fatal("should be incomplete after reset")
	}
	if s.BytesCommitted() != 0 {
		t.Fatal("should be zero after reset")
	}
}

func TestConstSegmentBounds(t *testing.T) {
	c := NewConstSegment([]byte{0x16, 0x03, 0x01, 0x00, 0x05, 1, 2, 3, 4, 5})
	hdr, ok := c.Read(5)
	if !ok || hdr[0] != 0x16 {
		t.Fatal("expected 5-byte header")
	}
	if _, ok := c.Peek(6); ok {
		t.Fatal("should not have 6 bytes remaining")
	}
	body, ok := c.Read(5)
	if !ok || len(body) != 5 {
		t.Fatal("expected 5-byte body")
	}
	if c.Remaining() != 0 {
		t.Fatal("expected no remainder")
	}
}
