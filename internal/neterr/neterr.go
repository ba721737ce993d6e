// Package neterr classifies network errors as "expected" (peer reset,
// timeout, closed socket) versus unexpected, so that logging can stay quiet
// on routine teardown and loud on genuine surprises.
//
// Grounded on the teacher's proxy/helper.go logErr and
// proxy/internal/websocket/handler.go logErr allow-lists.
package neterr

import (
	"errors"
	"io"
	"log/slog"
	"strings"
)

var benignSubstrings = []string{
	"read: connection reset by peer",
	"write: broken pipe",
	"i/o timeout",
	"tls: handshake timeout",
	"net/http: TLS handshake timeout",
	"io: read/write on closed pipe",
	"connect: connection refused",
	"connect: connection reset by peer",
	"use of closed network connection",
	"broken pipe",
	"connection reset by peer",
	"operation was canceled",
	"context canceled",
	"server closed idle connection",
	"deadline exceeded",
	"operation timed out",
}

// IsBenign reports whether err represents a routine teardown condition that
// should be logged at Debug rather than Error.
func IsBenign(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	for _, s := range benignSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Log logs err at Debug if benign, Error otherwise. A nil err logs nothing.
func Log(logger *slog.Logger, err error) {
	if err == nil {
		return
	}
	if IsBenign(err) {
		logger.Debug("normal error", "error", err)
		return
	}
	logger.Error("unexpected error", "error", err)
}
