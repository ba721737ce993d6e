// Package perror defines the proxy's structured error taxonomy (spec §7).
//
// Proxy errors are categorised by subsystem (proxy, http, tls, websocket) and
// carried alongside any underlying OS/socket error in an ErrorState, so that a
// failure discovered early in a flow's life can still be rendered to the
// client later (e.g. as an HTTP 502) without losing the original cause.
package perror

import (
	"errors"
	"fmt"
)

// Category groups a Code by subsystem.
type Category int

const (
	CategoryProxy Category = iota
	CategoryHTTP
	CategoryTLS
	CategoryWebSocket
)

func (c Category) String() string {
	switch c {
	case CategoryProxy:
		return "proxy"
	case CategoryHTTP:
		return "http"
	case CategoryTLS:
		return "tls"
	case CategoryWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// Code enumerates the structured proxy error codes from spec §7.
type Code int

const (
	// proxy
	InvalidOption Code = iota
	IPv6Error
	InvalidOperation
	AcceptorError
	ParserError
	ServerNotConnected
	AsioError
	SelfConnect

	// http
	InvalidMethod
	InvalidStatus
	InvalidVersion
	InvalidTargetHost
	InvalidTargetPort
	InvalidRequestLine
	InvalidHeader
	HeaderNotFound
	InvalidBodySize
	BodySizeTooLarge
	InvalidChunkedBody
	NoResponse
	InvalidResponseLine
	MalformedResponseBody

	// tls
	InvalidClientHello
	ReadAccessViolation
	TLSServiceError
	InvalidSSLMethod
	InvalidCipherSuite
	InvalidTrustedCertificatesFile
	InvalidCipherSuiteList
	InvalidALPNProtosList
	SSLContextError
	SSLServerStoreCreationError
	CertificateCreationError
	CertificateIssuerNotFound
	CertificateSubjectNotFound
	CertificateNameEntryError
	ALPNNotFound
	UpstreamHandshakeFailed
	DownstreamHandshakeFailed
	UpstreamConnectError

	// websocket
	InvalidOpcode
	ExtensionParamNotFound
	InvalidExtensionString
	InvalidFrame
	UnexpectedOpcode
	SerializationError
	ZlibError
)

var names = map[Code]string{
	InvalidOption:      "invalid_option",
	IPv6Error:          "ipv6_error",
	InvalidOperation:   "invalid_operation",
	AcceptorError:      "acceptor_error",
	ParserError:        "parser_error",
	ServerNotConnected: "server_not_connected",
	AsioError:          "asio_error",
	SelfConnect:        "self_connect",

	InvalidMethod:          "invalid_method",
	InvalidStatus:          "invalid_status",
	InvalidVersion:         "invalid_version",
	InvalidTargetHost:      "invalid_target_host",
	InvalidTargetPort:      "invalid_target_port",
	InvalidRequestLine:     "invalid_request_line",
	InvalidHeader:          "invalid_header",
	HeaderNotFound:         "header_not_found",
	InvalidBodySize:        "invalid_body_size",
	BodySizeTooLarge:       "body_size_too_large",
	InvalidChunkedBody:     "invalid_chunked_body",
	NoResponse:             "no_response",
	InvalidResponseLine:    "invalid_response_line",
	MalformedResponseBody:  "malformed_response_body",

	InvalidClientHello:             "invalid_client_hello",
	ReadAccessViolation:            "read_access_violation",
	TLSServiceError:                "tls_service_error",
	InvalidSSLMethod:               "invalid_ssl_method",
	InvalidCipherSuite:             "invalid_cipher_suite",
	InvalidTrustedCertificatesFile: "invalid_trusted_certificates_file",
	InvalidCipherSuiteList:         "invalid_cipher_suite_list",
	InvalidALPNProtosList:          "invalid_alpn_protos_list",
	SSLContextError:                "ssl_context_error",
	SSLServerStoreCreationError:    "ssl_server_store_creation_error",
	CertificateCreationError:       "certificate_creation_error",
	CertificateIssuerNotFound:      "certificate_issuer_not_found",
	CertificateSubjectNotFound:     "certificate_subject_not_found",
	CertificateNameEntryError:      "certificate_name_entry_error",
	ALPNNotFound:                   "alpn_not_found",
	UpstreamHandshakeFailed:        "upstream_handshake_failed",
	DownstreamHandshakeFailed:      "downstream_handshake_failed",
	UpstreamConnectError:           "upstream_connect_error",

	InvalidOpcode:           "invalid_opcode",
	ExtensionParamNotFound:  "extension_param_not_found",
	InvalidExtensionString:  "invalid_extension_string",
	InvalidFrame:            "invalid_frame",
	UnexpectedOpcode:        "unexpected_opcode",
	SerializationError:      "serialization_error",
	ZlibError:               "zlib_error",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "unknown_error"
}

// Category classifies which subsystem a Code belongs to, by range.
func (c Code) Category() Category {
	switch {
	case c < InvalidMethod:
		return CategoryProxy
	case c < InvalidClientHello:
		return CategoryHTTP
	case c < InvalidOpcode:
		return CategoryTLS
	default:
		return CategoryWebSocket
	}
}

// Error is a structured proxy error: a Code plus a human-readable message
// and an optional wrapped cause (which may be an OS/socket error).
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// As reports whether err (or an error in its chain) is a *Error, returning it.
func As(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}

// ErrorState defers error reporting: a failure discovered before the client
// TLS handshake completes can still be reported over the eventual TLS
// channel, or as an HTTP 502, once one exists. Spec §3.
type ErrorState struct {
	Proxy   *Error // structured proxy error code, if any
	OS      error  // raw OS/socket error, if any
	Message string // human-readable summary, always set when either field is set
}

// Set records an error on the state. The first error recorded wins; later
// calls are no-ops, matching the "defer reporting" semantics — the proxy
// reports the root cause, not a downstream symptom.
func (s *ErrorState) Set(err error) {
	if s.Proxy != nil || s.OS != nil {
		return
	}
	if pe, ok := As(err); ok {
		s.Proxy = pe
		s.Message = pe.Error()
		return
	}
	s.OS = err
	if err != nil {
		s.Message = err.Error()
	}
}

// HasError reports whether any error has been recorded.
func (s *ErrorState) HasError() bool {
	return s.Proxy != nil || s.OS != nil
}

// Err returns the single recorded error, preferring the structured proxy
// error when both are somehow set.
func (s *ErrorState) Err() error {
	if s.Proxy != nil {
		return s.Proxy
	}
	return s.OS
}

