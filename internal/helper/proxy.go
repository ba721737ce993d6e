package helper

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// GetProxyConn dials address through an upstream proxy named by proxyURL
// (scheme "socks5" or "https"), for upstream.Dial's chained-proxy mode
// (spec §6 supplemented upstream-proxy-chaining feature).
func GetProxyConn(ctx context.Context, proxyURL *url.URL, address string, sslInsecure bool) (net.Conn, error) {
	if proxyURL.Scheme == "socks5" {
		return dialSOCKS5(ctx, proxyURL, address)
	}
	return dialHTTPSConnect(ctx, proxyURL, address, sslInsecure)
}

func dialSOCKS5(ctx context.Context, proxyURL *url.URL, address string) (net.Conn, error) {
	auth := &proxy.Auth{}
	if proxyURL.User != nil {
		auth.User = proxyURL.User.Username()
		auth.Password, _ = proxyURL.User.Password()
	}
	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
	if err != nil {
		return nil, err
	}
	dc, ok := dialer.(interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	})
	if !ok {
		return nil, errors.New("SOCKS5 dialer does not support DialContext")
	}
	return dc.DialContext(ctx, "tcp", address)
}

// dialHTTPSConnect dials the proxy itself (over TLS if proxyURL is https),
// then issues a CONNECT for address and returns the tunnel on a 200
// response, mirroring net/http's transport dialConn logic for an
// HTTP(S)-proxied CONNECT.
func dialHTTPSConnect(ctx context.Context, proxyURL *url.URL, address string, sslInsecure bool) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", proxyURL.Host)
	if err != nil {
		return nil, err
	}
	if proxyURL.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         proxyURL.Hostname(),
			InsecureSkipVerify: sslInsecure,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	connectReq := &http.Request{
		Method: "CONNECT",
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: http.Header{},
	}
	if proxyURL.User != nil {
		connectReq.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(proxyURL.User.String())))
	}

	connectCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	done := make(chan struct{})
	var resp *http.Response
	go func() {
		defer close(done)
		if err = connectReq.Write(conn); err != nil {
			return
		}
		// the target hasn't started TLS yet, so discarding this buffered
		// reader on success loses nothing.
		resp, err = http.ReadResponse(bufio.NewReader(conn), connectReq)
	}()

	select {
	case <-connectCtx.Done():
		conn.Close()
		<-done
		return nil, connectCtx.Err()
	case <-done:
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		_, text, ok := strings.Cut(resp.Status, " ")
		if !ok {
			return nil, errors.New("unknown status code")
		}
		return nil, errors.New(text)
	}
	return conn, nil
}
