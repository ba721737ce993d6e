package proxy

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jnestelroad/aether-go/certstore"
	"github.com/jnestelroad/aether-go/config"
)

func newTestProxy(t *testing.T) (*Proxy, net.Listener) {
	t.Helper()
	certs, err := certstore.New(certstore.Options{StoreDir: t.TempDir(), CacheSize: 10})
	if err != nil {
		t.Fatalf("certstore.New failed: %v", err)
	}
	cfg := config.Default()
	p := New(cfg, certs)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	return p, ln
}

func TestProxyForwardsPlainHTTPRequestToBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-From-Backend", "yes")
		w.WriteHeader(200)
		_, _ = w.Write([]byte("hello from backend"))
	}))
	defer backend.Close()

	p, ln := newTestProxy(t)
	go func() { _ = p.Serve(ln) }()
	defer p.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy failed: %v", err)
	}
	defer conn.Close()

	req := fmt.Sprintf("GET %s/hello HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", "http://"+backend.Listener.Addr().String(), backend.Listener.Addr().String())
	conn.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write request failed: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-From-Backend") != "yes" {
		t.Fatalf("expected backend response header to pass through, got %v", resp.Header)
	}

	body := make([]byte, 64)
	n, _ := resp.Body.Read(body)
	if string(body[:n]) != "hello from backend" {
		t.Fatalf("expected backend body, got %q", body[:n])
	}
}
