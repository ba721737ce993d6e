package core

import (
	"net"
	"sync"
	"testing"
	"time"
)

func dialListener(ln net.Listener) (net.Conn, error) {
	return net.Dial("tcp", ln.Addr().String())
}

func TestBackpressureAdmitsOnlyUpToLimit(t *testing.T) {
	b := NewBackpressure(2)
	var active int
	var maxActive int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := uint64(1); i <= 5; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			b.Acquire(id)
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			b.Release()
		}(i)
	}
	wg.Wait()

	if maxActive > 2 {
		t.Fatalf("expected at most 2 concurrently active, observed %d", maxActive)
	}
}

func TestBackpressureUnboundedWhenLimitIsZero(t *testing.T) {
	b := NewBackpressure(0)
	done := make(chan struct{})
	go func() {
		b.Acquire(1)
		b.Release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected unbounded backpressure to never block")
	}
}

func TestAcceptorServeInvokesHandlerPerConnection(t *testing.T) {
	ln, err := Listen(ListenOptions{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	handled := make(chan uint64, 4)
	a := NewAcceptor(ln, DefaultTimeouts(), 0, func(f *Flow) {
		handled <- f.ID
		f.Close()
	})
	go a.Serve()

	conn, err := dialListener(ln)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked for the accepted connection")
	}
}
