package agent

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"frpc/client/internal/frpstest"
	"frpc/shared/crypto"
	"frpc/shared/protocol"
)

func startEchoBackend(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	a, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	b := <-accepted
	if b == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

// openWork asks for a work connection and binds it to proxy.
func openWork(t *testing.T, conn *frpstest.Conn, proxy string) *frpstest.WorkConn {
	t.Helper()
	if err := conn.RequestWorkConn(); err != nil {
		t.Fatal(err)
	}
	wc, err := conn.NextWorkConn(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := wc.Start(proxy); err != nil {
		t.Fatal(err)
	}
	return wc
}

func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the work stream to be closed")
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("work stream left open")
	}
}

func TestWorkConn_RelaysToBackend(t *testing.T) {
	port := startEchoBackend(t)
	srv := startServer(t, frpstest.Options{Token: "secret"})
	ctl, conn, _ := activeControl(t, srv, testConfig(tcpProxy("echo", port, 6000)), ControlOptions{})
	nextNewProxy(t, conn)

	wc := openWork(t, conn, "echo")
	if wc.Msg.RunID != "abc123" {
		t.Fatalf("expected run id abc123, got %q", wc.Msg.RunID)
	}
	if !crypto.VerifyPrivilegeKey("secret", wc.Msg.Timestamp, wc.Msg.PrivilegeKey) {
		t.Fatal("work connection privilege key does not verify")
	}

	payload := bytes.Repeat([]byte("frp"), 100000)
	go func() { _, _ = wc.Write(payload) }()
	got := make([]byte, len(payload))
	_ = wc.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(wc, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("echo mismatch")
	}
	_ = wc.Close()

	waitFor(t, 2*time.Second, "work conn recorded", func() bool {
		st, _ := ctl.status.Get("echo")
		return st.WorkConns == 1 && st.WorkConnErrors == 0
	})
}

func TestWorkConn_ConcurrentStreams(t *testing.T) {
	port := startEchoBackend(t)
	srv := startServer(t, frpstest.Options{Token: "secret"})
	_, conn, _ := activeControl(t, srv, testConfig(tcpProxy("echo", port, 6000)), ControlOptions{})
	nextNewProxy(t, conn)

	const n = 8
	conns := make([]*frpstest.WorkConn, n)
	for i := range conns {
		conns[i] = openWork(t, conn, "echo")
	}
	for i, wc := range conns {
		msg := []byte{byte('a' + i)}
		if _, err := wc.Write(msg); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 1)
		_ = wc.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := io.ReadFull(wc, buf); err != nil || buf[0] != msg[0] {
			t.Fatalf("stream %d: got %q, %v", i, buf, err)
		}
		_ = wc.Close()
	}
}

func TestWorkConn_UnknownProxyStaysLocal(t *testing.T) {
	port := startEchoBackend(t)
	srv := startServer(t, frpstest.Options{Token: "secret"})
	ctl, conn, _ := activeControl(t, srv, testConfig(tcpProxy("echo", port, 6000)), ControlOptions{})
	nextNewProxy(t, conn)

	bad := openWork(t, conn, "nope")
	expectClosed(t, bad)
	if ctl.State() != StateActive {
		t.Fatal("an unknown proxy must not close the session")
	}

	good := openWork(t, conn, "echo")
	if _, err := good.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	_ = good.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(good, buf); err != nil {
		t.Fatalf("sibling work connection broken: %v", err)
	}
}

func TestWorkConn_BackendDialFailure(t *testing.T) {
	srv := startServer(t, frpstest.Options{Token: "secret"})
	ctl, conn, _ := activeControl(t, srv, testConfig(tcpProxy("down", closedPort(t), 6000)), ControlOptions{})
	nextNewProxy(t, conn)

	expectClosed(t, openWork(t, conn, "down"))
	waitFor(t, 2*time.Second, "dial failure recorded", func() bool {
		st, _ := ctl.status.Get("down")
		return st.WorkConnErrors == 1
	})
	if ctl.State() != StateActive {
		t.Fatal("a dial failure must not close the session")
	}
}

func TestWorkConn_OpenCircuitSkipsDial(t *testing.T) {
	srv := startServer(t, frpstest.Options{Token: "secret"})
	breakers := NewBreakerSetWithConfig(1, 1, time.Minute)
	ctl, conn, _ := activeControl(t, srv, testConfig(tcpProxy("down", closedPort(t), 6000)), ControlOptions{Breakers: breakers})
	nextNewProxy(t, conn)

	expectClosed(t, openWork(t, conn, "down"))
	waitFor(t, 2*time.Second, "breaker open", func() bool { return breakers.Get("down").State() == "open" })

	expectClosed(t, openWork(t, conn, "down"))
	waitFor(t, 2*time.Second, "second failure recorded", func() bool {
		st, _ := ctl.status.Get("down")
		return st.WorkConnErrors == 2
	})
}

func TestWorkConn_StartError(t *testing.T) {
	srv := startServer(t, frpstest.Options{Token: "secret"})
	ctl, conn, _ := activeControl(t, srv, testConfig(tcpProxy("ssh", 22, 6000)), ControlOptions{})
	nextNewProxy(t, conn)

	if err := conn.RequestWorkConn(); err != nil {
		t.Fatal(err)
	}
	wc, err := conn.NextWorkConn(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := protocol.WriteMsg(wc, &protocol.StartWorkConn{ProxyName: "ssh", Error: "no route"}); err != nil {
		t.Fatal(err)
	}
	expectClosed(t, wc)
	if ctl.State() != StateActive {
		t.Fatal("a start error must not close the session")
	}
	waitFor(t, 2*time.Second, "start error counted", func() bool {
		return testutil.ToFloat64(ctl.metrics.WorkConnsTotal.WithLabelValues("ssh", "start_error")) == 1
	})
}

func TestWorkConn_StartErrorForUnknownProxyKeepsLabelsBounded(t *testing.T) {
	srv := startServer(t, frpstest.Options{Token: "secret"})
	ctl, conn, _ := activeControl(t, srv, testConfig(tcpProxy("ssh", 22, 6000)), ControlOptions{})
	nextNewProxy(t, conn)

	for i := 0; i < 3; i++ {
		if err := conn.RequestWorkConn(); err != nil {
			t.Fatal(err)
		}
		wc, err := conn.NextWorkConn(2 * time.Second)
		if err != nil {
			t.Fatal(err)
		}
		name := fmt.Sprintf("server-made-%d", i)
		if err := protocol.WriteMsg(wc, &protocol.StartWorkConn{ProxyName: name, Error: "no route"}); err != nil {
			t.Fatal(err)
		}
		expectClosed(t, wc)
	}

	waitFor(t, 2*time.Second, "start errors counted", func() bool {
		return testutil.ToFloat64(ctl.metrics.WorkConnsTotal.WithLabelValues("", "start_error")) == 3
	})
	if n := testutil.CollectAndCount(ctl.metrics.WorkConnsTotal); n != 1 {
		t.Fatalf("expected one work conn series, got %d", n)
	}
	if _, ok := ctl.status.Get("server-made-0"); ok {
		t.Fatal("unknown proxy name reached the status table")
	}
}

func TestWorkConn_SessionCloseUnwindsRelay(t *testing.T) {
	port := startEchoBackend(t)
	srv := startServer(t, frpstest.Options{Token: "secret"})
	ctl, conn, done := activeControl(t, srv, testConfig(tcpProxy("echo", port, 6000)), ControlOptions{})
	nextNewProxy(t, conn)

	wc := openWork(t, conn, "echo")
	if _, err := wc.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "relay running", func() bool { return ctl.inflight.Active() == 1 })

	_ = ctl.Close()
	waitRun(t, done)
	waitFor(t, 2*time.Second, "relay unwound", func() bool { return ctl.inflight.Active() == 0 })
}

func TestRelay_FirstDirectionEndsRelay(t *testing.T) {
	stream, streamPeer := tcpPair(t)
	backend, backendPeer := tcpPair(t)

	// The server side keeps sending and never closes.
	go func() {
		chunk := bytes.Repeat([]byte("z"), 32*1024)
		for {
			if _, err := streamPeer.Write(chunk); err != nil {
				return
			}
		}
	}()
	// The backend answers and half-closes while bytes from the server are
	// still arriving.
	go func() { _, _ = io.Copy(io.Discard, backendPeer) }()
	go func() {
		_, _ = backendPeer.Write([]byte("bye"))
		_ = backendPeer.(*net.TCPConn).CloseWrite()
	}()

	type result struct{ toLocal, toServer int64 }
	done := make(chan result, 1)
	go func() {
		l, s := Relay(stream, backend)
		done <- result{l, s}
	}()

	select {
	case r := <-done:
		if r.toServer != 3 {
			t.Fatalf("expected 3 bytes to the server, got %d", r.toServer)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("relay kept running after the backend closed")
	}

	// Both ends were closed by the relay.
	if _, err := stream.Write([]byte("x")); err == nil || !errors.Is(err, net.ErrClosed) {
		t.Fatalf("expected stream closed, got %v", err)
	}
}

func TestRelay_CountsBothDirections(t *testing.T) {
	stream, streamPeer := tcpPair(t)
	backend, backendPeer := tcpPair(t)

	done := make(chan [2]int64, 1)
	go func() {
		l, s := Relay(stream, backend)
		done <- [2]int64{l, s}
	}()

	if _, err := streamPeer.Write([]byte("request")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 7)
	if _, err := io.ReadFull(backendPeer, buf); err != nil {
		t.Fatal(err)
	}
	if _, err := backendPeer.Write([]byte("resp")); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(streamPeer, buf[:4]); err != nil {
		t.Fatal(err)
	}
	_ = streamPeer.Close()

	select {
	case n := <-done:
		if n[0] != 7 || n[1] != 4 {
			t.Fatalf("expected 7/4 bytes, got %d/%d", n[0], n[1])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not finish")
	}
}

func TestWorkConnError_Unwrap(t *testing.T) {
	err := error(&WorkConnError{Step: "dial", Proxy: "ssh", Err: ErrCircuitOpen})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("expected errors.Is to reach the cause")
	}
	if err.Error() != "work conn dial (proxy ssh): agent: backend circuit open" {
		t.Fatalf("unexpected message: %s", err)
	}
}
