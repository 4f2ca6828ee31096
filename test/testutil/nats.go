package testutil

import (
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// FreePort reserves a local TCP port and returns it to the caller.
// Params: none.
// Returns: free port number or error.
func FreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// StartLocalNATSServer runs a JetStream-enabled nats-server bound to loopback.
// The test is skipped when the nats-server binary is not on PATH.
// Params: test handle.
// Returns: client URL and idempotent stop callback (also registered as cleanup).
func StartLocalNATSServer(tb testing.TB) (string, func()) {
	tb.Helper()

	binary, err := exec.LookPath("nats-server")
	if err != nil {
		tb.Skipf("nats-server is required for integration test: %v", err)
	}
	port, err := FreePort()
	if err != nil {
		tb.Fatalf("free port: %v", err)
	}

	cmd := exec.Command(binary,
		"--jetstream",
		"--addr", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"--store_dir", tb.TempDir(),
	)
	if err := cmd.Start(); err != nil {
		tb.Fatalf("start nats-server: %v", err)
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-exited:
			case <-time.After(5 * time.Second):
				_ = cmd.Process.Kill()
				<-exited
			}
		})
	}
	tb.Cleanup(stop)

	url := "nats://127.0.0.1:" + strconv.Itoa(port)
	if !waitNATS(url, 8*time.Second) {
		stop()
		tb.Fatalf("nats did not become ready at %s", url)
	}
	return url, stop
}

// PublishPermits publishes raw permit payloads into a JetStream subject.
// Params: test handle, server URL, subject, and payloads in publish order.
// Returns: every payload acknowledged by the stream or test fails.
func PublishPermits(tb testing.TB, url, subject string, payloads ...string) {
	tb.Helper()

	nc, err := nats.Connect(url)
	if err != nil {
		tb.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		tb.Fatalf("jetstream: %v", err)
	}
	for i, payload := range payloads {
		if _, err := js.Publish(subject, []byte(payload)); err != nil {
			tb.Fatalf("publish permit payload %d: %v", i, err)
		}
	}
}

func waitNATS(url string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		nc, err := nats.Connect(url, nats.Timeout(time.Second))
		if err == nil {
			nc.Close()
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
