package tunnel

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	ncerr "dbtunnel/internal/errors"
	"dbtunnel/internal/metrics"
	"dbtunnel/util"
)

// Every tunnel test must leave zero goroutines behind: Disconnect
// joins the relay worker before releasing the session, and the mock
// bastion waits for its handlers.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(b *testBastion, remoteHost string, remotePort int) *Config {
	return &Config{
		Host:           b.Host(),
		Port:           b.Port(),
		User:           testUser,
		Auth:           AuthPassword,
		Password:       testPassword,
		RemoteHost:     remoteHost,
		RemotePort:     remotePort,
		ConnectTimeout: 5 * time.Second,
	}
}

func quietLogger() *util.Logger {
	l := util.NewLogger(0)
	l.SetOutput(io.Discard)
	return l
}

func dialLocal(t *testing.T, tun *Tunnel) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", util.FormatAddr("127.0.0.1", tun.LocalPort()))
	if err != nil {
		t.Fatalf("dialling tunnel: %v", err)
	}
	return conn
}

// ── lifecycle ────────────────────────────────────────────────────────

func TestTunnel_LifecycleInvariants(t *testing.T) {
	echoHost, echoPort := startEcho(t)
	b := startBastion(t, nil)
	tun := New(testConfig(b, echoHost, echoPort), quietLogger(), nil)

	if tun.IsConnected() {
		t.Error("IsConnected should be false before Connect")
	}
	if tun.LocalPort() != 0 {
		t.Errorf("LocalPort = %d before Connect, want 0", tun.LocalPort())
	}

	if err := tun.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tun.Disconnect()

	if !tun.IsConnected() {
		t.Error("IsConnected should be true after Connect")
	}
	port := tun.LocalPort()
	if port < 1 || port > 65535 {
		t.Errorf("LocalPort = %d, want 1-65535", port)
	}
	if again := tun.LocalPort(); again != port {
		t.Errorf("LocalPort changed mid-session: %d → %d", port, again)
	}

	tun.Disconnect()
	if tun.IsConnected() {
		t.Error("IsConnected should be false after Disconnect")
	}
	if tun.LocalPort() != 0 {
		t.Errorf("LocalPort = %d after Disconnect, want 0", tun.LocalPort())
	}

	// Idempotent: a second Disconnect is a no-op.
	tun.Disconnect()
}

func TestTunnel_DisconnectNeverConnected(t *testing.T) {
	tun := New(&Config{Host: "bastion.invalid", User: "x"}, quietLogger(), nil)
	tun.Disconnect()
	tun.Disconnect()
	if tun.IsConnected() {
		t.Error("never-connected tunnel reports connected")
	}
}

func TestTunnel_AlreadyConnected(t *testing.T) {
	echoHost, echoPort := startEcho(t)
	b := startBastion(t, nil)
	tun := New(testConfig(b, echoHost, echoPort), quietLogger(), nil)

	if err := tun.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tun.Disconnect()

	if err := tun.Connect(context.Background()); !ncerr.Is(err, ncerr.ErrAlreadyConnected) {
		t.Errorf("second Connect = %v, want ErrAlreadyConnected", err)
	}
}

func TestTunnel_Reconnect(t *testing.T) {
	echoHost, echoPort := startEcho(t)
	b := startBastion(t, nil)
	tun := New(testConfig(b, echoHost, echoPort), quietLogger(), nil)

	if err := tun.Connect(context.Background()); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	tun.Disconnect()

	if err := tun.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	defer tun.Disconnect()

	conn := dialLocal(t, tun)
	defer conn.Close()
	exchange(t, conn, []byte("PING"))
}

// ── relay ────────────────────────────────────────────────────────────

func TestTunnel_PingEcho(t *testing.T) {
	echoHost, echoPort := startEcho(t)
	b := startBastion(t, nil)
	tun := New(testConfig(b, echoHost, echoPort), quietLogger(), nil)

	if err := tun.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tun.Disconnect()

	conn := dialLocal(t, tun)
	defer conn.Close()
	exchange(t, conn, []byte("PING"))
}

// TestTunnel_LargePayloadRoundTrip pushes 1 MiB of random bytes both
// ways and verifies byte-exact delivery across many relay chunks.
func TestTunnel_LargePayloadRoundTrip(t *testing.T) {
	echoHost, echoPort := startEcho(t)
	b := startBastion(t, nil)
	m := metrics.New()
	tun := New(testConfig(b, echoHost, echoPort), quietLogger(), m)

	if err := tun.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tun.Disconnect()

	payload := make([]byte, 1<<20)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}

	conn := dialLocal(t, tun)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second)) //nolint:errcheck

	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		writeErr <- err
	}()

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("writing payload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload corrupted in transit")
	}

	conn.Close()
	tun.Disconnect()

	if s := m.Snapshot(); s.BytesToRemote < int64(len(payload)) {
		t.Errorf("BytesToRemote = %d, want ≥ %d", s.BytesToRemote, len(payload))
	}
}

// TestTunnel_SerializedClients verifies that a second local client is
// queued, never relayed concurrently with the first.
func TestTunnel_SerializedClients(t *testing.T) {
	echoHost, echoPort := startEcho(t)
	b := startBastion(t, nil)
	tun := New(testConfig(b, echoHost, echoPort), quietLogger(), nil)

	if err := tun.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tun.Disconnect()

	first := dialLocal(t, tun)
	defer first.Close()
	exchange(t, first, []byte("first")) // session 1 is live

	// The second connection completes at the TCP level (backlog) but
	// must not be relayed while session 1 runs.
	second := dialLocal(t, tun)
	defer second.Close()
	if _, err := second.Write([]byte("second")); err != nil {
		t.Fatalf("writing on queued conn: %v", err)
	}

	second.SetReadDeadline(time.Now().Add(300 * time.Millisecond)) //nolint:errcheck
	buf := make([]byte, 16)
	if n, err := second.Read(buf); err == nil {
		t.Fatalf("queued client was served concurrently (read %q)", buf[:n])
	}

	// Ending session 1 lets the worker accept the queued client.
	first.Close()
	second.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	got := make([]byte, len("second"))
	if _, err := io.ReadFull(second, got); err != nil {
		t.Fatalf("queued client not served after first ended: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("echo = %q, want %q", got, "second")
	}
}

// TestTunnel_ChannelOpenFailure verifies a refused remote endpoint
// kills only that client attempt, not the tunnel.
func TestTunnel_ChannelOpenFailure(t *testing.T) {
	deadPort, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	b := startBastion(t, nil)
	m := metrics.New()
	tun := New(testConfig(b, "127.0.0.1", deadPort), quietLogger(), m)

	if err := tun.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tun.Disconnect()

	conn := dialLocal(t, tun)
	defer conn.Close()

	// The tunnel closes our conn once the channel open is rejected.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the client conn to be closed")
	}

	if !tun.IsConnected() {
		t.Error("tunnel should survive a failed channel open")
	}
	if m.Snapshot().ChannelFailures == 0 {
		t.Error("ChannelFailures not recorded")
	}
}

// ── connect failures ─────────────────────────────────────────────────

func TestTunnel_WrongPassword(t *testing.T) {
	echoHost, echoPort := startEcho(t)
	b := startBastion(t, nil)
	cfg := testConfig(b, echoHost, echoPort)
	cfg.Password = "not-the-password"
	tun := New(cfg, quietLogger(), nil)

	err := tun.Connect(context.Background())
	if err == nil {
		tun.Disconnect()
		t.Fatal("expected auth failure")
	}
	if code := ncerr.CodeOf(err); code != ncerr.CodeAuthenticationFailed {
		t.Errorf("code = %v, want authentication failed", code)
	}
	if tun.IsConnected() || tun.LocalPort() != 0 {
		t.Error("failed Connect left state behind")
	}
}

func TestTunnel_MissingKeyFile(t *testing.T) {
	b := startBastion(t, nil)
	cfg := testConfig(b, "127.0.0.1", 1433)
	cfg.Auth = AuthPublicKey
	cfg.PrivateKeyPath = "/nonexistent/id_ed25519"
	tun := New(cfg, quietLogger(), nil)

	err := tun.Connect(context.Background())
	if code := ncerr.CodeOf(err); code != ncerr.CodeAuthenticationFailed {
		t.Errorf("code = %v, want authentication failed", code)
	}
	if tun.IsConnected() {
		t.Error("tunnel connected with missing key")
	}
}

func TestTunnel_PublicKeyAuth(t *testing.T) {
	keyPath, pub := testKeyPair(t, t.TempDir())
	echoHost, echoPort := startEcho(t)
	b := startBastion(t, pub)

	cfg := testConfig(b, echoHost, echoPort)
	cfg.Auth = AuthPublicKey
	cfg.Password = ""
	cfg.PrivateKeyPath = keyPath
	tun := New(cfg, quietLogger(), nil)

	if err := tun.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tun.Disconnect()

	conn := dialLocal(t, tun)
	defer conn.Close()
	exchange(t, conn, []byte("PING"))
}

func TestTunnel_ConnectionRefused(t *testing.T) {
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	tun := New(&Config{
		Host:           "127.0.0.1",
		Port:           port,
		User:           testUser,
		Auth:           AuthPassword,
		Password:       testPassword,
		RemoteHost:     "db.internal",
		RemotePort:     1433,
		ConnectTimeout: 5 * time.Second,
	}, quietLogger(), nil)

	err = tun.Connect(context.Background())
	if code := ncerr.CodeOf(err); code != ncerr.CodeConnectionFailed {
		t.Errorf("code = %v, want connection failed", code)
	}
}

// TestTunnel_ConnectTimeout verifies a peer that never speaks SSH
// maps to the Timeout code instead of blocking the caller.
func TestTunnel_ConnectTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0") // accepts, never speaks
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	tun := New(&Config{
		Host:           "127.0.0.1",
		Port:           ln.Addr().(*net.TCPAddr).Port,
		User:           testUser,
		Auth:           AuthPassword,
		Password:       testPassword,
		RemoteHost:     "db.internal",
		RemotePort:     1433,
		ConnectTimeout: 300 * time.Millisecond,
	}, quietLogger(), nil)

	start := time.Now()
	err = tun.Connect(context.Background())
	if code := ncerr.CodeOf(err); code != ncerr.CodeTimeout {
		t.Errorf("code = %v (err %v), want timeout", code, err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Connect blocked %v despite deadline", elapsed)
	}
}

// ── keepalive ────────────────────────────────────────────────────────

func TestTunnel_Keepalive(t *testing.T) {
	echoHost, echoPort := startEcho(t)
	b := startBastion(t, nil)
	cfg := testConfig(b, echoHost, echoPort)
	cfg.KeepAliveInterval = 50 * time.Millisecond
	tun := New(cfg, quietLogger(), nil)

	if err := tun.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tun.Disconnect()

	// Let several keepalives fire, then prove the session still works.
	time.Sleep(200 * time.Millisecond)
	if !tun.IsConnected() {
		t.Fatal("tunnel dropped during keepalive")
	}
	conn := dialLocal(t, tun)
	defer conn.Close()
	exchange(t, conn, []byte("PING"))
}

// ── helpers ──────────────────────────────────────────────────────────

// exchange writes payload and expects it echoed back verbatim.
func exchange(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()

	conn.SetDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echo = %q, want %q", got, payload)
	}
	conn.SetDeadline(time.Time{}) //nolint:errcheck
}
