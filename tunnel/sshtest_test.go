package tunnel

// sshtest_test.go - minimal in-process SSH bastion used by the
// integration tests.  It authenticates one fixed credential set and
// services direct-tcpip channels by dialling the requested address
// itself, exactly like a real sshd forwarding for us.

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"

	"dbtunnel/util"
)

const (
	testUser     = "alice"
	testPassword = "secret"
)

type testBastion struct {
	ln     net.Listener
	config *ssh.ServerConfig
	wg     sync.WaitGroup
}

// startBastion runs a throwaway SSH server on 127.0.0.1.  When
// authorized is non-nil, publickey auth is offered for that key in
// addition to testUser/testPassword.
func startBastion(t *testing.T, authorized ssh.PublicKey) *testBastion {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("wrong credentials for %q", meta.User())
		},
	}
	if authorized != nil {
		want := authorized.Marshal()
		cfg.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if meta.User() == testUser && bytes.Equal(key.Marshal(), want) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key for %q", meta.User())
		}
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("bastion listen: %v", err)
	}

	b := &testBastion{ln: ln, config: cfg}
	b.wg.Add(1)
	go b.serve()
	t.Cleanup(b.Close)
	return b
}

func (b *testBastion) Host() string { return "127.0.0.1" }

func (b *testBastion) Port() int { return b.ln.Addr().(*net.TCPAddr).Port }

func (b *testBastion) Close() {
	b.ln.Close()
	b.wg.Wait()
}

func (b *testBastion) serve() {
	defer b.wg.Done()
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handle(conn)
		}()
	}
}

func (b *testBastion) handle(conn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, b.config)
	if err != nil {
		conn.Close()
		return
	}
	defer sshConn.Close()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ssh.DiscardRequests(reqs) // replies to keepalives
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported") //nolint:errcheck
			continue
		}

		var msg struct {
			DestAddr string
			DestPort uint32
			OrigAddr string
			OrigPort uint32
		}
		if err := ssh.Unmarshal(newChan.ExtraData(), &msg); err != nil {
			newChan.Reject(ssh.ConnectionFailed, "bad direct-tcpip payload") //nolint:errcheck
			continue
		}

		target, err := net.Dial("tcp", util.FormatAddr(msg.DestAddr, int(msg.DestPort)))
		if err != nil {
			newChan.Reject(ssh.ConnectionFailed, err.Error()) //nolint:errcheck
			continue
		}

		ch, chReqs, err := newChan.Accept()
		if err != nil {
			target.Close()
			continue
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			ssh.DiscardRequests(chReqs)
		}()
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			bridge(ch, target)
		}()
	}
}

// bridge shuttles bytes between the channel and the dialled target
// until both directions are drained.
func bridge(ch ssh.Channel, conn net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(ch, conn) //nolint:errcheck
		ch.CloseWrite()   //nolint:errcheck
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, ch) //nolint:errcheck
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseWrite() //nolint:errcheck
		}
		done <- struct{}{}
	}()
	<-done
	<-done
	ch.Close()
	conn.Close()
}

// startEcho runs a TCP echo server standing in for the remote
// database endpoint.
func startEcho(t *testing.T) (host string, port int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				io.Copy(c, c) //nolint:errcheck
				c.Close()
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})
	return "127.0.0.1", ln.Addr().(*net.TCPAddr).Port
}

// testKeyPair generates an ed25519 key, writes the private key in PEM
// form under dir, and returns the path plus the public key.
func testKeyPair(t *testing.T, dir string) (keyPath string, pub ssh.PublicKey) {
	t.Helper()

	pubRaw, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "dbtunnel-test")
	if err != nil {
		t.Fatalf("marshalling key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pubRaw)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}

	keyPath = filepath.Join(dir, "id_test")
	writePEM(t, keyPath, block)
	return keyPath, sshPub
}

func writePEM(t *testing.T, path string, block *pem.Block) {
	t.Helper()
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatal(err)
	}
}
