package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPSend(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	d := &UDPDialer{}
	conn, err := d.Dial(context.Background(), pc.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, pc.LocalAddr().String(), conn.RemoteAddr())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Send(ctx, []byte("first")))
	require.NoError(t, conn.Send(context.Background(), []byte("second")))

	buf := make([]byte, 64)
	for _, want := range []string{"first", "second"} {
		require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := pc.ReadFrom(buf)
		require.NoError(t, err)
		assert.Equal(t, want, string(buf[:n]))
	}
}

func TestUDPSendErrors(t *testing.T) {
	d := &UDPDialer{}
	conn, err := d.Dial(context.Background(), "127.0.0.1:9")
	require.NoError(t, err)

	assert.ErrorIs(t, conn.Send(context.Background(), nil), ErrEmptyPayload)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, conn.Send(ctx, []byte{1}), context.Canceled)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send(context.Background(), []byte{1}), ErrClosed)

	_, err = d.Dial(context.Background(), "not an address")
	assert.Error(t, err)
}

type received struct {
	payload []byte
	peer    ed25519.PublicKey
}

// startTPUServer accepts QUIC uni-streams and reports each payload with the
// client's certificate key.
func startTPUServer(t *testing.T) (string, <-chan received) {
	t.Helper()
	cert, err := SelfSignedCertificate(nil)
	require.NoError(t, err)

	ln, err := quic.ListenAddr("127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, &quic.Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})

	out := make(chan received, 16)
	go func() {
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			go func() {
				var peer ed25519.PublicKey
				if certs := conn.ConnectionState().TLS.PeerCertificates; len(certs) > 0 {
					peer, _ = certs[0].PublicKey.(ed25519.PublicKey)
				}
				for {
					s, err := conn.AcceptUniStream(ctx)
					if err != nil {
						return
					}
					b, err := io.ReadAll(s)
					if err != nil {
						continue
					}
					out <- received{payload: b, peer: peer}
				}
			}()
		}
	}()
	return ln.Addr().String(), out
}

func TestQUICSend(t *testing.T) {
	addr, got := startTPUServer(t)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	d, err := NewQUICDialer(QUICConfig{Identity: priv})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(ctx, []byte("tx-one")))
	require.NoError(t, conn.Send(ctx, []byte("tx-two")))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-got:
			seen[string(r.payload)] = true
			assert.True(t, pub.Equal(r.peer), "client certificate carries the identity key")
		case <-ctx.Done():
			t.Fatal("timed out waiting for stream")
		}
	}
	assert.Equal(t, map[string]bool{"tx-one": true, "tx-two": true}, seen)

	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send(ctx, []byte("late")), ErrClosed)
}

func TestQUICDialFailure(t *testing.T) {
	// Nothing listens here; the handshake times out.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	pc.Close()

	d, err := NewQUICDialer(QUICConfig{HandshakeTimeout: 200 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = d.Dial(ctx, addr)
	assert.Error(t, err)
}

func TestSelfSignedCertificate(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cert, err := SelfSignedCertificate(priv)
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)
	assert.Equal(t, priv, cert.PrivateKey)
}
