package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol validators accept on the TPU QUIC port.
const ALPN = "solana-tpu"

// Default QUIC settings.
const (
	DefaultHandshakeTimeout = 2 * time.Second
	DefaultMaxIdleTimeout   = 30 * time.Second
	DefaultKeepAlivePeriod  = 5 * time.Second
)

// QUICConfig configures a QUICDialer.
type QUICConfig struct {
	// Identity signs the self-signed client certificate. Validators use it
	// to attribute the connection. A random key is generated when nil.
	Identity ed25519.PrivateKey

	HandshakeTimeout time.Duration
	MaxIdleTimeout   time.Duration
	KeepAlivePeriod  time.Duration
}

// QUICDialer opens QUIC connections to TPU endpoints. Each Send writes the
// payload on a fresh unidirectional stream.
type QUICDialer struct {
	tlsConf  *tls.Config
	quicConf *quic.Config
}

var _ Dialer = (*QUICDialer)(nil)

// NewQUICDialer creates a dialer presenting a self-signed ed25519 client
// certificate.
func NewQUICDialer(cfg QUICConfig) (*QUICDialer, error) {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxIdleTimeout == 0 {
		cfg.MaxIdleTimeout = DefaultMaxIdleTimeout
	}
	if cfg.KeepAlivePeriod == 0 {
		cfg.KeepAlivePeriod = DefaultKeepAlivePeriod
	}

	cert, err := SelfSignedCertificate(cfg.Identity)
	if err != nil {
		return nil, err
	}

	return &QUICDialer{
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			// Validators present self-signed certificates.
			InsecureSkipVerify: true,
			NextProtos:         []string{ALPN},
			MinVersion:         tls.VersionTLS13,
		},
		quicConf: &quic.Config{
			HandshakeIdleTimeout: cfg.HandshakeTimeout,
			MaxIdleTimeout:       cfg.MaxIdleTimeout,
			KeepAlivePeriod:      cfg.KeepAlivePeriod,
		},
	}, nil
}

// Dial performs the QUIC handshake with addr.
func (d *QUICDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, d.tlsConf.Clone(), d.quicConf)
	if err != nil {
		return nil, fmt.Errorf("dial quic %s: %w", addr, err)
	}
	return &quicConn{conn: conn, addr: addr}, nil
}

type quicConn struct {
	conn   quic.Connection
	addr   string
	closed atomic.Bool
}

func (c *quicConn) Send(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if c.closed.Load() {
		return ErrClosed
	}
	if c.conn.Context().Err() != nil {
		return fmt.Errorf("quic connection lost: %w", context.Cause(c.conn.Context()))
	}

	stream, err := c.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := stream.SetWriteDeadline(deadline); err != nil {
			stream.CancelWrite(0)
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() { stream.CancelWrite(0) })
	defer stop()

	if _, err := stream.Write(payload); err != nil {
		stream.CancelWrite(0)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("write stream: %w", err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("close stream: %w", err)
	}
	return nil
}

func (c *quicConn) RemoteAddr() string { return c.addr }

func (c *quicConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.conn.CloseWithError(0, "")
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return nil
	}
	return err
}

// SelfSignedCertificate builds a TLS certificate for key. A fresh key is
// generated when key is nil.
func SelfSignedCertificate(key ed25519.PrivateKey) (tls.Certificate, error) {
	if key == nil {
		var err error
		if _, key, err = ed25519.GenerateKey(rand.Reader); err != nil {
			return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
		}
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "Solana node"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
