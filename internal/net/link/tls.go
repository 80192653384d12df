package link

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrInsecureRequired is returned when TLS material is missing and the
// configuration did not opt into plaintext.
var ErrInsecureRequired = errors.New("link: certificate, key and CA are required unless Insecure is set")

// TLSConfig locates the mutual TLS material for a link endpoint.
type TLSConfig struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
	// Insecure disables TLS entirely. Development and tests only.
	Insecure bool
}

func (c TLSConfig) load() (tls.Certificate, *x509.CertPool, error) {
	if c.CertFile == "" || c.KeyFile == "" || c.CAFile == "" {
		return tls.Certificate{}, nil, ErrInsecureRequired
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("link: load key pair: %w", err)
	}
	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("link: read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return tls.Certificate{}, nil, fmt.Errorf("link: no certificates in %s", c.CAFile)
	}
	return cert, pool, nil
}

// ServerTLS builds a listener configuration that requires and verifies a
// client certificate. It returns nil when cfg is Insecure.
func ServerTLS(cfg TLSConfig) (*tls.Config, error) {
	if cfg.Insecure {
		return nil, nil
	}
	cert, pool, err := cfg.load()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLS builds a dialer configuration that presents a certificate and
// verifies the server against the CA bundle. It returns nil when cfg is
// Insecure.
func ClientTLS(cfg TLSConfig) (*tls.Config, error) {
	if cfg.Insecure {
		return nil, nil
	}
	cert, pool, err := cfg.load()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   cfg.ServerName,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Listen opens a link listener, wrapped in TLS when tlsCfg is non-nil.
func Listen(addr string, tlsCfg *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return ln, nil
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// Handshake completes the TLS handshake on c, if it is a TLS connection, so
// that unauthenticated peers are refused before any frame is read.
func Handshake(ctx context.Context, c net.Conn) error {
	tc, ok := c.(*tls.Conn)
	if !ok {
		return nil
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("link: handshake with %s: %w", c.RemoteAddr(), err)
	}
	return nil
}

// Dial connects to a link listener and completes the TLS handshake when
// tlsCfg is non-nil.
func Dial(ctx context.Context, addr string, tlsCfg *tls.Config) (net.Conn, error) {
	if tlsCfg == nil {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	d := tls.Dialer{Config: tlsCfg}
	return d.DialContext(ctx, "tcp", addr)
}
