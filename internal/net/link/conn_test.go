package link

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func pipe(t *testing.T, cfg Config) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewConn(a, cfg), NewConn(b, cfg)
}

func TestFrameRoundTrip(t *testing.T) {
	w, r := pipe(t, Config{CompressThreshold: CompressionDisabled})
	payloads := [][]byte{[]byte("hello"), {}, bytes.Repeat([]byte{7}, 10000)}
	go func() {
		for _, p := range payloads {
			if err := w.WriteFrame(p); err != nil {
				t.Errorf("write: %v", err)
				return
			}
		}
	}()
	for i, want := range payloads {
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d mismatch: got %d bytes want %d", i, len(got), len(want))
		}
	}
	if r.Stats().FramesIn != 3 {
		t.Fatalf("expected 3 frames counted, got %d", r.Stats().FramesIn)
	}
}

func TestCompressedFrames(t *testing.T) {
	w, r := pipe(t, Config{CompressThreshold: 64})
	payload := bytes.Repeat([]byte("envelope"), 512)
	done := make(chan error, 1)
	go func() { done <- w.WriteFrame(payload) }()
	got, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("compressed payload mismatch")
	}
	if w.Stats().Compressed != 1 || w.Stats().BytesOut >= uint64(len(payload)) {
		t.Fatalf("expected a smaller compressed frame, stats %+v", w.Stats())
	}
}

func TestWriteFramesJoinsParts(t *testing.T) {
	for _, threshold := range []int{CompressionDisabled, 64} {
		w, r := pipe(t, Config{CompressThreshold: threshold})
		parts := [][]byte{[]byte("tick-"), bytes.Repeat([]byte("a"), 300), {}, []byte("-end")}
		want := bytes.Join(parts, nil)
		done := make(chan error, 1)
		go func() { done <- w.WriteFrames(parts) }()
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("threshold %d: read: %v", threshold, err)
		}
		if err := <-done; err != nil {
			t.Fatalf("threshold %d: write: %v", threshold, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("threshold %d: joined frame mismatch", threshold)
		}
		if w.Stats().FramesOut != 1 {
			t.Fatalf("threshold %d: expected one frame, got %d", threshold, w.Stats().FramesOut)
		}
	}
}

func TestOversizedFrameRejected(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	r := NewConn(b, Config{MaxFrameSize: 16})
	go func() {
		var header [HeaderSize]byte
		binary.LittleEndian.PutUint32(header[:4], 1000)
		a.Write(header[:])
	}()
	if _, err := r.ReadFrame(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if err := NewConn(a, Config{MaxFrameSize: 16}).WriteFrame(make([]byte, 17)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected write to refuse oversized payload, got %v", err)
	}
}

func TestUnknownFlagsRejected(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() {
		var header [HeaderSize]byte
		binary.LittleEndian.PutUint32(header[:4], 1)
		header[4] = 0x80
		a.Write(header[:])
	}()
	if _, err := NewConn(b, Config{}).ReadFrame(); !errors.Is(err, ErrUnknownFlags) {
		t.Fatalf("expected ErrUnknownFlags, got %v", err)
	}
}

type testPKI struct {
	dir    string
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
	caFile string
}

func newPKI(t *testing.T) *testPKI {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ca key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("ca cert: %v", err)
	}
	cert, _ := x509.ParseCertificate(der)
	p := &testPKI{dir: t.TempDir(), caCert: cert, caKey: key}
	p.caFile = p.write(t, "ca.pem", "CERTIFICATE", der)
	return p
}

func (p *testPKI) write(t *testing.T, name, kind string, der []byte) string {
	t.Helper()
	path := filepath.Join(p.dir, name)
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: kind, Bytes: der}), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func (p *testPKI) issue(t *testing.T, name string, serial int64) TLSConfig {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("leaf key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, p.caCert, &key.PublicKey, p.caKey)
	if err != nil {
		t.Fatalf("leaf cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return TLSConfig{
		CertFile:   p.write(t, name+".pem", "CERTIFICATE", der),
		KeyFile:    p.write(t, name+"-key.pem", "EC PRIVATE KEY", keyDER),
		CAFile:     p.caFile,
		ServerName: "localhost",
	}
}

func TestMutualTLSLink(t *testing.T) {
	pki := newPKI(t)
	serverCfg, err := ServerTLS(pki.issue(t, "simhost", 2))
	if err != nil {
		t.Fatalf("server tls: %v", err)
	}
	clientCfg, err := ClientTLS(pki.issue(t, "proxy", 3))
	if err != nil {
		t.Fatalf("client tls: %v", err)
	}
	ln, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		if err := Handshake(context.Background(), c); err != nil {
			return
		}
		frame, err := NewConn(c, Config{}).ReadFrame()
		if err == nil {
			received <- frame
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := NewConn(c, Config{}).WriteFrame([]byte("authenticated")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-received:
		if string(got) != "authenticated" {
			t.Fatalf("unexpected frame %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server never received the frame")
	}
}

func TestUnauthenticatedPeerRefused(t *testing.T) {
	pki := newPKI(t)
	serverCfg, err := ServerTLS(pki.issue(t, "simhost", 2))
	if err != nil {
		t.Fatalf("server tls: %v", err)
	}
	ln, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	result := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			result <- err
			return
		}
		defer c.Close()
		result <- Handshake(context.Background(), c)
	}()

	pool := x509.NewCertPool()
	pool.AddCert(pki.caCert)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d := tls.Dialer{Config: &tls.Config{RootCAs: pool, ServerName: "localhost", MinVersion: tls.VersionTLS13}}
	if c, err := d.DialContext(ctx, "tcp", ln.Addr().String()); err == nil {
		// TLS 1.3 reports the missing client certificate on first read.
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		c.Read(make([]byte, 1))
		c.Close()
	}
	select {
	case err := <-result:
		if err == nil {
			t.Fatalf("expected the server to refuse a peer without a certificate")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server handshake never finished")
	}
}

func TestMissingMaterialNeedsInsecure(t *testing.T) {
	if _, err := ServerTLS(TLSConfig{}); !errors.Is(err, ErrInsecureRequired) {
		t.Fatalf("expected ErrInsecureRequired, got %v", err)
	}
	cfg, err := ClientTLS(TLSConfig{Insecure: true})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config for insecure links, got %v %v", cfg, err)
	}
}
