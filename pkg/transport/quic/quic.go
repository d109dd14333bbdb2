// Package quic implements the mesh transport over QUIC. Each link uses one
// bidirectional control stream with u32 LE length-prefixed frames; the
// dialer opens the stream, the listener accepts it.
//
// TLS uses an ephemeral self-signed certificate and no peer verification:
// the mesh does not authenticate peers at any layer.
package quic

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"treemesh/pkg/transport"
)

const alpn = "treemesh"

type Transport struct {
	tlsConf  *tls.Config
	quicConf *quicgo.Config
}

func New() *Transport {
	cert, _ := selfSignedCert()
	return &Transport{
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpn},
			MinVersion:   tls.VersionTLS13,
		},
		quicConf: &quicgo.Config{},
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, err
	}
	ql := &listener{l: l, newCh: make(chan *conn, 8), closeCh: make(chan struct{})}
	go ql.acceptLoop(ctx)
	go func() {
		<-ctx.Done()
		_ = ql.Close()
	}()
	return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Conn, error) {
	tlsClient := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	qc, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
	if err != nil {
		return nil, err
	}
	st, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "open stream")
		return nil, err
	}
	c := newConn(qc, st)
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	return c, nil
}

type listener struct {
	l       *quicgo.Listener
	newCh   chan *conn
	closeCh chan struct{}
	once    sync.Once
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("quic: listener closed")
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *listener) Close() error {
	l.once.Do(func() { close(l.closeCh) })
	return l.l.Close()
}

func (l *listener) acceptLoop(ctx context.Context) {
	for {
		qc, err := l.l.Accept(ctx)
		if err != nil {
			return
		}
		go func() {
			// The control stream only materializes on the listener side
			// after the dialer writes; accept it off the hot path.
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			st, err := qc.AcceptStream(sctx)
			if err != nil {
				_ = qc.CloseWithError(0, "accept stream")
				return
			}
			c := newConn(qc, st)
			select {
			case l.newCh <- c:
			case <-l.closeCh:
				_ = c.Close()
			}
		}()
	}
}

type conn struct {
	mu sync.Mutex
	qc quicgo.Connection
	st quicgo.Stream
	br *bufio.Reader
	bw *bufio.Writer
}

func newConn(qc quicgo.Connection, st quicgo.Stream) *conn {
	return &conn{qc: qc, st: st, br: bufio.NewReader(st), bw: bufio.NewWriter(st)}
}

func (c *conn) Kind() transport.Kind { return transport.KindQUIC }
func (c *conn) LocalAddr() net.Addr  { return c.qc.LocalAddr() }
func (c *conn) RemoteAddr() net.Addr { return c.qc.RemoteAddr() }

func (c *conn) Close() error { return c.qc.CloseWithError(0, "") }

func (c *conn) SendFrame(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := c.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := c.bw.Write(b); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *conn) RecvFrame() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(c.br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenbuf[:]))
	if n < 0 || n > (1<<24) {
		return nil, errors.New("quic: invalid frame size")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// selfSignedCert generates a short-lived certificate for local QUIC use.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
