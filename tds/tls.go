package tds

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// clientTLSConn adapts the PRELOGIN-wrapped TLS handshake to io.ReadWriter so
// crypto/tls can drive it directly. MS-TDS requires every handshake record to
// travel inside a PRELOGIN-typed packet; once the handshake completes, TLS
// records go straight on the wire and packet framing resumes one layer up,
// around the *tls.Conn itself.
type clientTLSConn struct {
	nc      net.Conn
	pr      *PacketReader
	pw      *PacketWriter
	readBuf []byte
	readPos int
	// passthrough is set once the handshake completes; from then on reads
	// and writes go to nc without PRELOGIN framing.
	passthrough bool
}

func (c *clientTLSConn) Read(b []byte) (int, error) {
	if c.readPos < len(c.readBuf) {
		n := copy(b, c.readBuf[c.readPos:])
		c.readPos += n
		return n, nil
	}
	if c.passthrough {
		return c.nc.Read(b)
	}

	_, data, err := c.pr.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("reading TLS handshake record: %w", err)
	}
	c.readBuf = data
	c.readPos = 0
	n := copy(b, c.readBuf)
	c.readPos = n
	return n, nil
}

func (c *clientTLSConn) Write(b []byte) (int, error) {
	if c.passthrough {
		return c.nc.Write(b)
	}
	if err := c.pw.WriteMessage(PacketPrelogin, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *clientTLSConn) Close() error                       { return nil }
func (c *clientTLSConn) LocalAddr() net.Addr                 { return c.nc.LocalAddr() }
func (c *clientTLSConn) RemoteAddr() net.Addr                { return c.nc.RemoteAddr() }
func (c *clientTLSConn) SetDeadline(t time.Time) error       { return c.nc.SetDeadline(t) }
func (c *clientTLSConn) SetReadDeadline(t time.Time) error   { return c.nc.SetReadDeadline(t) }
func (c *clientTLSConn) SetWriteDeadline(t time.Time) error  { return c.nc.SetWriteDeadline(t) }

// UpgradeClientTLS performs the client side of the PRELOGIN-wrapped TLS
// handshake. It must be called after the server's PRELOGIN response selects
// EncryptOn/EncryptReq/EncryptLoginOnly, and before LOGIN7 is sent. On
// success it returns a *tls.Conn that the caller should hand to a fresh
// PacketReader/PacketWriter pair in place of the raw net.Conn — after the
// handshake, TDS packet framing resumes around the TLS record layer rather
// than the TCP stream directly.
func UpgradeClientTLS(nc net.Conn, pr *PacketReader, pw *PacketWriter, cfg *tls.Config) (*tls.Conn, error) {
	handshakeConn := &clientTLSConn{nc: nc, pr: pr, pw: pw}

	nc.SetDeadline(time.Now().Add(30 * time.Second))
	defer nc.SetDeadline(time.Time{})

	tlsConn := tls.Client(handshakeConn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("tds: TLS handshake failed: %w", err)
	}
	handshakeConn.passthrough = true
	return tlsConn, nil
}
