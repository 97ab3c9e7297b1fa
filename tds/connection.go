package tds

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/ha1tch/tdsgo/internal/tlog"
)

// charsetAliases maps the handful of names SQL Server sends in ENVCHANGE
// subtype 3 that don't resolve directly through the IANA registry.
var charsetAliases = map[string]string{
	"iso_1": "iso-8859-1",
}

// Authenticator supplies the SSPI token exchange for integrated
// authentication (Kerberos/NTLM). Implementations live in tds/auth; SQL
// authentication needs no Authenticator at all since UserName/Password ride
// directly in LOGIN7.
type Authenticator interface {
	// InitialToken returns the first SSPI blob for LOGIN7.SSPI, targeting
	// the given server principal name.
	InitialToken(serverName string) ([]byte, error)
	// Continue processes a server SSPI challenge carried in a TokenSSPI
	// token and returns the next client token, or nil once auth completes.
	Continue(challenge []byte) ([]byte, error)
}

// Config holds everything needed to open a Connection.
type Config struct {
	Host       string
	Port       int
	Instance   string
	Database   string
	UserName   string
	Password   string
	AppName    string
	HostName   string

	PacketSize   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration

	Encryption uint8 // EncryptOff/On/Req/NotSup, client-requested
	TLSConfig  *tls.Config

	// TDSVersion is the protocol version offered in PRELOGIN and LOGIN7
	// (VerTDS70..VerTDS74). Zero means VerTDS74, the newest this client
	// speaks; older servers negotiate down via PRELOGIN regardless, but a
	// caller talking to a known 7.0/7.1 server can pin it explicitly.
	TDSVersion uint32

	MARS bool
	// MARSFactory builds the session-multiplexing bridge once PRELOGIN has
	// negotiated MARS with the server. Left nil, CreateSession reports an
	// error instead of silently running single-session; set it to
	// smp.NewManager wrapped to match marsBridge's signature.
	MARSFactory func(tr Transport, packetSize int) marsBridge

	Auth Authenticator

	CodecFactory CodecFactory

	Logger *tlog.Logger
}

// DialOption mutates a Config before Connect opens the network transport.
type DialOption func(*Config)

func WithCredentials(user, password string) DialOption {
	return func(c *Config) { c.UserName = user; c.Password = password }
}
func WithDatabase(db string) DialOption      { return func(c *Config) { c.Database = db } }
func WithApplicationName(n string) DialOption { return func(c *Config) { c.AppName = n } }
func WithPacketSize(n int) DialOption {
	return func(c *Config) {
		if n >= MinPacketSize && n <= MaxPacketSize {
			c.PacketSize = n
		}
	}
}
func WithReadTimeout(d time.Duration) DialOption  { return func(c *Config) { c.ReadTimeout = d } }
func WithWriteTimeout(d time.Duration) DialOption { return func(c *Config) { c.WriteTimeout = d } }
func WithDialTimeout(d time.Duration) DialOption  { return func(c *Config) { c.DialTimeout = d } }
func WithEncryption(e uint8) DialOption           { return func(c *Config) { c.Encryption = e } }
func WithTDSVersion(v uint32) DialOption          { return func(c *Config) { c.TDSVersion = v } }
func WithTLSConfig(cfg *tls.Config) DialOption    { return func(c *Config) { c.TLSConfig = cfg } }
func WithMARS(enabled bool) DialOption { return func(c *Config) { c.MARS = enabled } }
func WithMARSFactory(f func(tr Transport, packetSize int) marsBridge) DialOption {
	return func(c *Config) { c.MARSFactory = f }
}
func WithAuthenticator(a Authenticator) DialOption { return func(c *Config) { c.Auth = a } }
func WithCodecFactory(f CodecFactory) DialOption  { return func(c *Config) { c.CodecFactory = f } }
func WithLogger(l *tlog.Logger) DialOption        { return func(c *Config) { c.Logger = l } }

func defaultConfig() Config {
	hostname, _ := os.Hostname()
	return Config{
		PacketSize:   DefaultPacketSize,
		AppName:      "tdsgo",
		HostName:     hostname,
		Encryption:   EncryptOn,
		DialTimeout:  15 * time.Second,
		CodecFactory: DefaultCodecFactory,
		Logger:       tlog.Default(),
	}
}

// Connection is one negotiated link to a TDS server: the handshake is run
// once by Connect, after which Session drives the request/response traffic.
// A plain Connection exposes a single Session; MARS connections hand out
// more through tds/smp.
type Connection struct {
	cfg     Config
	nc      net.Conn
	pr      *PacketReader
	pw      *PacketWriter
	session *Session

	serverVersion uint32
	tdsVersion    uint32
	loginAck      *LoginAck
	envChanges    []EnvChange

	marsAgreed bool
	mars       marsBridge

	serverCodec encoding.Encoding
}

// marsBridge is the subset of tds/smp.Manager a Connection depends on,
// declared here rather than importing tds/smp directly: smp imports tds for
// the Transport type, so tds cannot import smp back without a cycle.
// WithMARSFactory supplies the concrete implementation from the call site.
type marsBridge interface {
	OpenSession() (Transport, error)
	Close() error
}

// Connect dials addr (host:port), runs PRELOGIN/TLS/LOGIN7, and returns a
// ready Connection with its primary Session in StateIdle.
func Connect(ctx context.Context, addr string, opts ...DialOption) (*Connection, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	d := net.Dialer{Timeout: cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tds: dialing %s: %w", addr, err)
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
		tuneSocket(tc)
	}

	cfg.Logger.Conn().Info("dialed", "addr", addr)

	conn := &Connection{cfg: cfg, nc: nc}
	if err := conn.handshake(ctx); err != nil {
		cfg.Logger.Conn().Error("handshake failed", err, "addr", addr)
		nc.Close()
		return nil, err
	}
	cfg.Logger.Auth().Info("login complete", "server_version", VersionString(conn.serverVersion))
	return conn, nil
}

func (c *Connection) handshake(ctx context.Context) error {
	pr := NewPacketReader(c.nc, MinPacketSize)
	pw := NewPacketWriter(c.nc, MinPacketSize)
	pr.SetReadTimeout(c.cfg.ReadTimeout)
	pw.SetWriteTimeout(c.cfg.WriteTimeout)
	pr.PairWithWriter(pw)

	targetVersion := c.cfg.TDSVersion
	if targetVersion == 0 {
		targetVersion = VerTDS74
	}

	preReq := PreloginRequest{
		Version:    targetVersion,
		Encryption: c.cfg.Encryption,
		Instance:   c.cfg.Instance,
		ThreadID:   uint32(os.Getpid()),
		MARS:       c.cfg.MARS,
	}
	if err := pw.WriteMessage(PacketPrelogin, preReq.Encode()); err != nil {
		return fmt.Errorf("tds: sending PRELOGIN: %w", err)
	}

	_, respData, err := pr.ReadMessage()
	if err != nil {
		return fmt.Errorf("tds: reading PRELOGIN response: %w", err)
	}
	preResp, err := ParsePreloginResponse(respData)
	if err != nil {
		return fmt.Errorf("tds: parsing PRELOGIN response: %w", err)
	}
	c.serverVersion = preResp.Version
	c.marsAgreed = c.cfg.MARS && preResp.MARS

	decision := NegotiateEncryption(c.cfg.Encryption, preResp.Encryption)
	if decision == EncryptUnsupported {
		return ErrEncryptionUnsupported
	}

	if decision == EncryptFull || decision == EncryptLoginOnly {
		tlsCfg := c.cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: c.cfg.Host, MinVersion: tls.VersionTLS12}
		}
		tlsConn, err := UpgradeClientTLS(c.nc, pr, pw, tlsCfg)
		if err != nil {
			return err
		}
		if decision == EncryptFull {
			// Encrypt the whole session: packet framing now rides on the
			// TLS record layer for the rest of the connection's life.
			pr = NewPacketReader(tlsConn, c.cfg.PacketSize)
			pw = NewPacketWriter(tlsConn, c.cfg.PacketSize)
			pr.SetReadTimeout(c.cfg.ReadTimeout)
			pw.SetWriteTimeout(c.cfg.WriteTimeout)
			pr.PairWithWriter(pw)
			c.nc = tlsConn
		} else {
			// Login-only: LOGIN7 itself must still be sent over tlsConn, but
			// once LOGINACK arrives the session reverts to the raw socket.
			pr = NewPacketReader(tlsConn, c.cfg.PacketSize)
			pw = NewPacketWriter(tlsConn, c.cfg.PacketSize)
			pr.PairWithWriter(pw)
		}
	}

	loginCfg := LoginConfig{
		TDSVersion: targetVersion,
		PacketSize: uint32(c.cfg.PacketSize),
		HostName:   c.cfg.HostName,
		UserName:   c.cfg.UserName,
		Password:   c.cfg.Password,
		AppName:    c.cfg.AppName,
		ServerName: c.cfg.Host,
		CtlIntName: "tdsgo",
		Language:   "",
		Database:   c.cfg.Database,
		ClientPID:  uint32(os.Getpid()),
		ClientLCID: 0x00000409, // en-US
	}
	if c.cfg.Auth != nil {
		tok, err := c.cfg.Auth.InitialToken(c.cfg.Host)
		if err != nil {
			return fmt.Errorf("tds: building SSPI token: %w", err)
		}
		loginCfg.SSPI = tok
	}

	if err := pw.WriteMessage(PacketLogin7, EncodeLogin7(loginCfg)); err != nil {
		return fmt.Errorf("tds: sending LOGIN7: %w", err)
	}

	if decision == EncryptLoginOnly {
		// Drop back to the plaintext socket now that LOGIN7 is sent; the
		// response below (and everything after) travels unencrypted.
		pr = NewPacketReader(c.nc, c.cfg.PacketSize)
		pw = NewPacketWriter(c.nc, c.cfg.PacketSize)
		pr.SetReadTimeout(c.cfg.ReadTimeout)
		pw.SetWriteTimeout(c.cfg.WriteTimeout)
		pr.PairWithWriter(pw)
	}

	session := newSession(pr, pw, c.cfg.CodecFactory)
	session.SetCharsetListener(c.resolveCodec)
	session.SetLogger(c.cfg.Logger)
	session.SetTDSVersion(targetVersion)
	session.state = StatePending

	for {
		more, err := session.Next(ctx)
		if err != nil {
			return fmt.Errorf("tds: LOGIN7 response: %w", err)
		}
		if session.sspiBlob != nil && c.cfg.Auth != nil {
			next, err := c.cfg.Auth.Continue(session.sspiBlob)
			if err != nil {
				return fmt.Errorf("tds: SSPI continuation: %w", err)
			}
			session.sspiBlob = nil
			if next != nil {
				if err := pw.WriteMessage(PacketSSPI, next); err != nil {
					return fmt.Errorf("tds: sending SSPI continuation: %w", err)
				}
			}
		}
		if !more {
			break
		}
	}

	for _, m := range session.messages {
		if m.IsError {
			return newDBError(session.messages)
		}
	}
	if session.loginAck == nil {
		return fmt.Errorf("tds: server closed connection without LOGINACK")
	}

	c.pr = pr
	c.pw = pw
	c.loginAck = session.loginAck
	c.tdsVersion = session.loginAck.TDSVersion
	c.envChanges = session.envChanges
	session.state = StateIdle
	c.session = session
	return nil
}

// resolveCodec maps an ENVCHANGE charset name (subtype EnvCharset) to a
// golang.org/x/text encoding, so a future non-Unicode column value can be
// decoded with the server's actual codepage rather than assumed UTF-8.
// Decoding the column bytes themselves is left to the external ValueCodec;
// Connection only owns resolving which codec that should be.
func (c *Connection) resolveCodec(name string) {
	if name == "" {
		return
	}
	if alias, ok := charsetAliases[strings.ToLower(name)]; ok {
		name = alias
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		c.cfg.Logger.Conn().Warn("unrecognized server charset", "name", name)
		return
	}
	c.serverCodec = enc
	c.cfg.Logger.Conn().Debug("server charset resolved", "name", name)
}

// ServerCodec returns the encoding the server last announced via ENVCHANGE,
// or nil if none was ever sent (the common case on a Unicode-only server).
func (c *Connection) ServerCodec() encoding.Encoding { return c.serverCodec }

// Session returns the connection's primary (non-MARS) Session.
func (c *Connection) Session() *Session { return c.session }

// CreateSession opens an additional logical Session multiplexed over the
// same physical connection via MARS. The server must have acknowledged MARS
// in PRELOGIN and the Connection must have been built WithMARSFactory; both
// are checked here rather than left to fail deep inside smp.
func (c *Connection) CreateSession(ctx context.Context) (*Session, error) {
	if !c.marsAgreed {
		return nil, fmt.Errorf("tds: MARS was not negotiated with this server")
	}
	if c.cfg.MARSFactory == nil {
		return nil, fmt.Errorf("tds: MARS requested but no MARSFactory configured")
	}
	if c.mars == nil {
		c.mars = c.cfg.MARSFactory(c.nc, c.cfg.PacketSize)
	}
	tr, err := c.mars.OpenSession()
	if err != nil {
		return nil, fmt.Errorf("tds: opening MARS session: %w", err)
	}

	pr := NewPacketReader(tr, c.cfg.PacketSize)
	pw := NewPacketWriter(tr, c.cfg.PacketSize)
	pr.SetReadTimeout(c.cfg.ReadTimeout)
	pw.SetWriteTimeout(c.cfg.WriteTimeout)
	pr.PairWithWriter(pw)

	s := newSession(pr, pw, c.cfg.CodecFactory)
	s.SetCharsetListener(c.resolveCodec)
	s.SetLogger(c.cfg.Logger)
	s.SetTDSVersion(c.tdsVersion)
	s.state = StateIdle
	return s, nil
}

// ServerVersion is the TDS protocol version the server answered PRELOGIN
// with (VerTDS70..VerTDS74).
func (c *Connection) ServerVersion() uint32 { return c.serverVersion }

// LoginAck returns the server's LOGINACK details (program name/version,
// negotiated TDS interface version).
func (c *Connection) LoginAck() *LoginAck { return c.loginAck }

// Close closes the underlying transport. In-flight requests are abandoned.
func (c *Connection) Close() error {
	if c.mars != nil {
		c.mars.Close()
	}
	return c.nc.Close()
}

// Query runs sql as a SQLBatch and returns the primary session positioned to
// iterate rows via Session.Next.
func (c *Connection) Query(ctx context.Context, sql string) (*Session, error) {
	if err := c.session.SubmitBatch(ctx, sql); err != nil {
		return nil, err
	}
	return c.session, nil
}

// Exec runs sql and drains every result set, returning the final row count.
func (c *Connection) Exec(ctx context.Context, sql string) (uint64, error) {
	s, err := c.Query(ctx, sql)
	if err != nil {
		return 0, err
	}
	for {
		more, err := s.Next(ctx)
		if err != nil {
			return 0, err
		}
		if !more {
			if ok, err2 := s.NextResultSet(ctx); err2 != nil {
				return 0, err2
			} else if !ok {
				break
			}
		}
	}
	return s.RowsAffected(), nil
}

// --- StatementExecutor, implementing the prepared-statement cache's
// dependency on the connection without an import cycle. ---

func (c *Connection) Prepare(ctx context.Context, sql, paramDefs string) (int32, []Column, error) {
	rpc, err := buildSpPrepareRPC(sql, paramDefs)
	if err != nil {
		return 0, nil, fmt.Errorf("tds: building sp_prepare RPC: %w", err)
	}
	if err := c.session.SubmitRPC(ctx, rpc); err != nil {
		return 0, nil, err
	}
	var cols []Column
	for {
		more, err := c.session.Next(ctx)
		if err != nil {
			return 0, nil, err
		}
		if cols == nil {
			cols = c.session.Columns()
		}
		if !more {
			break
		}
	}
	handle, ok := firstOutputInt32(c.session.ReturnValues())
	if !ok {
		return 0, nil, fmt.Errorf("tds: sp_prepare returned no handle")
	}
	return handle, cols, nil
}

func (c *Connection) ExecutePrepared(ctx context.Context, handle int32, params []RPCParam) (*QueryResult, error) {
	rpc, err := buildSpExecuteRPC(handle, params)
	if err != nil {
		return nil, fmt.Errorf("tds: building sp_execute RPC: %w", err)
	}
	if err := c.session.SubmitRPC(ctx, rpc); err != nil {
		return nil, err
	}
	res := &QueryResult{}
	for {
		more, err := c.session.Next(ctx)
		if err != nil {
			return nil, err
		}
		if res.Columns == nil {
			res.Columns = c.session.Columns()
		}
		if more {
			res.Rows = append(res.Rows, c.session.Row())
			continue
		}
		break
	}
	res.RowsAffected = int64(c.session.RowsAffected())
	if status, ok := c.session.ReturnStatus(); ok {
		res.ReturnStatus = status
	}
	return res, nil
}

func (c *Connection) Unprepare(ctx context.Context, handle int32) error {
	rpc, err := buildSpUnprepareRPC(handle)
	if err != nil {
		return fmt.Errorf("tds: building sp_unprepare RPC: %w", err)
	}
	if err := c.session.SubmitRPC(ctx, rpc); err != nil {
		return err
	}
	for {
		more, err := c.session.Next(ctx)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}

func firstOutputInt32(rvs []ReturnValue) (int32, bool) {
	for _, rv := range rvs {
		if rv.IsNull {
			continue
		}
		if v, ok := rv.Value.(int32); ok {
			return v, true
		}
	}
	return 0, false
}
