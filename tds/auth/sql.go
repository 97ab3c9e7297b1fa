// Package auth implements TDS authentication mechanisms beyond plain SQL
// login: NTLM for servers configured without Kerberos available.
package auth

// SQLAuth is a no-op Authenticator: SQL Server authentication sends the
// username/password straight in LOGIN7 and never enters the SSPI token
// exchange at all. It exists so call sites can pass an explicit
// tds.Authenticator value instead of a bare nil when that reads clearer.
type SQLAuth struct{}

func (SQLAuth) InitialToken(serverName string) ([]byte, error) { return nil, nil }
func (SQLAuth) Continue(challenge []byte) ([]byte, error)      { return nil, nil }
