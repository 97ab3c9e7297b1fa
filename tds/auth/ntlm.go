package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"golang.org/x/crypto/md4"
)

// NTLM implements the client side of NTLMv2 authentication, used when a
// server is reachable without Kerberos (no SPN resolution, cross-domain
// links, workgroup-only setups). It satisfies tds.Authenticator without
// importing the tds package, so either side can depend on the other without
// a cycle.
type NTLM struct {
	Domain   string
	UserName string
	Password string

	clientChallenge []byte // fixed for tests; random in production via NewNTLM
}

// NewNTLM builds an NTLM authenticator with a random client challenge.
func NewNTLM(domain, user, password string) *NTLM {
	cc := make([]byte, 8)
	rand.Read(cc)
	return &NTLM{Domain: domain, UserName: user, Password: password, clientChallenge: cc}
}

const (
	ntlmFlagUnicode        uint32 = 0x00000001
	ntlmFlagNTLM           uint32 = 0x00000200
	ntlmFlagAlwaysSign     uint32 = 0x00008000
	ntlmFlagExtendedSec    uint32 = 0x00080000
	ntlmFlagTargetInfo     uint32 = 0x00800000
	ntlmFlagNegotiate128   uint32 = 0x20000000
	ntlmFlagNegotiateNTLM2 uint32 = 0x00080000
)

// InitialToken builds the NTLM Type 1 (Negotiate) message.
func (n *NTLM) InitialToken(serverName string) ([]byte, error) {
	flags := ntlmFlagUnicode | ntlmFlagNTLM | ntlmFlagAlwaysSign | ntlmFlagExtendedSec | ntlmFlagNegotiate128

	buf := make([]byte, 32)
	copy(buf[0:8], "NTLMSSP\x00")
	binary.LittleEndian.PutUint32(buf[8:12], 1)
	binary.LittleEndian.PutUint32(buf[12:16], flags)
	// domain/workstation name fields left zero: we don't supply either here
	return buf, nil
}

// Continue parses the server's Type 2 (Challenge) message and returns the
// Type 3 (Authenticate) message. It keeps no state between calls: every call
// parses the challenge it is given, and NTLM in TDS needs only this one
// challenge/response round trip.
func (n *NTLM) Continue(challenge []byte) ([]byte, error) {
	if len(challenge) < 32 || !bytes.HasPrefix(challenge, []byte("NTLMSSP\x00")) {
		return nil, fmt.Errorf("auth: malformed NTLM challenge")
	}
	msgType := binary.LittleEndian.Uint32(challenge[8:12])
	if msgType != 2 {
		return nil, fmt.Errorf("auth: expected NTLM type 2, got %d", msgType)
	}

	serverChallenge := challenge[24:32]

	targetInfoLen := binary.LittleEndian.Uint16(challenge[40:42])
	targetInfoOffset := binary.LittleEndian.Uint32(challenge[44:48])
	var targetInfo []byte
	if int(targetInfoOffset)+int(targetInfoLen) <= len(challenge) {
		targetInfo = challenge[targetInfoOffset : targetInfoOffset+uint32(targetInfoLen)]
	}

	ntlmHash := ntowfV2(n.Password, n.UserName, n.Domain)

	temp := buildNTLMv2Blob(n.clientChallenge, targetInfo)
	ntProof := hmacMD5(ntlmHash, append(append([]byte{}, serverChallenge...), temp...))
	ntResponse := append(ntProof, temp...)

	lmProof := hmacMD5(ntlmHash, append(append([]byte{}, serverChallenge...), n.clientChallenge...))
	lmResponse := append(lmProof, n.clientChallenge...)

	return buildType3(n.Domain, n.UserName, lmResponse, ntResponse), nil
}

func buildNTLMv2Blob(clientChallenge, targetInfo []byte) []byte {
	buf := make([]byte, 0, 28+len(targetInfo)+4)
	buf = append(buf, 0x01, 0x01, 0, 0, 0, 0, 0, 0) // resp version, hi-resp version, reserved(6)

	t := uint64(time.Now().UnixNano()/100) + 116444736000000000 // FILETIME epoch
	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, t)
	buf = append(buf, ts...)

	buf = append(buf, clientChallenge...)
	buf = append(buf, 0, 0, 0, 0) // reserved
	buf = append(buf, targetInfo...)
	buf = append(buf, 0, 0, 0, 0) // reserved
	return buf
}

func hmacMD5(key, data []byte) []byte {
	h := hmac.New(md5.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// ntowfV2 computes the NTLMv2 response key: HMAC-MD5(MD4(UTF16LE(password)), UTF16LE(UPPER(user)+domain)).
func ntowfV2(password, user, domain string) []byte {
	h := md4.New()
	h.Write(utf16LE(password))
	ntHash := h.Sum(nil)

	id := utf16LE(strings.ToUpper(user) + domain)
	return hmacMD5(ntHash, id)
}

func utf16LE(s string) []byte {
	u16 := utf16.Encode([]rune(s))
	b := make([]byte, len(u16)*2)
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return b
}

func buildType3(domain, user string, lmResponse, ntResponse []byte) []byte {
	domainB := utf16LE(domain)
	userB := utf16LE(user)

	const headerLen = 64
	pos := headerLen
	lmOff, userOff, domOff, ntOff := 0, 0, 0, 0

	domOff = pos
	pos += len(domainB)
	userOff = pos
	pos += len(userB)
	lmOff = pos
	pos += len(lmResponse)
	ntOff = pos
	pos += len(ntResponse)

	buf := make([]byte, pos)
	copy(buf[0:8], "NTLMSSP\x00")
	binary.LittleEndian.PutUint32(buf[8:12], 3)

	putField := func(off int, length, offset int) {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(length))
		binary.LittleEndian.PutUint16(buf[off+2:off+4], uint16(length))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(offset))
	}
	putField(12, len(lmResponse), lmOff) // LmChallengeResponse fields
	putField(20, len(ntResponse), ntOff) // NtChallengeResponse fields
	putField(28, len(domainB), domOff)   // DomainName fields
	putField(36, len(userB), userOff)    // UserName fields
	putField(44, 0, headerLen)           // Workstation fields (unset)
	putField(52, 0, headerLen)           // SessionKey fields (unset)
	binary.LittleEndian.PutUint32(buf[60:64], ntlmFlagUnicode|ntlmFlagNTLM|ntlmFlagAlwaysSign|ntlmFlagExtendedSec)

	copy(buf[domOff:], domainB)
	copy(buf[userOff:], userB)
	copy(buf[lmOff:], lmResponse)
	copy(buf[ntOff:], ntResponse)

	return buf
}
