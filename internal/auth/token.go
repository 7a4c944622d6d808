// Package auth mints and verifies room capability tokens.
//
// A token is a compact HS256 JWT asserting {roomId, role, exp, iat}. Holding a
// valid token is the only way to attach a signaling connection to a room;
// there is no unauthenticated mode.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrUnsupportedJWT = errors.New("unsupported jwt")
	// ErrRoomMismatch is returned when a structurally valid token names a
	// different room than the one the holder is attempting to join.
	ErrRoomMismatch = errors.New("token room mismatch")
)

type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleHost:
		return RoleHost, nil
	case RoleParticipant:
		return RoleParticipant, nil
	default:
		return "", fmt.Errorf("invalid role %q", raw)
	}
}

// Claims is the verified content of a capability token.
type Claims struct {
	RoomID string
	Role   Role
	Exp    int64
	Iat    int64
}

const (
	// HMAC-SHA256 output size in bytes.
	hmacSHA256SigLen = 32
	// base64url-no-pad encoding length for a 32-byte HMAC:
	// - 32 bytes => 44 chars with one '=' padding
	// - without padding => 43 chars
	hmacSHA256SigB64Len = 43
	maxJWTHeaderB64Len  = 4 * 1024
	maxJWTPayloadB64Len = 16 * 1024
	maxJWTLen           = maxJWTHeaderB64Len + 1 + maxJWTPayloadB64Len + 1 + hmacSHA256SigB64Len
)

// Tokens issues and verifies capability tokens with a shared HMAC secret.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

type tokenPayload struct {
	RoomID string `json:"roomId"`
	Role   string `json:"role"`
	Exp    int64  `json:"exp"`
	Iat    int64  `json:"iat"`
}

// Issue mints a signed token granting membership in roomID with the given role.
func (t *Tokens) Issue(roomID string, role Role) (string, error) {
	if roomID == "" {
		return "", fmt.Errorf("issue token: empty room id")
	}

	now := t.now()
	headerB64 := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadJSON, err := json.Marshal(tokenPayload{
		RoomID: roomID,
		Role:   string(role),
		Exp:    now.Add(t.ttl).Unix(),
		Iat:    now.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, t.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	sigB64 := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return headerB64 + "." + payloadB64 + "." + sigB64, nil
}

// Verify checks the token's signature and expiry and returns its claims.
func (t *Tokens) Verify(token string) (Claims, error) {
	headerB64, payloadB64, sigB64, ok := splitJWTParts(token)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	var header map[string]any
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Claims{}, ErrInvalidToken
	}
	algRaw, ok := header["alg"]
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	alg, ok := algRaw.(string)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	if alg != "HS256" {
		return Claims{}, ErrUnsupportedJWT
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	if len(gotSig) != hmacSHA256SigLen {
		return Claims{}, ErrInvalidToken
	}

	mac := hmac.New(sha256.New, t.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	expectedSig := mac.Sum(nil)
	if !hmac.Equal(gotSig, expectedSig) {
		return Claims{}, ErrInvalidToken
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	// json.Decoder allows trailing bytes after the first top-level value.
	// Require the payload to be exactly one JSON object.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Claims{}, ErrInvalidToken
	}

	now := t.now().Unix()

	exp, ok := claims["exp"]
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	expUnix, err := parseUnixTimestamp(exp)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	if now >= expUnix {
		return Claims{}, ErrInvalidToken
	}

	iat, ok := claims["iat"]
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	iatUnix, err := parseUnixTimestamp(iat)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	roomRaw, ok := claims["roomId"]
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	roomID, ok := roomRaw.(string)
	if !ok || roomID == "" {
		return Claims{}, ErrInvalidToken
	}

	roleRaw, ok := claims["role"]
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	roleStr, ok := roleRaw.(string)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	role, err := ParseRole(roleStr)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	return Claims{RoomID: roomID, Role: role, Exp: expUnix, Iat: iatUnix}, nil
}

// VerifyForRoom verifies the token and additionally requires its roomId claim
// to match roomID (case-insensitive, matching registry normalization).
func (t *Tokens) VerifyForRoom(token, roomID string) (Claims, error) {
	claims, err := t.Verify(token)
	if err != nil {
		return Claims{}, err
	}
	if !strings.EqualFold(claims.RoomID, roomID) {
		return Claims{}, ErrRoomMismatch
	}
	return claims, nil
}

func splitJWTParts(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxJWTLen {
		return "", "", "", false
	}
	headerB64, rest, found := strings.Cut(token, ".")
	if !found {
		return "", "", "", false
	}
	payloadB64, sigB64, found = strings.Cut(rest, ".")
	if !found {
		return "", "", "", false
	}
	if strings.Contains(sigB64, ".") {
		return "", "", "", false
	}
	if headerB64 == "" || payloadB64 == "" || sigB64 == "" {
		return "", "", "", false
	}
	if len(headerB64) > maxJWTHeaderB64Len || len(payloadB64) > maxJWTPayloadB64Len {
		return "", "", "", false
	}
	if len(sigB64) != hmacSHA256SigB64Len {
		return "", "", "", false
	}
	if !isBase64urlNoPad(headerB64, maxJWTHeaderB64Len) ||
		!isBase64urlNoPad(payloadB64, maxJWTPayloadB64Len) ||
		!isBase64urlNoPad(sigB64, hmacSHA256SigB64Len) {
		return "", "", "", false
	}
	return headerB64, payloadB64, sigB64, true
}

func isBase64urlNoPad(raw string, maxLen int) bool {
	if raw == "" || len(raw) > maxLen {
		return false
	}
	// Base64url without padding cannot have length mod 4 == 1.
	if len(raw)%4 == 1 {
		return false
	}
	for i := 0; i < len(raw); i++ {
		if _, ok := b64urlValue(raw[i]); !ok {
			return false
		}
	}
	// Tighten validation to canonical base64url-no-pad: the unused bits in the
	// final base64 quantum must be zero.
	//
	// - len % 4 == 2 => 4 unused bits (must be zero)
	// - len % 4 == 3 => 2 unused bits (must be zero)
	switch len(raw) % 4 {
	case 0:
		return true
	case 2:
		last, _ := b64urlValue(raw[len(raw)-1])
		return (last & 0x0f) == 0
	case 3:
		last, _ := b64urlValue(raw[len(raw)-1])
		return (last & 0x03) == 0
	default:
		// len%4==1 is rejected above.
		return false
	}
}

func b64urlValue(b byte) (byte, bool) {
	switch {
	case b >= 'A' && b <= 'Z':
		return b - 'A', true
	case b >= 'a' && b <= 'z':
		return b - 'a' + 26, true
	case b >= '0' && b <= '9':
		return b - '0' + 52, true
	case b == '-':
		return 62, true
	case b == '_':
		return 63, true
	default:
		return 0, false
	}
}

func parseUnixTimestamp(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Int64()
	default:
		return 0, fmt.Errorf("invalid timestamp %T", v)
	}
}
