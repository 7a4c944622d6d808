package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func signForTest(tk *Tokens, headerB64, payloadB64 string) string {
	mac := hmac.New(sha256.New, tk.secret)
	mac.Write([]byte(headerB64 + "." + payloadB64))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func newTestTokens(t *testing.T, now time.Time, ttl time.Duration) *Tokens {
	t.Helper()
	tk := NewTokens("test-secret-0123456789abcdef", ttl)
	tk.now = func() time.Time { return now }
	return tk
}

func TestIssueVerifyRoundtrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tk := newTestTokens(t, now, 24*time.Hour)

	token, err := tk.Issue("ABC123", RoleHost)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Fatalf("token %q is not three dot-separated parts", token)
	}

	claims, err := tk.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.RoomID != "ABC123" {
		t.Errorf("RoomID = %q, want ABC123", claims.RoomID)
	}
	if claims.Role != RoleHost {
		t.Errorf("Role = %q, want host", claims.Role)
	}
	if claims.Iat != now.Unix() {
		t.Errorf("Iat = %d, want %d", claims.Iat, now.Unix())
	}
	if claims.Exp != now.Add(24*time.Hour).Unix() {
		t.Errorf("Exp = %d, want %d", claims.Exp, now.Add(24*time.Hour).Unix())
	}
}

func TestVerifyExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tk := newTestTokens(t, now, time.Hour)

	token, err := tk.Issue("ABC123", RoleParticipant)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tk.now = func() time.Time { return now.Add(time.Hour) }
	if _, err := tk.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify after expiry: got %v, want ErrInvalidToken", err)
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tk := newTestTokens(t, now, time.Hour)

	token, err := tk.Issue("ABC123", RoleParticipant)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	parts := strings.SplitN(token, ".", 3)
	forged := base64.RawURLEncoding.EncodeToString(
		[]byte(`{"roomId":"XYZ789","role":"host","exp":9999999999,"iat":1700000000}`))
	tampered := parts[0] + "." + forged + "." + parts[2]

	if _, err := tk.Verify(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify tampered: got %v, want ErrInvalidToken", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tk := newTestTokens(t, now, time.Hour)

	token, err := tk.Issue("ABC123", RoleHost)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other := NewTokens("a-different-secret-entirely", time.Hour)
	other.now = tk.now
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify with wrong secret: got %v, want ErrInvalidToken", err)
	}
}

func TestVerifyForRoom(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tk := newTestTokens(t, now, time.Hour)

	token, err := tk.Issue("ABC123", RoleParticipant)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := tk.VerifyForRoom(token, "abc123"); err != nil {
		t.Errorf("VerifyForRoom case-insensitive match: %v", err)
	}
	if _, err := tk.VerifyForRoom(token, "XYZ789"); !errors.Is(err, ErrRoomMismatch) {
		t.Errorf("VerifyForRoom mismatch: got %v, want ErrRoomMismatch", err)
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tk := newTestTokens(t, now, time.Hour)

	good, err := tk.Issue("ABC123", RoleHost)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	parts := strings.SplitN(good, ".", 3)

	for _, tc := range []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not a jwt", "hello"},
		{"two parts", parts[0] + "." + parts[1]},
		{"four parts", good + ".extra"},
		{"padded signature", parts[0] + "." + parts[1] + "." + parts[2][:len(parts[2])-1] + "="},
		{"short signature", parts[0] + "." + parts[1] + "." + parts[2][:20]},
		{"non-base64url payload", parts[0] + ".!!!." + parts[2]},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tk.Verify(tc.token); err == nil {
				t.Fatalf("Verify(%q) succeeded, want error", tc.token)
			}
		})
	}
}

func TestVerifyRejectsUnsignedAlg(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tk := newTestTokens(t, now, time.Hour)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString(
		[]byte(`{"roomId":"ABC123","role":"host","exp":9999999999,"iat":1700000000}`))
	// Signature bytes are irrelevant; alg must be rejected before comparison.
	sig := base64.RawURLEncoding.EncodeToString(make([]byte, 32))

	if _, err := tk.Verify(header + "." + payload + "." + sig); !errors.Is(err, ErrUnsupportedJWT) {
		t.Fatalf("Verify alg=none: got %v, want ErrUnsupportedJWT", err)
	}
}

func TestVerifyRejectsBadRole(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tk := newTestTokens(t, now, time.Hour)

	// Forge a payload with an invalid role, signed with the real secret.
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString(
		[]byte(`{"roomId":"ABC123","role":"superuser","exp":9999999999,"iat":1700000000}`))
	sig := signForTest(tk, header, payload)

	if _, err := tk.Verify(header + "." + payload + "." + sig); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify bad role: got %v, want ErrInvalidToken", err)
	}
}

func TestParseRole(t *testing.T) {
	if r, err := ParseRole("host"); err != nil || r != RoleHost {
		t.Errorf("ParseRole(host) = %v, %v", r, err)
	}
	if r, err := ParseRole("participant"); err != nil || r != RoleParticipant {
		t.Errorf("ParseRole(participant) = %v, %v", r, err)
	}
	if _, err := ParseRole("admin"); err == nil {
		t.Error("ParseRole(admin) succeeded, want error")
	}
}
