package security

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims jwtlib.MapClaims) string {
	t.Helper()
	s, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestIsExpired(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	past := signed(t, jwtlib.MapClaims{"exp": now.Add(-time.Hour).Unix()})
	if !IsExpired(past, now) {
		t.Fatal("past token not expired")
	}
	future := signed(t, jwtlib.MapClaims{"exp": now.Add(time.Hour).Unix()})
	if IsExpired(future, now) {
		t.Fatal("future token expired")
	}
	// 不透明令牌永不判过期
	if IsExpired("opaque-token", now) {
		t.Fatal("opaque token expired")
	}
	// 无 exp 声明同理
	noExp := signed(t, jwtlib.MapClaims{"sub": "u1"})
	if IsExpired(noExp, now) {
		t.Fatal("token without exp expired")
	}
}

func TestHashTokenStable(t *testing.T) {
	a := HashToken("secret")
	b := HashToken("secret")
	if a != b || a == HashToken("other") {
		t.Fatal("hash unstable")
	}
}
