package security

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// 客户端不持有签名密钥，只做无校验解析：
// 拿到 exp 提前发现令牌已死，避免用死令牌去拨号再吃一个 4002。

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ExpiryOf 返回令牌的过期时间；无 exp 声明或解析失败返回零值。
func ExpiryOf(token string) time.Time {
	parser := jwtlib.NewParser()
	claims := jwtlib.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// IsExpired reports whether the token carries an exp claim in the past.
// Opaque (non-JWT) tokens are never considered expired here.
func IsExpired(token string, now time.Time) bool {
	exp := ExpiryOf(token)
	return !exp.IsZero() && exp.Before(now)
}
