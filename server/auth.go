package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"deltarena/game"
)

// Authenticator 校验外部认证服务签发的身份令牌（HS256，sub 为用户 id）。
// 未配置密钥时为匿名中继模式：使用 ?id= 或随机 uuid
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator secret 为空即匿名模式
func NewAuthenticator(secret string) *Authenticator {
	a := &Authenticator{now: time.Now}
	if secret != "" {
		a.secret = []byte(secret)
	}
	return a
}

// Anonymous 是否匿名模式
func (a *Authenticator) Anonymous() bool { return len(a.secret) == 0 }

// Identify 从请求解析身份：?token= 或 Authorization: Bearer
func (a *Authenticator) Identify(r *http.Request) (string, error) {
	if a.Anonymous() {
		if id := strings.TrimSpace(r.URL.Query().Get("id")); id != "" {
			return id, nil
		}
		return uuid.NewString(), nil
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return a.Verify(token)
}

// Verify 校验令牌并返回 sub
func (a *Authenticator) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", &game.Error{Type: game.Unauthorized, Msg: "token is required"}
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", mapJWTError(err)
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" || sub == game.ServerManager {
		return "", &game.Error{Type: game.Unauthorized, Msg: "token subject is invalid"}
	}
	return sub, nil
}

// Issue 签发令牌（测试与无头客户端使用）
func (a *Authenticator) Issue(sub string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &game.Error{Type: game.Unauthorized, Msg: "token is expired"}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return &game.Error{Type: game.Unauthorized, Msg: "token signature is invalid"}
	default:
		return &game.Error{Type: game.Unauthorized, Msg: "token is invalid"}
	}
}
