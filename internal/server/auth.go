package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/agentregistry/config"
	"github.com/BaSui01/agentregistry/internal/ctxkeys"
)

// clockSkew 容忍签发方与本机的时钟偏差
const clockSkew = 30 * time.Second

var errNoSecret = errors.New("jwt secret not configured")

// registryClaims 除标准声明外只关心租户
type registryClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id,omitempty"`
}

// JWTAuth 校验 HS256 Bearer 令牌，把 tenant_id 声明写入 context。
// 浏览器 WebSocket 无法设置请求头，因此也接受 ?access_token=。
// 失败时按 RFC 6750 返回 401 与 WWW-Authenticate。
func JWTAuth(cfg config.JWTConfig, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	secret := []byte(cfg.Secret)
	keyFunc := func(*jwt.Token) (any, error) {
		if len(secret) == 0 {
			return nil, errNoSecret
		}
		return secret, nil
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(clockSkew),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	reject := func(w http.ResponseWriter, code, desc string) {
		challenge := `Bearer realm="agentregistry"`
		if code != "" {
			challenge += `, error="` + code + `", error_description="` + desc + `"`
		}
		w.Header().Set("WWW-Authenticate", challenge)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": desc})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				reject(w, "", "missing bearer token")
				return
			}

			var claims registryClaims
			if _, err := parser.ParseWithClaims(raw, &claims, keyFunc); err != nil {
				desc := "invalid token"
				if errors.Is(err, jwt.ErrTokenExpired) {
					desc = "token expired"
				}
				logger.Debug("bearer token rejected",
					zap.Error(err),
					zap.String("request_id", RequestIDFromContext(r.Context())))
				reject(w, "invalid_token", desc)
				return
			}

			ctx := r.Context()
			if claims.TenantID != "" {
				ctx = ctxkeys.WithTenant(ctx, claims.TenantID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken 认证方案名大小写不敏感
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("access_token")
}
