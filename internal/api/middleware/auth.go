package middleware

import (
	"net/http"
	"strings"

	"riskguard/pkg/crypto"
	"riskguard/pkg/utils"
)

// Auth - bearer-токен для ops API
//
// Назначение:
// Защищает /api/v1 от неавторизованного доступа. Токен хранится
// только в виде bcrypt хеша (OPS_TOKEN_HASH), сравнение внутри bcrypt.
//
// Пустой tokenHash - проверка выключена (конфиг в этом случае
// привязывает сервер к 127.0.0.1).
//
// Использование:
//
//	api := router.PathPrefix("/api/v1").Subrouter()
//	api.Use(middleware.Auth(cfg.Ops.TokenHash))
func Auth(tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if tokenHash == "" {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}

			if err := crypto.VerifyToken(token, tokenHash); err != nil {
				utils.L().WithComponent("api").Warn("rejected ops API token",
					utils.RequestID(RequestIDFromContext(r.Context())),
					utils.Err(err),
				)
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="ops"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + message + `","code":"unauthorized"}`))
}
