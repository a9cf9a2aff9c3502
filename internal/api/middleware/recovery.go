package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"riskguard/pkg/utils"
)

// Recovery - middleware для восстановления после паники в handlers
//
// Назначение:
// Перехватывает panic в HTTP handlers и предотвращает падение всего процесса:
// супервизор позиций продолжает работать, даже если упал ops endpoint.
//
// Функции:
// - Перехват panic в любом handler
// - Логирование сообщения, request id и stack trace
// - Возврат 500 Internal Server Error клиенту (без деталей паники)
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				utils.L().Error("panic in http handler",
					zap.Any("panic", rec),
					utils.RequestID(RequestIDFromContext(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"Internal Server Error","code":"internal"}`))
			}
		}()

		next.ServeHTTP(w, r)
	})
}
