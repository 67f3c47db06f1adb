package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

const walletKey contextKey = "wallet-address"

// SessionValidator verifies a session token and returns the wallet address.
type SessionValidator func(token string) (string, error)

// SessionAuth requires a valid Bearer session token and stores the
// authenticated wallet address on the request context.
func SessionAuth(validate SessionValidator) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			address, err := validate(token)
			if err != nil {
				http.Error(w, "invalid session", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), walletKey, address)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionWallet returns the authenticated wallet address, if any.
func SessionWallet(ctx context.Context) string {
	addr, _ := ctx.Value(walletKey).(string)
	return addr
}
