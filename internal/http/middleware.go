package http

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
)

type contextKey string

const (
	sessionIDContextKey     contextKey = "session_id"
	sessionHandleContextKey contextKey = "session_handle"
)

// SessionParam is the query parameter carrying the encrypted session handle.
const SessionParam = "sid"

// Resolver decrypts a session handle into a session id.
type Resolver interface {
	Resolve(handle string) (string, error)
}

// SessionFromContext returns the session id and handle stored by
// SessionMiddleware.
func SessionFromContext(ctx context.Context) (id, handle string) {
	id, _ = ctx.Value(sessionIDContextKey).(string)
	handle, _ = ctx.Value(sessionHandleContextKey).(string)
	return id, handle
}

// SessionMiddleware decrypts the sid query parameter and stores both the
// session id and its handle in the request context. Requests without a sid,
// or with one that does not decrypt, are rejected with 400.
func SessionMiddleware(resolver Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handle := r.URL.Query().Get(SessionParam)
			if handle == "" {
				JSON(w, http.StatusBadRequest, map[string]string{"message": "No 'sid' parameter found in query."})
				return
			}

			id, err := resolver.Resolve(handle)
			if err != nil {
				zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Failed to decrypt session id")
				JSON(w, http.StatusBadRequest, map[string]string{"message": "Failed to decrypt session ID"})
				return
			}

			ctx := context.WithValue(r.Context(), sessionIDContextKey, id)
			ctx = context.WithValue(ctx, sessionHandleContextKey, handle)

			l := zerolog.Ctx(ctx).With().Str("session_id", id).Logger()

			next.ServeHTTP(w, r.WithContext(l.WithContext(ctx)))
		})
	}
}
