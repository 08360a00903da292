package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/auth"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "api_key"

// Authenticator resolves API keys to principals.
type Authenticator struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewAuthenticator creates an Authenticator with the given API key
// repository and HMAC pepper.
func NewAuthenticator(apikeys auth.Repository, pepper []byte) *Authenticator {
	return &Authenticator{apikeys: apikeys, pepper: pepper}
}

// HashKey returns the hex HMAC-SHA256 of key, as stored in the repository.
func HashKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// Middleware attaches the caller's principal to the request context.
// Requests without a key proceed anonymously; a key that does not resolve
// is rejected with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		p, ok := a.authenticate(r, key)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func (a *Authenticator) authenticate(r *http.Request, key string) (auth.Principal, bool) {
	digest := HashKey(a.pepper, key)
	info, err := a.apikeys.FindByHash(r.Context(), digest)
	if err != nil {
		zctx.From(r.Context()).Debug("API key lookup failed", zap.Error(err))
		return auth.Principal{}, false
	}

	// The repository matched by hash already; compare again in constant
	// time in case it returned a different row.
	if subtle.ConstantTimeCompare([]byte(digest), []byte(info.KeyHash)) != 1 {
		return auth.Principal{}, false
	}
	return auth.Principal{UserID: info.UserID, Role: info.Role}, true
}

// requireUser rejects anonymous callers with 401.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.FromContext(r.Context()).Anonymous() {
			writeError(w, http.StatusUnauthorized, "unauthorized", "api key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
