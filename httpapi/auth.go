package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/meshwire/messaging"
)

type ctxKey int

const identityKey ctxKey = iota

// Identity is the authenticated caller, extracted from the JWT.
type Identity struct {
	UserID uuid.UUID
	// ClientID names the device for websocket delivery cursors.
	// Optional for plain REST calls.
	ClientID string
}

// IdentityFrom returns the caller attached by the auth middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

type sessionClaims struct {
	ClientID string `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates bearer tokens and stamps the caller onto
// the request context. Tokens come from the Authorization header or,
// for websocket clients that cannot set headers, a token query
// parameter.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds a validator over an HMAC signing secret.
func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret}
}

// Middleware rejects requests without a valid token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.identify(r)
		if err != nil {
			writeError(w, requestLogger(r), err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

func (a *Authenticator) identify(r *http.Request) (Identity, error) {
	raw := tokenFrom(r)
	if raw == "" {
		return Identity{}, fmt.Errorf("%w: missing token", messaging.ErrUnauthenticated)
	}
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", messaging.ErrUnauthenticated, err)
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: subject is not a user id", messaging.ErrUnauthenticated)
	}
	return Identity{UserID: userID, ClientID: claims.ClientID}, nil
}

func tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if raw, ok := strings.CutPrefix(h, "Bearer "); ok {
			return raw
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// IssueToken mints a token for a user and device. Used by tests and
// by deployments that terminate auth in this service.
func (a *Authenticator) IssueToken(userID uuid.UUID, clientID string, ttl time.Duration) (string, error) {
	claims := sessionClaims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
