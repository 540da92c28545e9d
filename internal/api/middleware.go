package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"chess-wager/internal/service"
)

type contextKey string

const userIDKey contextKey = "userID"

// identity is the authenticated caller extracted from a bearer token.
type identity struct {
	UserID   int64
	Username string
}

// errNoToken is returned when the request carries no usable credentials.
var errNoToken = errors.New("missing bearer token")

// Authenticator validates bearer tokens and resolves the caller's account.
// Token issuance belongs to the identity service; this middleware only
// verifies the signature and trusts the embedded user id.
type Authenticator struct {
	secret   []byte
	accounts *service.AccountService
}

// NewAuthenticator creates a new Authenticator.
func NewAuthenticator(secret string, accounts *service.AccountService) *Authenticator {
	return &Authenticator{secret: []byte(secret), accounts: accounts}
}

// Middleware authenticates the request and stores the user id in the
// request context. The account is auto-provisioned on first contact.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, err := a.identify(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}

		if _, err := a.accounts.GetOrCreate(r.Context(), ident.UserID, ident.Username); err != nil {
			writeInternalError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, ident.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identify extracts and verifies the token from the Authorization header,
// falling back to the "token" query parameter for websocket upgrades.
func (a *Authenticator) identify(r *http.Request) (*identity, error) {
	raw := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw = strings.TrimPrefix(h, "Bearer ")
	} else if q := r.URL.Query().Get("token"); q != "" {
		raw = q
	}
	if raw == "" {
		return nil, errNoToken
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errors.New("token has no subject")
	}

	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid subject: %w", err)
	}

	username, _ := claims["username"].(string)
	if username == "" {
		username = sub
	}

	return &identity{UserID: userID, Username: username}, nil
}

// userIDFrom returns the authenticated user id stored by the middleware.
func userIDFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey).(int64)
	return id
}
