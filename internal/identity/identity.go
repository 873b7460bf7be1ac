package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrNoCredentials is returned when a request carries no token at all.
var ErrNoCredentials = errors.New("identity: no credentials")

// Cookie names checked by JWTResolver, in order after the header and query.
const (
	AccessCookie = "access_token"
	AnonCookie   = "anon_token"
)

// Identity is the caller on whose behalf a request runs. Anonymous callers
// have a stable id but IsAuthenticated is false.
type Identity struct {
	ID              string
	IsAuthenticated bool
}

// Resolver extracts the caller's identity from a request.
type Resolver interface {
	Resolve(r *http.Request) (Identity, error)
}

// Claims is the token payload. Anon marks tokens minted for visitors
// without an account.
type Claims struct {
	jwt.RegisteredClaims
	Anon bool `json:"anon,omitempty"`
}

// IssueAccessToken creates a signed HS256 JWT for an authenticated subject.
func IssueAccessToken(secret, subject string, ttl time.Duration) (string, error) {
	return sign(secret, subject, false, ttl)
}

// IssueAnonymousToken mints a fresh anonymous id and a token carrying it.
func IssueAnonymousToken(secret string, ttl time.Duration) (token, id string, err error) {
	id = "anon_" + uuid.NewString()
	token, err = sign(secret, id, true, ttl)
	return token, id, err
}

func sign(secret, subject string, anon bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Anon: anon,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Validate parses and validates a JWT and returns the identity it names.
func Validate(secret, tokenStr string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Identity{}, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Identity{}, errors.New("invalid token")
	}
	return Identity{ID: claims.Subject, IsAuthenticated: !claims.Anon}, nil
}

// JWTResolver reads a token from the Authorization header, the ?token=
// query parameter (EventSource cannot set headers), or the access and
// anonymous cookies. The first token that validates wins.
type JWTResolver struct {
	secret string
}

func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: secret}
}

func (j *JWTResolver) Resolve(r *http.Request) (Identity, error) {
	var candidates []string
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		candidates = append(candidates, strings.TrimPrefix(auth, "Bearer "))
	}
	if q := r.URL.Query().Get("token"); q != "" {
		candidates = append(candidates, q)
	}
	for _, name := range []string{AccessCookie, AnonCookie} {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			candidates = append(candidates, c.Value)
		}
	}
	if len(candidates) == 0 {
		return Identity{}, ErrNoCredentials
	}

	var lastErr error
	for _, tok := range candidates {
		id, err := Validate(j.secret, tok)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}
	return Identity{}, fmt.Errorf("identity: %w", lastErr)
}
