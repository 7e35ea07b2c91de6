package backend

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrBadToken = errors.New("invalid token")

// Claims carried by user access tokens. The subject is the user id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 access token for userID.
func IssueToken(secret []byte, userID, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
}

// ParseToken verifies raw and returns its claims.
func ParseToken(raw string, secret []byte) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		// block alg confusion
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadToken
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	c, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid || c.Subject == "" {
		return nil, ErrBadToken
	}
	return c, nil
}

// caller is the identity behind a request.
type caller struct {
	ActorID     string
	UserID      *string
	DisplayName string
}

type ctxKey struct{}

func withCaller(ctx context.Context, c caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func callerFrom(ctx context.Context) caller {
	c, _ := ctx.Value(ctxKey{}).(caller)
	return c
}

// bearerClaims verifies the request's bearer token. ok is false when the
// request carries none.
func (s *Server) bearerClaims(r *http.Request) (c *Claims, ok bool, err error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return nil, false, nil
	}
	if len(s.secret) == 0 {
		return nil, true, errors.New("bearer tokens are not accepted")
	}
	c, err = ParseToken(raw, s.secret)
	if err != nil {
		return nil, true, errors.New("bad token")
	}
	return c, true, nil
}

// resolveCaller identifies the request: a verified bearer token for users,
// otherwise a registered X-Actor-Id. A token only speaks for actors bound
// to its subject.
func (s *Server) resolveCaller(r *http.Request) (caller, error) {
	actorID := strings.TrimSpace(r.Header.Get("X-Actor-Id"))

	claims, ok, err := s.bearerClaims(r)
	if err != nil {
		return caller{}, err
	}
	if ok {
		uid := claims.Subject
		if actorID == "" {
			actorID = uid
		}
		a, err := s.mem.bindUser(actorID, uid, claims.Name, s.now())
		if err != nil {
			return caller{}, err
		}
		return caller{ActorID: actorID, UserID: &uid, DisplayName: a.DisplayName}, nil
	}

	if actorID == "" {
		return caller{}, errors.New("missing identity")
	}
	a, ok := s.mem.actor(actorID)
	if !ok {
		return caller{}, errors.New("unknown actor")
	}
	if a.UserID != "" {
		return caller{}, errSignInRequired
	}
	return caller{ActorID: a.ActorID, DisplayName: a.DisplayName}, nil
}
