package chatsync

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialProvider supplies the bearer token used at connect time and on
// every HTTP call. AccessToken returns false when no token is available;
// the engine then fails the operation without calling the network.
// Invalidate is called once the server rejects the token with a 401.
type CredentialProvider interface {
	AccessToken() (string, bool)
	Invalidate(err error)
}

// StaticCredentials holds a fixed token until it is invalidated.
type StaticCredentials struct {
	mu          sync.Mutex
	token       string
	onInvalid   func(error)
	invalidated bool
}

// NewStaticCredentials returns a provider for token. onInvalid may be nil.
func NewStaticCredentials(token string, onInvalid func(error)) *StaticCredentials {
	return &StaticCredentials{token: token, onInvalid: onInvalid}
}

func (c *StaticCredentials) AccessToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invalidated || c.token == "" {
		return "", false
	}
	return c.token, true
}

func (c *StaticCredentials) Invalidate(err error) {
	c.mu.Lock()
	c.invalidated = true
	cb := c.onInvalid
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// SetToken replaces the token and clears a previous invalidation.
func (c *StaticCredentials) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.invalidated = false
	c.mu.Unlock()
}

// JWTCredentials serves a JWT access token and withholds it once its exp
// claim has passed. The signature is not verified; that is the server's job.
type JWTCredentials struct {
	StaticCredentials
	// Leeway is subtracted from the expiry so a token is not sent moments
	// before it lapses.
	Leeway time.Duration
	now    func() time.Time
}

// NewJWTCredentials returns a provider for a JWT access token.
func NewJWTCredentials(token string, onInvalid func(error)) *JWTCredentials {
	return &JWTCredentials{
		StaticCredentials: StaticCredentials{token: token, onInvalid: onInvalid},
		Leeway:            30 * time.Second,
		now:               time.Now,
	}
}

func (c *JWTCredentials) AccessToken() (string, bool) {
	token, ok := c.StaticCredentials.AccessToken()
	if !ok {
		return "", false
	}
	exp, err := TokenExpiry(token)
	if err != nil {
		return "", false
	}
	if !exp.IsZero() && !c.now().Add(c.Leeway).Before(exp) {
		return "", false
	}
	return token, true
}

// TokenExpiry reads the exp claim of a JWT without verifying it. A token
// without exp returns the zero time.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}
