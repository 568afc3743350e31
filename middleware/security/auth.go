package security

import (
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// TokenVerifier is the seam to the external auth service. The gateway
// only needs the authenticated user and device out of a token; issuing
// and revoking tokens happens elsewhere.
type TokenVerifier interface {
	Verify(token string) (*Identity, error)
}

type Identity struct {
	UserID   string
	TenantID string
	DeviceID string
	ExpireAt time.Time
}

// Options controls signature verification.
type Options struct {
	Secret []byte // HMAC key
	Alg    string // HS256/HS384/HS512, default HS256
}

type jwtVerifier struct {
	opts Options
}

func NewJWTVerifier(opts Options) TokenVerifier {
	return &jwtVerifier{opts: opts}
}

func (v *jwtVerifier) Verify(token string) (*Identity, error) {
	if _, err := signingMethod(v.opts.Alg); err != nil {
		return nil, err
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		// HMAC family only
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return v.opts.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, fmt.Errorf("claims type mismatch")
	}

	id := &Identity{}
	if sub, _ := claims["sub"].(string); sub != "" {
		id.UserID = sub
	} else {
		return nil, fmt.Errorf("token missing sub")
	}
	if t, _ := claims["tid"].(string); t != "" {
		id.TenantID = t
	}
	if d, _ := claims["did"].(string); d != "" {
		id.DeviceID = d
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpireAt = exp.Time
	}
	return id, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
