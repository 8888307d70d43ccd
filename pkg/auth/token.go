package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/model"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carries the caller identity the OAuth frontend issues after login.
// The identity provider itself is an external collaborator; the ERM only
// verifies the signed token.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Tier  string `json:"tier,omitempty"`
	Admin bool   `json:"admin,omitempty"`
}

// UserID is the stable user identifier: the email the token was issued for.
func (c *Claims) UserID() string {
	if c.Email != "" {
		return c.Email
	}
	return c.Subject
}

func (c *Claims) QuotaTier() model.QuotaTier {
	if c.Tier == "" {
		return model.TierDefault
	}
	return model.QuotaTier(c.Tier)
}

type TokenManager struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
}

func NewTokenManager(signingKey []byte, ttl time.Duration, issuer string) *TokenManager {
	return &TokenManager{signingKey: signingKey, ttl: ttl, issuer: issuer}
}

func (m *TokenManager) Generate(userID string, tier model.QuotaTier, admin bool) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   userID,
			Issuer:    m.issuer,
		},
		Email: userID,
		Tier:  string(tier),
		Admin: admin,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	})

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
