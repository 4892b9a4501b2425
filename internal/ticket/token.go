// Package ticket issues and verifies the signed tokens carried in ticket QR
// codes, renders the QR images, and records gate scans.
package ticket

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenValidity is how long a QR token is accepted after issue.
const TokenValidity = 30 * 24 * time.Hour

const tokenType = "ticket"

var (
	ErrTokenExpired = errors.New("ticket token has expired")
	ErrTokenInvalid = errors.New("ticket token is invalid")
)

// Claims is the payload of a ticket token.
type Claims struct {
	jwt.RegisteredClaims
	EnrollmentID string `json:"eid"`
	BuyerUserID  string `json:"buyer"`
	ResourceID   string `json:"rid"`
	Phone        string `json:"phone"`
	Type         string `json:"typ"`
}

// Issuer signs and parses ticket tokens with an HS256 secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer creates an Issuer.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

// Issue returns a signed token for one ticket.
func (i *Issuer) Issue(enrollmentID, buyerUserID, resourceID, phone string) (string, error) {
	if enrollmentID == "" || resourceID == "" || phone == "" {
		return "", ErrTokenInvalid
	}
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   enrollmentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenValidity)),
		},
		EnrollmentID: enrollmentID,
		BuyerUserID:  buyerUserID,
		ResourceID:   resourceID,
		Phone:        phone,
		Type:         tokenType,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Parse validates signature and expiry and returns the claims.
func (i *Issuer) Parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrTokenInvalid
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Type != tokenType || claims.EnrollmentID == "" || claims.Phone == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
