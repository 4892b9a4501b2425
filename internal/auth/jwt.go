// Package auth issues and validates the access tokens venue staff use for
// the ticket QR and verification endpoints.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeStaff is the typ claim of staff access tokens. It keeps QR ticket
// tokens, signed with a different secret, from ever being accepted here.
const TokenTypeStaff = "staff"

// Staff roles.
const (
	RoleGate  = "gate"  // scans tickets at an entrance
	RoleAdmin = "admin" // gate permissions plus QR retrieval
)

// DefaultTokenExpiry covers one event shift.
const DefaultTokenExpiry = 12 * time.Hour

// DefaultLeeway for clock skew between gate devices and the API.
const DefaultLeeway = 30 * time.Second

var (
	// ErrInvalidToken is returned when token validation fails.
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")

	// ErrEmptyStaffID is returned when staffID is empty.
	ErrEmptyStaffID = errors.New("staffID cannot be empty")

	// ErrUnknownRole is returned when minting a token for an unknown role.
	ErrUnknownRole = errors.New("unknown staff role")
)

// Claims are the claims of a staff access token. Subject is the staff id,
// which is recorded as scannedByAdminId when a ticket is scanned.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	Type string `json:"typ"`
}

// HasRole reports whether the token grants role. Admins hold every role.
func (c *Claims) HasRole(role string) bool {
	return c.Role == role || c.Role == RoleAdmin
}

// JWTService signs and validates staff tokens.
// Tokens are signed with currentSecret and accepted with either
// currentSecret or previousSecret, so secrets can be rotated without
// logging every gate device out.
type JWTService struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
	expiry         time.Duration
	now            func() time.Time
}

// NewJWTService creates a JWTService. previousSecret may be empty when no
// rotation is in progress.
func NewJWTService(currentSecret, previousSecret string) *JWTService {
	svc := &JWTService{
		currentSecret: []byte(currentSecret),
		leeway:        DefaultLeeway,
		expiry:        DefaultTokenExpiry,
		now:           time.Now,
	}
	if previousSecret != "" {
		svc.previousSecret = []byte(previousSecret)
	}
	return svc
}

// WithLeeway returns a copy of s with a custom validation leeway.
func (s *JWTService) WithLeeway(leeway time.Duration) *JWTService {
	cp := *s
	cp.leeway = leeway
	return &cp
}

// GenerateStaffToken mints an access token for staffID with role. A zero
// ttl uses DefaultTokenExpiry.
func (s *JWTService) GenerateStaffToken(staffID, role string, ttl time.Duration) (string, error) {
	if staffID == "" {
		return "", ErrEmptyStaffID
	}
	if role != RoleGate && role != RoleAdmin {
		return "", ErrUnknownRole
	}
	if ttl <= 0 {
		ttl = s.expiry
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   staffID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
		Type: TokenTypeStaff,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.currentSecret)
}

// ValidateToken parses a staff token, trying the current secret first and
// the previous one second.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString, s.currentSecret)
	if err == nil {
		return claims, nil
	}
	if s.previousSecret != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		if claims, perr := s.parse(tokenString, s.previousSecret); perr == nil {
			return claims, nil
		} else if errors.Is(perr, jwt.ErrTokenExpired) {
			err = perr
		}
	}

	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}

func (s *JWTService) parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithLeeway(s.leeway), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Type != TokenTypeStaff || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
