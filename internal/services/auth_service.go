package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid token")
	ErrAuthNotConfigured  = errors.New("operator authentication is not configured")
)

// AuthService authenticates the gateway operator and issues HS256 tokens.
type AuthService struct {
	secret       []byte
	username     string
	passwordHash string
	ttl          time.Duration
	now          func() time.Time
}

type JWTClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// NewAuthService returns an AuthService. An empty secret disables both login and token validation.
func NewAuthService(secret, username, passwordHash string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthService{
		secret:       []byte(secret),
		username:     username,
		passwordHash: passwordHash,
		ttl:          ttl,
		now:          time.Now,
	}
}

// Enabled reports whether a signing secret is configured.
func (as *AuthService) Enabled() bool {
	return len(as.secret) > 0
}

// Login checks the operator credentials and returns a signed token.
func (as *AuthService) Login(username, password string) (string, error) {
	if !as.Enabled() || as.passwordHash == "" {
		return "", ErrAuthNotConfigured
	}
	if username != as.username {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(as.passwordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return as.GenerateToken(username)
}

// GenerateToken signs a token for subject without checking credentials. Used by the CLI.
func (as *AuthService) GenerateToken(subject string) (string, error) {
	if !as.Enabled() {
		return "", ErrAuthNotConfigured
	}
	now := as.now()
	claims := JWTClaims{
		Username: subject,
		Role:     "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(as.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(as.secret)
}

// ValidateToken validates JWT token and returns operator claims
func (as *AuthService) ValidateToken(tokenString string) (*JWTClaims, error) {
	if !as.Enabled() {
		return nil, ErrAuthNotConfigured
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return as.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(as.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// HashPassword returns a bcrypt hash suitable for OPERATOR_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
