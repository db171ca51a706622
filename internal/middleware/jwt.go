package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// UserIDKey is the gin context key holding the authenticated identity.
const UserIDKey = "user_id"

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// JWTClaims represents the claims issued by the authentication collaborator
type JWTClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// ParseToken validates an HS256 token and returns its claims.
func ParseToken(jwtSecret, tokenString string) (*JWTClaims, error) {
	if tokenString == "" {
		return nil, ErrMissingCredentials
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}

// IssueToken signs a token for userID valid for ttl.
func IssueToken(jwtSecret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
}

// TokenFromRequest extracts a bearer token from the Authorization header, falling
// back to the `token` query parameter (browsers cannot set headers on websockets).
func TokenFromRequest(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", ErrInvalidCredentials
		}
		return parts[1], nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

// Authenticate resolves the identity of a request or returns an error.
func Authenticate(jwtSecret string, r *http.Request) (string, error) {
	tokenString, err := TokenFromRequest(r)
	if err != nil {
		return "", err
	}
	claims, err := ParseToken(jwtSecret, tokenString)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// JWTAuth creates middleware that validates JWT tokens and stores the identity
func JWTAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := Authenticate(jwtSecret, c.Request)
		if err != nil {
			msg := "Invalid token"
			if errors.Is(err, ErrMissingCredentials) {
				msg = "Authorization header required"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}
