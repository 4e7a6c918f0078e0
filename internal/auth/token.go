package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/CL-j-nc/xinhexin-api/internal/delegated"
	"github.com/CL-j-nc/xinhexin-api/internal/model"
)

const operatorTokenExpiry = 24 * time.Hour

// OperatorClaims are the JWT claims carried by a back-office operator token.
type OperatorClaims struct {
	OperatorID   string             `json:"sub"`
	OperatorName string             `json:"name"`
	Role         model.OperatorRole `json:"role"`
	jwt.RegisteredClaims
}

// JWTService signs and verifies operator tokens.
type JWTService struct {
	secret []byte
}

// NewJWTService creates a new JWT service.
func NewJWTService(secret string) *JWTService {
	return &JWTService{
		secret: []byte(secret),
	}
}

// SignOperatorToken creates a 24h operator token.
func (s *JWTService) SignOperatorToken(operatorID, name string, role model.OperatorRole) (string, error) {
	now := time.Now()
	claims := &OperatorClaims{
		OperatorID:   operatorID,
		OperatorName: name,
		Role:         role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(operatorTokenExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// VerifyToken verifies and parses an operator token.
func (s *JWTService) VerifyToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

// Operator converts verified claims into the acting operator identity.
func (c *OperatorClaims) Operator() delegated.Operator {
	return delegated.Operator{
		ID:   c.OperatorID,
		Name: c.OperatorName,
		Role: c.Role,
	}
}
