package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/agendapos/agendapos/internal/config"
	ierr "github.com/agendapos/agendapos/internal/errors"
	"github.com/golang-jwt/jwt/v4"
)

// Claims carries the authenticated identity of a request
type Claims struct {
	UserID   string
	TenantID string
}

// Provider validates bearer tokens issued by the platform
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
	GenerateToken(userID, tenantID string) (string, error)
}

type jwtProvider struct {
	authConfig config.AuthConfig
}

func NewProvider(cfg *config.Configuration) Provider {
	return &jwtProvider{authConfig: cfg.Auth}
}

func (p *jwtProvider) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	parsedToken, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ierr.NewError("unexpected signing method").
				WithHint(fmt.Sprintf("unexpected signing method: %v", token.Header["alg"])).
				Mark(ierr.ErrPermissionDenied)
		}
		return []byte(p.authConfig.Secret), nil
	})
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Token parse error").
			Mark(ierr.ErrPermissionDenied)
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok || !parsedToken.Valid {
		return nil, ierr.NewError("invalid token claims").
			WithHint("Invalid token claims").
			Mark(ierr.ErrPermissionDenied)
	}

	userID, userOk := claims["user_id"].(string)
	if !userOk {
		return nil, ierr.NewError("token missing user ID").
			WithHint("Token missing user ID").
			Mark(ierr.ErrPermissionDenied)
	}
	tenantID, tenantOk := claims["tenant_id"].(string)
	if !tenantOk || tenantID == "" {
		return nil, ierr.NewError("token missing tenant ID").
			WithHint("Token missing tenant ID").
			Mark(ierr.ErrPermissionDenied)
	}

	return &Claims{UserID: userID, TenantID: tenantID}, nil
}

func (p *jwtProvider) GenerateToken(userID, tenantID string) (string, error) {
	claims := jwt.MapClaims{
		"user_id":   userID,
		"tenant_id": tenantID,
		"exp":       time.Now().Add(30 * 24 * time.Hour).Unix(),
		"iat":       time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(p.authConfig.Secret))
}
