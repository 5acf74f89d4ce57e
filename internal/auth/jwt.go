package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject  = "sub"
	claimUserID   = "user_id"
	claimTenantID = "tenant_id"
	claimName     = "name"
	claimTeams    = "teams"
	claimIssued   = "iat"
	claimExpires  = "exp"
)

// Operator is the identity an operator token carries.
type Operator struct {
	UserID   string
	TenantID string
	Name     string
	Teams    []string
}

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

func claimsFromContext(c echo.Context) (jwt.MapClaims, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// UserIDFromContext extracts the user id from JWT claims.
func UserIDFromContext(c echo.Context) (string, error) {
	claims, err := claimsFromContext(c)
	if err != nil {
		return "", err
	}
	if userID := claimString(claims, claimUserID); userID != "" {
		return userID, nil
	}
	if userID := claimString(claims, claimSubject); userID != "" {
		return userID, nil
	}
	return "", echo.NewHTTPError(http.StatusUnauthorized, "user id missing")
}

// OperatorFromContext extracts the operator identity. Tokens without a tenant
// are rejected.
func OperatorFromContext(c echo.Context) (Operator, error) {
	userID, err := UserIDFromContext(c)
	if err != nil {
		return Operator{}, err
	}
	claims, _ := claimsFromContext(c)
	op := Operator{
		UserID:   userID,
		TenantID: claimString(claims, claimTenantID),
		Name:     claimString(claims, claimName),
		Teams:    claimStrings(claims, claimTeams),
	}
	if op.TenantID == "" {
		return Operator{}, echo.NewHTTPError(http.StatusUnauthorized, "tenant id missing")
	}
	return op, nil
}

// GenerateToken creates a signed JWT for the operator.
func GenerateToken(op Operator, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(op.UserID) == "" {
		return "", time.Time{}, fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(op.TenantID) == "" {
		return "", time.Time{}, fmt.Errorf("tenant id is required")
	}
	claims := jwt.MapClaims{
		claimSubject:  op.UserID,
		claimUserID:   op.UserID,
		claimTenantID: op.TenantID,
	}
	if op.Name != "" {
		claims[claimName] = op.Name
	}
	if len(op.Teams) > 0 {
		claims[claimTeams] = op.Teams
	}
	return sign(claims, secret, expiresIn)
}

// RefreshTokenFromContext re-issues the caller's token with the same claims
// and the same lifetime it was originally issued with, or defaultDuration when
// that cannot be determined.
func RefreshTokenFromContext(c echo.Context, secret string, defaultDuration time.Duration) (string, time.Time, error) {
	claims, err := claimsFromContext(c)
	if err != nil {
		return "", time.Time{}, err
	}
	lifetime := defaultDuration
	iat, iatErr := claims.GetIssuedAt()
	exp, expErr := claims.GetExpirationTime()
	if iatErr == nil && expErr == nil && iat != nil && exp != nil {
		if d := exp.Sub(iat.Time); d > 0 {
			lifetime = d
		}
	}
	fresh := jwt.MapClaims{}
	for k, v := range claims {
		if k == claimIssued || k == claimExpires {
			continue
		}
		fresh[k] = v
	}
	return sign(fresh, secret, lifetime)
}

func sign(claims jwt.MapClaims, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims[claimIssued] = now.Unix()
	claims[claimExpires] = expiresAt.Unix()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}

func claimStrings(claims jwt.MapClaims, key string) []string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	default:
		return nil
	}
}
