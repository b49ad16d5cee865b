package api

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/webportal/mailqueue/pkg/apiresponses"
	"github.com/webportal/mailqueue/pkg/system"
)

const (
	AuthHeaderKey           = "Authorization"
	DispatchSecretHeaderKey = "X-Dispatch-Secret"
)

// AdminAuth verifies HS256 bearer tokens issued by the portal and requires the
// admin role, either as the "role" claim or as an entry of "roles".
type AdminAuth struct {
	key  []byte
	role string
	log  *zap.SugaredLogger
}

func NewAdminAuth(signingKey, role string, log *zap.SugaredLogger) *AdminAuth {
	return &AdminAuth{key: []byte(signingKey), role: role, log: log.Named("auth")}
}

func (a *AdminAuth) Middleware() gin.HandlerFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	keyFunc := func(*jwt.Token) (interface{}, error) { return a.key, nil }

	return func(c *gin.Context) {
		if len(a.key) == 0 {
			apiresponses.RespondServiceUnavailable(c, "admin authentication")
			c.Abort()
			return
		}

		authHeader := c.GetHeader(AuthHeaderKey)
		// delete the header to avoid logging it by accident
		c.Request.Header.Del(AuthHeaderKey)
		if !strings.HasPrefix(authHeader, "Bearer ") {
			apiresponses.RespondUnauthorizedWithMessage(c, "no bearer token provided in Authorization header")
			c.Abort()
			return
		}

		claims := jwt.MapClaims{}
		if _, err := parser.ParseWithClaims(authHeader[len("Bearer "):], claims, keyFunc); err != nil {
			a.log.Debugw("Rejected admin token", "error", err)
			apiresponses.RespondUnauthorizedWithMessage(c, "invalid token")
			c.Abort()
			return
		}

		subject, _ := claims["sub"].(string)
		if !hasRole(claims, a.role) {
			a.log.Infow("Token without admin role", "sub", subject)
			apiresponses.RespondForbidden(c, fmt.Sprintf("role %q required", a.role))
			c.Abort()
			return
		}

		c.Set("subject", subject)
		reqLog := system.GetReqLogger(c, a.log).With("subject", subject)
		if email, ok := claims["email"].(string); ok && email != "" {
			c.Set("email", email)
		}
		c.Set(system.ReqLoggerKey, system.EnrichReqLoggerWithAuth(c, reqLog))
		c.Next()
	}
}

func hasRole(claims jwt.MapClaims, role string) bool {
	if r, ok := claims["role"].(string); ok && r == role {
		return true
	}
	switch roles := claims["roles"].(type) {
	case []interface{}:
		for _, v := range roles {
			if s, ok := v.(string); ok && s == role {
				return true
			}
		}
	case []string:
		for _, s := range roles {
			if s == role {
				return true
			}
		}
	}
	return false
}

// requireDispatchSecret guards the trigger endpoint. An empty secret disables
// the endpoint.
func requireDispatchSecret(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		if len(want) == 0 {
			apiresponses.RespondForbidden(c, "dispatch trigger is not configured")
			c.Abort()
			return
		}
		got := []byte(c.GetHeader(DispatchSecretHeaderKey))
		c.Request.Header.Del(DispatchSecretHeaderKey)
		if subtle.ConstantTimeCompare(got, want) != 1 {
			apiresponses.RespondUnauthorizedWithMessage(c, "invalid dispatch secret")
			c.Abort()
			return
		}
		c.Next()
	}
}
