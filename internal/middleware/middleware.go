package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aimerfeng/taskhub/internal/config"
	apierrors "github.com/aimerfeng/taskhub/internal/errors"
	"github.com/aimerfeng/taskhub/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Context keys for storing request and user information
const (
	ContextKeyRequestID     = "request_id"
	ContextKeyCorrelationID = "correlation_id"
	ContextKeyUserID        = "user_id"
	ContextKeyRole          = "role"
)

// Claims are the claims of an access token issued by the identity service.
// The subject is the user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWT validation errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// JWTAuthenticator validates bearer tokens
type JWTAuthenticator struct {
	config *config.JWTConfig
	parser *jwt.Parser
}

// NewJWTAuthenticator creates a new JWT authenticator. Tokens must be HMAC
// signed and, when an issuer is configured, carry that issuer.
func NewJWTAuthenticator(cfg *config.JWTConfig) *JWTAuthenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &JWTAuthenticator{
		config: cfg,
		parser: jwt.NewParser(opts...),
	}
}

// JWTAuth validates the bearer token and stores the user in the context
func (j *JWTAuthenticator) JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			RespondWithError(c, apierrors.ErrUnauthorizedError)
			c.Abort()
			return
		}

		claims, err := j.ValidateToken(tokenString)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				RespondWithError(c, apierrors.ErrTokenExpiredError)
			} else {
				RespondWithError(c, apierrors.ErrInvalidCredentialsError)
			}
			c.Abort()
			return
		}

		role := claims.Role
		if role == "" {
			role = string(models.UserRoleUser)
		}
		c.Set(ContextKeyUserID, claims.Subject)
		c.Set(ContextKeyRole, role)

		c.Next()
	}
}

// ValidateToken parses a token and checks that its subject is a user id
func (j *JWTAuthenticator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := j.parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(j.config.Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func extractBearerToken(authHeader string) (string, error) {
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}

// RespondWithError sends the standard error envelope
func RespondWithError(c *gin.Context, err *apierrors.APIError) {
	response := apierrors.NewErrorResponse(
		err,
		GetRequestIDFromContext(c),
		GetCorrelationIDFromContext(c),
		c.Request.URL.Path,
		c.Request.Method,
	)
	c.JSON(err.HTTPStatus, response)
}

// RequireRole allows the request only for the given roles. Must run after JWTAuth.
func RequireRole(allowedRoles ...models.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := GetRoleFromContext(c)
		for _, allowed := range allowedRoles {
			if role == allowed {
				c.Next()
				return
			}
		}

		RespondWithError(c, &apierrors.APIError{
			Code:       apierrors.ErrForbidden,
			Message:    fmt.Sprintf("Access denied. Required role: %v", allowedRoles),
			HTTPStatus: http.StatusForbidden,
		})
		c.Abort()
	}
}

// RequireAdmin requires the admin role
func RequireAdmin() gin.HandlerFunc {
	return RequireRole(models.UserRoleAdmin)
}

// GetUserIDFromContext returns the authenticated user id
func GetUserIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.GetString(ContextKeyUserID))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// GetRoleFromContext returns the authenticated user's role
func GetRoleFromContext(c *gin.Context) models.UserRole {
	return models.UserRole(c.GetString(ContextKeyRole))
}

// RequestID adds a unique request ID to each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// CorrelationID propagates the upstream correlation ID, falling back to the request ID
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = c.GetString(ContextKeyRequestID)
			if correlationID == "" {
				correlationID = uuid.New().String()
			}
		}
		c.Set(ContextKeyCorrelationID, correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// GetCorrelationIDFromContext returns the correlation ID, or ""
func GetCorrelationIDFromContext(c *gin.Context) string {
	return c.GetString(ContextKeyCorrelationID)
}

// GetRequestIDFromContext returns the request ID, or ""
func GetRequestIDFromContext(c *gin.Context) string {
	return c.GetString(ContextKeyRequestID)
}

// CORS configures CORS headers
func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowed := false
		for _, o := range allowedOrigins {
			if o == origin || o == "*" {
				allowed = true
				break
			}
		}

		if allowed && origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, X-Correlation-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-Correlation-ID")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Max-Age", "43200") // 12 hours
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
