package security

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

type KeycloakClaims struct {
	Azp               string `json:"azp"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
	jwt.RegisteredClaims
}

// UserID is the Keycloak subject parsed as a UUID.
func (c *KeycloakClaims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// PrimaryRole picks the platform role out of the realm roles. Admin wins over
// instructor, instructor over student; accounts without any platform role
// default to student.
func (c *KeycloakClaims) PrimaryRole() string {
	role := "student"
	for _, r := range c.RealmAccess.Roles {
		switch r {
		case "admin":
			return "admin"
		case "instructor":
			role = "instructor"
		}
	}
	return role
}

// Verifier validates bearer tokens against the Keycloak JWKS. It backs both
// the REST middleware and the websocket handshake.
type Verifier struct {
	jwks     *keyfunc.JWKS
	clientID string
}

func NewVerifier(jwksURL, clientID string) (*Verifier, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:  time.Hour,
		RefreshTimeout:   10 * time.Second,
		RefreshRateLimit: time.Minute * 5,
		RefreshErrorHandler: func(err error) {
			log.Printf("Error refreshing JWKS: %v", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS client: %w", err)
	}
	return &Verifier{jwks: jwks, clientID: clientID}, nil
}

// VerifyToken parses and validates a raw bearer token.
func (v *Verifier) VerifyToken(tokenString string) (*KeycloakClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &KeycloakClaims{}, v.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*KeycloakClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if claims.Azp != v.clientID {
		return nil, fmt.Errorf("%w: wrong audience", ErrInvalidToken)
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	return claims, nil
}

// AuthMiddleware creates a Gin middleware for JWT validation against Keycloak
func (v *Verifier) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			c.Abort()
			return
		}

		claims, err := v.VerifyToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": fmt.Sprintf("Invalid token: %v", err)})
			c.Abort()
			return
		}

		userID, err := claims.UserID()
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Token subject is not a valid user id"})
			c.Abort()
			return
		}

		// Store identity in context for later use
		c.Set("user_id", userID)
		c.Set("user", claims.PreferredUsername)
		c.Set("role", claims.PrimaryRole())
		c.Set("claims", claims)

		c.Next()
	}
}
