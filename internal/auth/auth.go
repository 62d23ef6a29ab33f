// Package auth implements a thin client-auth gate: it only checks that the inbound request
// carries one of the configured static client keys. Issuing, revoking, and auditing client
// credentials is left to an external collaborator; this package never persists or rotates keys.
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Middleware builds a gin.HandlerFunc that accepts a request only if it carries one of
// clientKeys, either as "Authorization: Bearer <key>" or the provider's "x-goog-api-key" header,
// matching the two authentication shapes the upstream contract itself uses. An empty clientKeys
// list disables the gate entirely (every request is admitted); operators who want no gate at
// all shouldn't be forced to configure one.
func Middleware(clientKeys []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(clientKeys))
	for _, k := range clientKeys {
		allowed[k] = struct{}{}
	}

	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}

		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.GetHeader("x-goog-api-key")
		}

		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key is required"})
			return
		}
		if _, ok := allowed[token]; !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}
