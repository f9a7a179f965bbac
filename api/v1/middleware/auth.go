package middleware

import (
	"crypto/subtle"
	"errors"

	"go_rex/internal/auth"
	"go_rex/internal/httpx"
	"go_rex/internal/otp"

	"github.com/gin-gonic/gin"
)

// Context keys set by the middlewares
const (
	KeySubject = "subject"
	KeyRole    = "role"
	KeyTaskID  = "task_id"
)

// AuthRequired validates the operator JWT
func AuthRequired(signer *auth.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			httpx.AbortErr(c, httpx.ErrUnauthorized("missing authorization header"))
			return
		}
		token, ok := auth.BearerToken(header)
		if !ok {
			httpx.AbortErr(c, httpx.ErrUnauthorized("invalid authorization header format"))
			return
		}

		claims, err := signer.Parse(token)
		if err != nil {
			if errors.Is(err, auth.ErrTokenExpired) {
				httpx.AbortErr(c, httpx.ErrTokenExpired(""))
			} else {
				httpx.AbortErr(c, httpx.ErrInvalidToken(""))
			}
			return
		}

		c.Set(KeySubject, claims.Subject)
		c.Set(KeyRole, claims.Role)
		c.Next()
	}
}

// AgentTokenRequired checks the shared agent token. An empty token disables the check.
func AgentTokenRequired(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" {
			c.Next()
			return
		}
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			httpx.AbortErr(c, httpx.ErrUnauthorized("missing agent token"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			httpx.AbortErr(c, httpx.ErrInvalidToken("invalid agent token"))
			return
		}
		c.Next()
	}
}

// TaskTokenRequired checks the callback token of the task named by the route parameter param
func TaskTokenRequired(tokens otp.Manager, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param(param)
		if taskID == "" {
			httpx.AbortErr(c, httpx.ErrParamMissing("task id is required"))
			return
		}
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			httpx.AbortErr(c, httpx.ErrUnauthorized("missing task token"))
			return
		}

		valid, err := tokens.Verify(c.Request.Context(), taskID, token)
		if err != nil {
			httpx.AbortErr(c, httpx.ErrStorageError("", err))
			return
		}
		if !valid {
			httpx.AbortErr(c, httpx.ErrInvalidToken("invalid task token"))
			return
		}

		c.Set(KeyTaskID, taskID)
		c.Next()
	}
}
