package filter

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/TriadSpectraMotion/proxy/internal/authn"
)

// GinResultKey is the gin context key holding the authn.Result.
const GinResultKey = "authn.result"

// GinMiddleware returns gin middleware enforcing the policy of f.
func GinMiddleware(f *Filter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := withRequestID(c.Request, c.Writer)

		d := f.authenticate(ctx, f.requestFromHTTP(c.Request))
		if !d.ok {
			if ctx.Err() != nil {
				c.Abort()
				return
			}
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: d.message})
			return
		}

		ApplyIdentityHeaders(c.Request.Header, d.result)
		c.Request = c.Request.WithContext(ContextWithResult(ctx, d.result))
		c.Set(GinResultKey, d.result)
		c.Next()
	}
}

// GinResult returns the authentication result stored by GinMiddleware.
func GinResult(c *gin.Context) (authn.Result, bool) {
	v, ok := c.Get(GinResultKey)
	if !ok {
		return authn.Result{}, false
	}
	res, ok := v.(authn.Result)
	return res, ok
}
