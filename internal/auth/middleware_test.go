package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func setupRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	chain := append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"caller": Caller(c)})
	})
	r.GET("/test", chain...)
	return r
}

func do(r *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_NormalizesCaller(t *testing.T) {
	r := setupRouter()

	w := do(r, map[string]string{HeaderCaller: "  0xABCDEF1234567890ABCDEF1234567890ABCDEF12 "})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"caller":"0xabcdef1234567890abcdef1234567890abcdef12"`)
}

func TestMiddleware_IgnoresMalformedCaller(t *testing.T) {
	r := setupRouter()

	w := do(r, map[string]string{HeaderCaller: "0xnot-an-address"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"caller":""`)
}

func TestRequireCaller(t *testing.T) {
	r := setupRouter(RequireCaller())

	w := do(r, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, map[string]string{HeaderCaller: "0x1234567890123456789012345678901234567890"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		given  string
		want   int
	}{
		{"disabled", "", "anything", http.StatusNotFound},
		{"missing header", "s3cret", "", http.StatusForbidden},
		{"wrong secret", "s3cret", "nope", http.StatusForbidden},
		{"correct secret", "s3cret", "s3cret", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := setupRouter(RequireAdmin(tc.secret))
			headers := map[string]string{}
			if tc.given != "" {
				headers[HeaderAdminSecret] = tc.given
			}
			assert.Equal(t, tc.want, do(r, headers).Code)
		})
	}
}
