package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Fuzztrack/prout-app-sub000/service"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateToken(t *testing.T) {
	InitAuth("unit-secret")
	id := uuid.New()

	token, err := IssueToken(id, time.Hour)
	require.NoError(t, err)
	got, err := ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	// 过期
	expired, err := IssueToken(id, -time.Minute)
	require.NoError(t, err)
	_, err = ValidateToken(expired)
	assert.Error(t, err)

	// 其他密钥签名
	InitAuth("other-secret")
	_, err = ValidateToken(token)
	assert.Error(t, err)
	InitAuth("unit-secret")

	// 没有 user_id
	empty, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{}).SignedString([]byte("unit-secret"))
	require.NoError(t, err)
	_, err = ValidateToken(empty)
	assert.Error(t, err, "user_id 为空的令牌无效")
}

// TestAuthMiddleware header 和 ?token= 两种方式
func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	InitAuth("unit-secret")
	id := uuid.New()
	token, err := IssueToken(id, time.Hour)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/me", AuthMiddleware(), func(c *gin.Context) {
		userID, _ := GetUserID(c)
		c.String(http.StatusOK, userID.String()+" "+GetAccessToken(c))
	})

	cases := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{"bearer", "Bearer " + token, "", http.StatusOK},
		{"query", "", "?token=" + token, http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, "", http.StatusUnauthorized},
		{"garbage", "Bearer abc", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, id.String()+" "+token, w.Body.String())
			}
		})
	}
}

// TestErrorHandler 领域错误和 panic 的映射
func TestErrorHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ErrorHandlerMiddleware())
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	r.GET("/notfound", func(c *gin.Context) { c.Error(service.ErrNotFound) })
	r.GET("/closed", func(c *gin.Context) { c.Error(service.ErrSessionClosed) })
	r.GET("/gateway", func(c *gin.Context) { c.Error(&service.GatewayError{Status: 500, Message: "down"}) })
	r.GET("/other", func(c *gin.Context) { c.Error(errors.New("disk full")) })

	cases := map[string]int{
		"/panic":    http.StatusInternalServerError,
		"/notfound": http.StatusNotFound,
		"/closed":   http.StatusUnauthorized,
		"/gateway":  http.StatusBadGateway,
		"/other":    http.StatusInternalServerError,
	}
	for path, status := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, status, w.Code, path)
	}
}
