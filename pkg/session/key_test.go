package session

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/beam-cloud/vmr/pkg/types"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func newContext(headers map[string]string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1.0/api/vmr_1/api/chat", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return e.NewContext(req, httptest.NewRecorder())
}

func TestClientKey(t *testing.T) {
	c := newContext(map[string]string{
		"Authorization": "Bearer sk-123",
		"X-Session-Id":  "abc",
	})

	assert.Equal(t, "", ClientKey(types.SessionAffinityNone, "", c))
	assert.Equal(t, "10.0.0.7", ClientKey(types.SessionAffinitySourceIP, "", c))
	assert.Equal(t, "abc", ClientKey(types.SessionAffinityHeader, "X-Session-Id", c))
	assert.Equal(t, "", ClientKey(types.SessionAffinityHeader, "", c))
	assert.Equal(t, "", ClientKey(types.SessionAffinityHeader, "X-Missing", c))

	key := ClientKey(types.SessionAffinityApiKey, "", c)
	assert.NotEmpty(t, key)
	assert.NotContains(t, key, "sk-123")
}

func TestClientKeyApiKeySources(t *testing.T) {
	bearer := ClientKey(types.SessionAffinityApiKey, "", newContext(map[string]string{"Authorization": "Bearer sk-1"}))
	header := ClientKey(types.SessionAffinityApiKey, "", newContext(map[string]string{"X-Api-Key": "sk-1"}))
	other := ClientKey(types.SessionAffinityApiKey, "", newContext(map[string]string{"X-Api-Key": "sk-2"}))
	none := ClientKey(types.SessionAffinityApiKey, "", newContext(nil))

	assert.Equal(t, bearer, header)
	assert.NotEqual(t, bearer, other)
	assert.Empty(t, none)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer abc"))
	assert.Equal(t, "", bearerToken("Basic abc"))
	assert.Equal(t, "", bearerToken("Bearer "))
	assert.Equal(t, "", bearerToken(""))
}
