package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/beam-cloud/vmr/pkg/types"
	"github.com/labstack/echo/v4"
)

const apiKeyHeader = "X-Api-Key"

// ClientKey derives the affinity key for a request. It returns "" when affinity is
// disabled or the request carries no usable identity.
func ClientKey(mode types.SessionAffinityMode, header string, c echo.Context) string {
	switch mode {
	case types.SessionAffinitySourceIP:
		return c.RealIP()
	case types.SessionAffinityApiKey:
		key := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		if key == "" {
			key = strings.TrimSpace(c.Request().Header.Get(apiKeyHeader))
		}
		if key == "" {
			return ""
		}
		// Pins never hold raw credentials
		sum := sha256.Sum256([]byte(key))
		return "key:" + hex.EncodeToString(sum[:16])
	case types.SessionAffinityHeader:
		if header == "" {
			return ""
		}
		return strings.TrimSpace(c.Request().Header.Get(header))
	}
	return ""
}

func bearerToken(authorization string) string {
	const prefix = "bearer "
	if len(authorization) <= len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authorization[len(prefix):])
}
