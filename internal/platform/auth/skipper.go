package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass REST authentication. /ws is listed because the
// websocket handshake runs through the Identity Gate instead.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
	"/ws":        true,
}

// AuthSkipper reports whether the matched route skips JWTMiddleware.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}
