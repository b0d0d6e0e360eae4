package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// MountEcho attaches h to e under base so embedders built on echo can serve
// the API next to their own routes. h is normally Router.Handler() built
// with the same base.
func MountEcho(e *echo.Echo, h http.Handler, base string) {
	bp := sanitizeBase(base)
	wrapped := echo.WrapHandler(h)
	if bp == "" {
		e.Any("/*", wrapped)
		return
	}
	e.Any(bp, wrapped)
	e.Any(bp+"/*", wrapped)
}
