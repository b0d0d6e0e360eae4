package server

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

const maxIDLen = 128

var idChars = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// sanitizeBase turns a configured mount prefix into "" or "/seg[/seg...]".
func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// isSafeID accepts connection and operation ids taken from the path: at
// most maxIDLen of [A-Za-z0-9._-], never containing "..".
func isSafeID(s string) bool {
	return len(s) <= maxIDLen && !strings.Contains(s, "..") && idChars.MatchString(s)
}

// writeJSON answers with a JSON body. Handlers use it instead of c.JSON so
// clients see a plain application/json content type.
func writeJSON(c *gin.Context, code int, v any) {
	c.Render(code, jsonRender{v})
}

type jsonRender struct{ v any }

func (r jsonRender) Render(w http.ResponseWriter) error {
	r.WriteContentType(w)
	return json.NewEncoder(w).Encode(r.v)
}

func (jsonRender) WriteContentType(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
}
