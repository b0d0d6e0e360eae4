package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/events"
)

func TestSanitizeBase(t *testing.T) {
	for in, want := range map[string]string{
		"":         "",
		"/":        "",
		"//":       "",
		"v1":       "/v1",
		"/v1/":     "/v1",
		" /dgx/v1": "/dgx/v1",
	} {
		assert.Equal(t, want, sanitizeBase(in), "sanitizeBase(%q)", in)
	}
}

func TestIsSafeID(t *testing.T) {
	tests := []struct {
		id   string
		safe bool
	}{
		{"dgx-1", true},
		{"node.local_2", true},
		{"6f1c2a0e-6b6e-4c1e-9a53-2d7c1f0b8e11", true},
		{strings.Repeat("a", maxIDLen), true},
		{"", false},
		{"..", false},
		{"x..y", false},
		{"a/b", false},
		{`a\b`, false},
		{"op?x=1", false},
		{"gpu노드", false},
		{strings.Repeat("a", maxIDLen+1), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.safe, isSafeID(tt.id), "isSafeID(%q)", tt.id)
	}
}

func TestMatchEvent(t *testing.T) {
	e := events.Event{Type: events.TypeStopped, ConnectionID: "dgx-1"}
	assert.True(t, matchEvent(e, "", ""))
	assert.True(t, matchEvent(e, "dgx-1", string(events.TypeStopped)))
	assert.False(t, matchEvent(e, "dgx-2", ""))
	assert.False(t, matchEvent(e, "", string(events.TypeLaunched)))
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, http.StatusCreated, gin.H{"pid": 42}) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"pid":42}`, rec.Body.String())
}

func TestStatusForUnknownError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(http.ErrHandlerTimeout))
}
