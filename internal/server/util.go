package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"portkeeper/internal/identity"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// queryIdentity reads app/instance query params. On failure it writes the
// error response and returns ok=false.
func queryIdentity(c *gin.Context) (identity.ID, bool) {
	app := c.Query("app")
	if app == "" {
		writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: "app query param required", Code: "invalid_request"})
		return identity.ID{}, false
	}
	id := identity.New(app, c.Query("instance"))
	if err := id.Validate(); err != nil {
		writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_request"})
		return identity.ID{}, false
	}
	return id, true
}

func queryPort(c *gin.Context) (int, bool) {
	s := c.Query("port")
	if s == "" {
		writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: "port query param required", Code: "invalid_request"})
		return 0, false
	}
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: "invalid port " + s, Code: "invalid_request"})
		return 0, false
	}
	return p, true
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
