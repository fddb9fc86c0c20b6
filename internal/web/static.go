package web

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
)

// dashboard serves the single-page dashboard from the static directory.
func (s *Server) dashboard(c *gin.Context) {
	path := filepath.Join(s.staticDir, "dashboard.html")
	if _, err := os.Stat(path); err != nil {
		renderError(c, http.StatusNotFound, "not_found", "Dashboard file not found.")
		return
	}
	c.File(path)
}
