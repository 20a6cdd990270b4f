package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterHealthRoutes registers liveness endpoints. describe, when set,
// adds a status line such as the cache retention policy.
func RegisterHealthRoutes(r *gin.Engine, describe func() string) {
	handler := func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if describe != nil {
			body["cache"] = describe()
		}
		c.JSON(http.StatusOK, body)
	}
	r.GET("/", handler)
	r.GET("/health", handler)
}
