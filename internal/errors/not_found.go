package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AbortWithNotFound sends a 404 Not Found response and aborts the request.
func AbortWithNotFound(c *gin.Context, code, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusNotFound, NewAPIError(code, message, details))
}

// NotFound sends a 404 Not Found response without aborting.
func NotFound(c *gin.Context, code, message string, details map[string]interface{}) {
	c.JSON(http.StatusNotFound, NewAPIError(code, message, details))
}
