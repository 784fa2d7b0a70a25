package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AbortWithGone sends a 410 Gone response and aborts the request.
func AbortWithGone(c *gin.Context, code, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusGone, NewAPIError(code, message, details))
}

// Gone sends a 410 Gone response without aborting.
func Gone(c *gin.Context, code, message string, details map[string]interface{}) {
	c.JSON(http.StatusGone, NewAPIError(code, message, details))
}
