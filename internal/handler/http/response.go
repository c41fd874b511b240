package http

import "github.com/gin-gonic/gin"

func ErrorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"success": false, "error": message})
}

// SuccessResponse 在响应体中补上 success: true
func SuccessResponse(c *gin.Context, code int, data gin.H) {
	data["success"] = true
	c.JSON(code, data)
}
