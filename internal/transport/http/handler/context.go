package handler

import (
	"github.com/gin-gonic/gin"

	"docchat/internal/app"
	"docchat/internal/transport/http/middleware"
)

func getUserIDFromContext(c *gin.Context) (uint, bool) {
	userIDAny, exists := c.Get(middleware.ContextUserIDKey)
	if !exists {
		return 0, false
	}
	userID, ok := userIDAny.(uint)
	return userID, ok && userID != 0
}

func getOwnerFromContext(c *gin.Context) (app.Owner, bool) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return app.Owner{}, false
	}
	return app.Owner{
		ID:        userID,
		Email:     c.GetString(middleware.ContextEmailKey),
		FirstName: c.GetString(middleware.ContextFirstNameKey),
		LastName:  c.GetString(middleware.ContextLastNameKey),
	}, true
}
