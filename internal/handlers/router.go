package handlers

import "github.com/gin-gonic/gin"

// SetupRoutes attaches the broker's routes. The SSE route verifies
// credentials itself so a failed check yields a denied frame on an open
// stream instead of a 401.
func SetupRoutes(router *gin.Engine) {
	router.POST("/users", CreateUser)
	router.POST("/login", Login)

	protected := router.Group("/")
	protected.Use(AuthMiddleware())
	{
		protected.POST("/insert", Insert)
		protected.GET("/cancel/:event_id", Cancel)
		protected.GET("/collections/:collection_id", GetCollection)
		protected.GET("/user_events", GetUserEvents)
	}

	router.GET("/events/:tenant_id", StreamEvents)
}
