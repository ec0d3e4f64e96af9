package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxUploadSize bounds database backups and spreadsheets.
const maxUploadSize = 32 << 20

// NewRouter wires the API routes and the static file fallback.
func NewRouter(api *APIHandler, static *StaticHandler, log *zap.SugaredLogger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(log))

	group := router.Group("/api")
	{
		group.GET("/ping", PingHandler)
		group.GET("/dashboard", api.GetDashboard)
		group.GET("/metadata", api.GetMetadata)
		group.PUT("/metadata", api.UpdateMetadata)

		// Class routes
		group.GET("/classes", api.GetAllClasses)
		group.GET("/classes/:classId", api.GetClassByID)
		group.POST("/classes", api.AddClass)
		group.PUT("/classes/:classId", api.UpdateClass)
		group.DELETE("/classes/:classId", api.DeleteClass)
		group.GET("/classes/:classId/students", api.GetStudentsByClass)

		// Student routes
		group.GET("/students", api.GetStudents)
		group.GET("/students/:studentId", api.GetStudentByID)
		group.POST("/students", api.AddStudent)
		group.PUT("/students/:studentId", api.UpdateStudent)
		group.DELETE("/students/:studentId", api.DeleteStudent)

		// Import and export routes
		transfer := group.Group("", BodySizeLimiter(maxUploadSize))
		transfer.POST("/import/database", api.ImportDatabase)
		transfer.POST("/import/students", api.ImportStudents)
		group.GET("/export/database", api.ExportDatabase)
		group.GET("/export/roster.xlsx", api.ExportRosterExcel)

		// Document routes
		group.GET("/documents/declarations", api.GetDeclarationTypes)
		group.GET("/documents/declarations/:type/:studentId", api.GetDeclaration)
		group.GET("/documents/roster", api.GetRoster)
	}

	router.NoRoute(static.Serve)
	return router
}
