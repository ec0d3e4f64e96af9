package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"school-records-server/models"
	"school-records-server/records"
	"school-records-server/render"
	"school-records-server/spreadsheet"
)

const (
	contentTypeHTML = "text/html; charset=utf-8"
	contentTypeJSON = "application/json; charset=utf-8"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// APIHandler holds the dependencies for API handlers
type APIHandler struct {
	Records   *records.Service
	Documents *render.Documents
	log       *zap.SugaredLogger
}

// NewAPIHandler creates a new APIHandler
func NewAPIHandler(service *records.Service, documents *render.Documents, log *zap.SugaredLogger) *APIHandler {
	return &APIHandler{
		Records:   service,
		Documents: documents,
		log:       log,
	}
}

// respondError maps service errors to status codes. Anything unexpected is
// logged and reported as a failure to perform action.
func (h *APIHandler) respondError(c *gin.Context, err error, action string) {
	var inUse *records.ClassInUseError
	switch {
	case errors.As(err, &inUse):
		c.JSON(http.StatusConflict, gin.H{
			"error":    fmt.Sprintf("Não é possível remover a turma: %d aluno(s) vinculado(s)", inUse.Students),
			"students": inUse.Students,
		})
	case errors.Is(err, records.ErrStudentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Student not found"})
	case errors.Is(err, records.ErrClassNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Class not found"})
	case errors.Is(err, render.ErrUnknownDeclaration):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, records.ErrInvalidClass),
		errors.Is(err, records.ErrInvalidStudent),
		errors.Is(err, records.ErrInvalidImport):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.Errorw("Request failed", "action", action, "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + action})
	}
}

// --- Dashboard and metadata ---

// GetDashboard handles GET /api/dashboard
func (h *APIHandler) GetDashboard(c *gin.Context) {
	c.JSON(http.StatusOK, h.Records.Dashboard())
}

// GetMetadata handles GET /api/metadata
func (h *APIHandler) GetMetadata(c *gin.Context) {
	c.JSON(http.StatusOK, h.Records.Metadata())
}

// UpdateMetadata handles PUT /api/metadata
func (h *APIHandler) UpdateMetadata(c *gin.Context) {
	var meta models.Metadata
	if err := c.ShouldBindJSON(&meta); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	updated, err := h.Records.UpdateMetadata(c.Request.Context(), meta)
	if err != nil {
		h.respondError(c, err, "update metadata")
		return
	}
	c.JSON(http.StatusOK, updated)
}

// --- Class Handlers ---

// GetAllClasses handles GET /api/classes
func (h *APIHandler) GetAllClasses(c *gin.Context) {
	c.JSON(http.StatusOK, h.Records.ListClasses())
}

// GetClassByID handles GET /api/classes/:classId
func (h *APIHandler) GetClassByID(c *gin.Context) {
	clazz, err := h.Records.GetClass(c.Param("classId"))
	if err != nil {
		h.respondError(c, err, "retrieve class details")
		return
	}
	c.JSON(http.StatusOK, clazz)
}

// AddClass handles POST /api/classes
func (h *APIHandler) AddClass(c *gin.Context) {
	var newClass models.ClassGroup
	if err := c.ShouldBindJSON(&newClass); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	newClass.ID = "" // ids are always assigned here

	saved, err := h.Records.SaveClass(c.Request.Context(), newClass)
	if err != nil {
		h.respondError(c, err, "add class")
		return
	}
	c.JSON(http.StatusCreated, saved)
}

// UpdateClass handles PUT /api/classes/:classId
func (h *APIHandler) UpdateClass(c *gin.Context) {
	var clazz models.ClassGroup
	if err := c.ShouldBindJSON(&clazz); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	clazz.ID = c.Param("classId")

	saved, err := h.Records.SaveClass(c.Request.Context(), clazz)
	if err != nil {
		h.respondError(c, err, "update class")
		return
	}
	c.JSON(http.StatusOK, saved)
}

// DeleteClass handles DELETE /api/classes/:classId
func (h *APIHandler) DeleteClass(c *gin.Context) {
	if err := h.Records.DeleteClass(c.Request.Context(), c.Param("classId")); err != nil {
		h.respondError(c, err, "delete class")
		return
	}
	c.Status(http.StatusNoContent)
}

// GetStudentsByClass handles GET /api/classes/:classId/students
func (h *APIHandler) GetStudentsByClass(c *gin.Context) {
	students, err := h.Records.StudentsByClass(c.Param("classId"))
	if err != nil {
		h.respondError(c, err, "retrieve students for the class")
		return
	}
	c.JSON(http.StatusOK, students)
}

// --- Student Handlers ---

// GetStudents handles GET /api/students?q=&grouped=1
func (h *APIHandler) GetStudents(c *gin.Context) {
	students := h.Records.ListStudents(c.Query("q"))
	if grouped := c.Query("grouped"); grouped == "1" || grouped == "true" {
		c.JSON(http.StatusOK, h.Records.GroupStudents(students))
		return
	}
	c.JSON(http.StatusOK, students)
}

// GetStudentByID handles GET /api/students/:studentId
func (h *APIHandler) GetStudentByID(c *gin.Context) {
	student, err := h.Records.GetStudent(c.Param("studentId"))
	if err != nil {
		h.respondError(c, err, "retrieve student")
		return
	}
	c.JSON(http.StatusOK, student)
}

// AddStudent handles POST /api/students
func (h *APIHandler) AddStudent(c *gin.Context) {
	var student models.StudentRecord
	if err := c.ShouldBindJSON(&student); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	student.ID = ""

	saved, err := h.Records.AddStudent(c.Request.Context(), student)
	if err != nil {
		h.respondStudentError(c, err, "add student")
		return
	}
	c.JSON(http.StatusCreated, saved)
}

// UpdateStudent handles PUT /api/students/:studentId
func (h *APIHandler) UpdateStudent(c *gin.Context) {
	var student models.StudentRecord
	if err := c.ShouldBindJSON(&student); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	saved, err := h.Records.UpdateStudent(c.Request.Context(), c.Param("studentId"), student)
	if err != nil {
		h.respondStudentError(c, err, "update student")
		return
	}
	c.JSON(http.StatusOK, saved)
}

// respondStudentError reports an unknown class in the body as a bad request
// rather than a missing resource.
func (h *APIHandler) respondStudentError(c *gin.Context, err error, action string) {
	if errors.Is(err, records.ErrClassNotFound) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.respondError(c, err, action)
}

// DeleteStudent handles DELETE /api/students/:studentId
func (h *APIHandler) DeleteStudent(c *gin.Context) {
	if err := h.Records.DeleteStudent(c.Request.Context(), c.Param("studentId")); err != nil {
		h.respondError(c, err, "delete student")
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Import / Export Handlers ---

// ImportDatabase handles POST /api/import/database. The backup is either the
// request body or a multipart "file" field.
func (h *APIHandler) ImportDatabase(c *gin.Context) {
	var data []byte
	var err error
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		data, err = readFormFile(c, "file")
	} else {
		data, err = c.GetRawData()
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Error retrieving uploaded file: " + err.Error()})
		return
	}

	report, err := h.Records.Import(c.Request.Context(), data)
	if err != nil {
		h.respondError(c, err, "import database")
		return
	}

	resp := gin.H{
		"message":  "Import successful",
		"students": len(h.Records.ListStudents("")),
		"report":   report,
	}
	if report.Changed() {
		resp["notice"] = records.UpgradeNotice
	}
	c.JSON(http.StatusOK, resp)
}

func readFormFile(c *gin.Context, field string) ([]byte, error) {
	file, header, err := c.Request.FormFile(field)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", header.Filename, err)
	}
	return data, nil
}

// ExportDatabase handles GET /api/export/database
func (h *APIHandler) ExportDatabase(c *gin.Context) {
	data, filename, err := h.Records.Export()
	if err != nil {
		h.respondError(c, err, "export database")
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, contentTypeJSON, data)
}

// ImportStudents handles POST /api/import/students
func (h *APIHandler) ImportStudents(c *gin.Context) {
	classID := c.PostForm("classId")
	if classID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing 'classId' in form data"})
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Error retrieving uploaded file: " + err.Error()})
		return
	}
	defer file.Close()

	h.log.Infow("Received student spreadsheet", "file", header.Filename, "classId", classID)

	importedCount, skipped, err := h.Records.ImportStudentsFromExcel(c.Request.Context(), file, classID)
	if err != nil {
		if errors.Is(err, records.ErrClassNotFound) {
			h.respondError(c, err, "import students")
			return
		}
		h.log.Warnw("Student import failed", "file", header.Filename, "classId", classID, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to import students: " + err.Error()})
		return
	}

	if skipped == nil {
		skipped = []int{}
	}
	c.JSON(http.StatusOK, gin.H{
		"message":       "Import successful",
		"importedCount": importedCount,
		"skippedRows":   skipped,
		"classId":       classID,
	})
}

// --- Document Handlers ---

// GetDeclarationTypes handles GET /api/documents/declarations
func (h *APIHandler) GetDeclarationTypes(c *gin.Context) {
	c.JSON(http.StatusOK, render.DeclarationTypes())
}

// GetDeclaration handles GET /api/documents/declarations/:type/:studentId
func (h *APIHandler) GetDeclaration(c *gin.Context) {
	student, err := h.Records.GetStudent(c.Param("studentId"))
	if err != nil {
		h.respondError(c, err, "retrieve student")
		return
	}
	kind := render.DeclarationKind(c.Param("type"))
	page, err := h.Documents.Declaration(kind, h.Records.Snapshot(), student)
	if err != nil {
		h.respondError(c, err, "render declaration")
		return
	}
	c.Data(http.StatusOK, contentTypeHTML, page)
}

// GetRoster handles GET /api/documents/roster
func (h *APIHandler) GetRoster(c *gin.Context) {
	page, err := render.RosterHTML(h.Records.Roster())
	if err != nil {
		h.respondError(c, err, "render roster")
		return
	}
	c.Data(http.StatusOK, contentTypeHTML, page)
}

// ExportRosterExcel handles GET /api/export/roster.xlsx
func (h *APIHandler) ExportRosterExcel(c *gin.Context) {
	var buf bytes.Buffer
	if err := spreadsheet.WriteRoster(&buf, h.Records.Roster()); err != nil {
		h.respondError(c, err, "export roster")
		return
	}
	c.Header("Content-Disposition", `attachment; filename="lista_alunos.xlsx"`)
	c.Data(http.StatusOK, contentTypeXLSX, buf.Bytes())
}

// --- Ping Handler ---

// PingHandler handles GET /api/ping
func PingHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Pong!"})
}
