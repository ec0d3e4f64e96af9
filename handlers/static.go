package handlers

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const notFoundPage = "<h1>404 Not Found</h1><p>O recurso solicitado não foi encontrado.</p>"

var mimeTypes = map[string]string{
	".html": "text/html",
	".js":   "text/javascript",
	".css":  "text/css",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
}

// StaticHandler serves the front-end files for every route the API does not own.
type StaticHandler struct {
	root string
	log  *zap.SugaredLogger
}

// NewStaticHandler serves files below root.
func NewStaticHandler(root string, log *zap.SugaredLogger) *StaticHandler {
	return &StaticHandler{root: root, log: log}
}

// Serve is registered as the router's NoRoute handler.
func (h *StaticHandler) Serve(c *gin.Context) {
	urlPath := c.Request.URL.Path
	if strings.HasPrefix(urlPath, "/api/") {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}
	if urlPath == "/" {
		urlPath = "/index.html"
	}

	// Clean against "/" so ".." can never climb above the root.
	name := filepath.Join(h.root, filepath.FromSlash(path.Clean("/"+urlPath)))
	content, err := os.ReadFile(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.Data(http.StatusNotFound, "text/html; charset=utf-8", []byte(notFoundPage))
			return
		}
		h.log.Errorw("Failed to read static file", "path", urlPath, "error", err)
		c.Data(http.StatusInternalServerError, "text/plain; charset=utf-8", []byte("Erro do Servidor"))
		return
	}

	contentType, ok := mimeTypes[strings.ToLower(filepath.Ext(name))]
	if !ok {
		contentType = mimetype.Detect(content).String()
	}
	c.Data(http.StatusOK, contentType, content)
}
