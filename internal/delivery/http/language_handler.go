package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Harsh-BH/Sentinel/judge/internal/domain"
	"github.com/Harsh-BH/Sentinel/judge/internal/languages"
)

// LanguageHandler handles language listing requests.
type LanguageHandler struct {
	registry *languages.Registry
}

// NewLanguageHandler creates a new LanguageHandler.
func NewLanguageHandler(registry *languages.Registry) *LanguageHandler {
	return &LanguageHandler{registry: registry}
}

// List handles GET /api/v1/languages
func (h *LanguageHandler) List(c *gin.Context) {
	profiles := h.registry.List()
	infos := make([]domain.LanguageInfo, 0, len(profiles))
	for _, p := range profiles {
		infos = append(infos, p.Info())
	}

	c.JSON(http.StatusOK, gin.H{
		"languages": infos,
	})
}
