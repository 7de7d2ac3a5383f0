package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Harsh-BH/Sentinel/judge/internal/domain"
	"github.com/Harsh-BH/Sentinel/judge/internal/usecase"
)

// JudgeHandler handles synchronous judging requests.
type JudgeHandler struct {
	judgeUC *usecase.JudgeSubmissionUsecase
	logger  *zap.Logger
}

// NewJudgeHandler creates a new JudgeHandler.
func NewJudgeHandler(judgeUC *usecase.JudgeSubmissionUsecase, logger *zap.Logger) *JudgeHandler {
	return &JudgeHandler{
		judgeUC: judgeUC,
		logger:  logger,
	}
}

// Judge handles POST /api/v1/judge
func (h *JudgeHandler) Judge(c *gin.Context) {
	var req domain.JudgeRequest
	if !h.bind(c, &req) {
		return
	}
	h.judge(c, &req)
}

// JudgeLanguage handles POST /judge/:language. The language in the path
// overrides any language in the body.
func (h *JudgeHandler) JudgeLanguage(c *gin.Context) {
	var req domain.JudgeRequest
	if !h.bind(c, &req) {
		return
	}
	req.Language = domain.Language(c.Param("language"))
	h.judge(c, &req)
}

func (h *JudgeHandler) bind(c *gin.Context, req *domain.JudgeRequest) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body: " + err.Error(),
		})
		return false
	}
	return true
}

func (h *JudgeHandler) judge(c *gin.Context, req *domain.JudgeRequest) {
	res, err := h.judgeUC.Execute(c.Request.Context(), req, nil)
	if err != nil {
		status, msg := statusForError(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Judge request failed", zap.Error(err))
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}

	if res.Verdict == domain.VerdictInternalError {
		c.JSON(http.StatusInternalServerError, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// statusForError maps use case errors to an HTTP status and client message.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidLanguage),
		errors.Is(err, domain.ErrEmptySourceCode),
		errors.Is(err, domain.ErrInvalidLimits),
		errors.Is(err, domain.ErrTooManyTestCases):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, domain.ErrSubmissionInFlight):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, err.Error()
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
