package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	pgrepo "github.com/medscribe-io/medscribe/internal/repositories/postgres"
	"github.com/medscribe-io/medscribe/internal/utils"
)

type TranscriptionHandler struct {
	repo pgrepo.TranscriptionRepository
}

func NewTranscriptionHandler(repo pgrepo.TranscriptionRepository) *TranscriptionHandler {
	return &TranscriptionHandler{repo: repo}
}

func (h *TranscriptionHandler) GetBySessionID(c *gin.Context) {
	const op = "TranscriptionHandler.GetBySessionID"

	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	sessionID := c.Param("session_id")
	if sessionID == "" {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "missing session_id", nil))
		return
	}

	row, err := h.repo.GetBySessionID(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			writeError(c, utils.E(utils.CodeNotFound, op, "transcription not found", err))
			return
		}
		writeError(c, utils.E(utils.CodeInternal, op, "failed to load transcription", err))
		return
	}
	if row.UserID != userID {
		writeError(c, utils.E(utils.CodeForbidden, op, "forbidden", nil))
		return
	}

	c.JSON(http.StatusOK, row)
}
