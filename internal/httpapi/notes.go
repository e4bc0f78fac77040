package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/caredesk/telemed/internal/store"
)

type consultationNoteRequest struct {
	RoomID     string `json:"roomId" binding:"required"`
	Transcript string `json:"transcript" binding:"required"`
	Fallback   bool   `json:"fallback"`
}

// saveConsultationNote files a transcript against a room.
func (s *Server) saveConsultationNote(c *gin.Context) {
	var req consultationNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	note := &store.ConsultationNote{
		RoomID:     req.RoomID,
		Transcript: req.Transcript,
		Fallback:   req.Fallback,
	}
	if err := s.metadata.SaveConsultationNote(c.Request.Context(), note); err != nil {
		s.logger.Error("consultation note save failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save consultation note"})
		return
	}

	s.logger.Info("consultation note saved",
		zap.String("roomId", req.RoomID),
		zap.Bool("fallback", req.Fallback))
	c.JSON(http.StatusCreated, gin.H{"noteId": note.ID})
}

type medicalNoteRequest struct {
	RoomID  string `json:"roomId" binding:"required"`
	Summary string `json:"summary" binding:"required"`
}

// saveMedicalNote files a clinical summary against a room.
func (s *Server) saveMedicalNote(c *gin.Context) {
	var req medicalNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	note := &store.MedicalNote{
		RoomID:  req.RoomID,
		Summary: req.Summary,
	}
	if err := s.metadata.SaveMedicalNote(c.Request.Context(), note); err != nil {
		s.logger.Error("medical note save failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save medical note"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"noteId": note.ID})
}
