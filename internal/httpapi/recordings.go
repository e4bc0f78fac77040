package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caredesk/telemed/internal/store"
)

const maxRecordingBytes = 512 << 20 // 512 MiB

// uploadRecording accepts the assembled recording as multipart form data,
// writes the blob to object storage and files the metadata row.
func (s *Server) uploadRecording(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(maxRecordingBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid multipart body"})
		return
	}

	file, _, err := c.Request.FormFile("recording")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing recording file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxRecordingBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read recording"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Recording is empty"})
		return
	}

	roomID := c.PostForm("roomId")
	mimeType := c.PostForm("mimeType")
	if roomID == "" || mimeType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId and mimeType are required"})
		return
	}

	startedAt := time.Now()
	if v := c.PostForm("startedAt"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			startedAt = t
		}
	}
	durationMS, _ := strconv.ParseInt(c.PostForm("durationMs"), 10, 64)

	key := fmt.Sprintf("recordings/%s/%s%s", roomID, uuid.New().String(), extensionFor(mimeType))
	if err := s.blobs.Put(c.Request.Context(), key, data, mimeType); err != nil {
		s.logger.Error("recording upload to object storage failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store recording"})
		return
	}

	rec := &store.Recording{
		RoomID:     roomID,
		ObjectKey:  key,
		MimeType:   mimeType,
		Status:     "stopped",
		StartedAt:  startedAt,
		DurationMS: durationMS,
		SizeBytes:  int64(len(data)),
	}
	if err := s.metadata.SaveRecording(c.Request.Context(), rec); err != nil {
		s.logger.Error("recording metadata save failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save recording metadata"})
		return
	}

	s.logger.Info("recording persisted",
		zap.String("recordingId", rec.ID),
		zap.String("roomId", roomID),
		zap.Int("bytes", len(data)))
	c.JSON(http.StatusCreated, gin.H{
		"recordingId": rec.ID,
		"objectKey":   key,
	})
}

// getRecording returns metadata plus a presigned download link.
func (s *Server) getRecording(c *gin.Context) {
	rec, err := s.metadata.GetRecording(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Recording not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load recording"})
		return
	}

	resp := gin.H{
		"recordingId": rec.ID,
		"roomId":      rec.RoomID,
		"mimeType":    rec.MimeType,
		"status":      rec.Status,
		"startedAt":   rec.StartedAt,
		"durationMs":  rec.DurationMS,
		"sizeBytes":   rec.SizeBytes,
	}
	if u, err := s.blobs.PresignedGetURL(c.Request.Context(), rec.ObjectKey, time.Hour); err == nil {
		resp["downloadUrl"] = u.String()
	}
	c.JSON(http.StatusOK, resp)
}

// transcodeRecording produces the compressed mp3 rendition of a stored
// recording and files it next to the original.
func (s *Server) transcodeRecording(c *gin.Context) {
	ctx := c.Request.Context()
	rec, err := s.metadata.GetRecording(ctx, c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Recording not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load recording"})
		return
	}

	data, err := s.blobs.Get(ctx, rec.ObjectKey)
	if err != nil {
		s.logger.Error("failed to fetch recording for transcode", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch recording"})
		return
	}

	mp3, err := transcodeToMP3(data, extensionFor(rec.MimeType))
	if err != nil {
		s.logger.Error("transcode failed", zap.String("recordingId", rec.ID), zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Transcode failed"})
		return
	}

	key := rec.ObjectKey + ".mp3"
	if err := s.blobs.Put(ctx, key, mp3, "audio/mpeg"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store rendition"})
		return
	}
	if err := s.metadata.SetRenditionKey(ctx, rec.ID, key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record rendition"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"objectKey": key})
}

// transcodeToMP3 shells out to ffmpeg through temp files. ffmpeg needs a
// seekable input for webm duration probing, so stdin piping is not enough.
func transcodeToMP3(data []byte, ext string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "transcode-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input"+ext)
	out := filepath.Join(dir, "output.mp3")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write input: %w", err)
	}

	cmd := exec.Command("ffmpeg", "-y", "-i", in, "-vn", "-codec:a", "libmp3lame", "-qscale:a", "4", out)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w: %s", err, string(output))
	}

	mp3, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	return mp3, nil
}

func extensionFor(mimeType string) string {
	switch {
	case mimeType == "audio/wav":
		return ".wav"
	case len(mimeType) >= 9 && mimeType[:9] == "audio/ogg":
		return ".ogg"
	default:
		return ".webm"
	}
}
