package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/caredesk/telemed/internal/config"
	"github.com/caredesk/telemed/internal/recording"
	"github.com/caredesk/telemed/internal/signal"
)

// Client drives the post-consultation pipeline: persist the recording,
// get it transcoded and transcribed, and file the resulting notes. Every
// stage can fail without taking the others down; the worst case is a
// consultation note built from the chat log.
type Client struct {
	http   *http.Client
	cfg    config.PipelineConfig
	logger *zap.Logger
}

func NewClient(cfg config.PipelineConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		cfg:    cfg,
		logger: logger.Named("pipeline"),
	}
}

// UploadResult identifies a persisted recording.
type UploadResult struct {
	RecordingID string `json:"recordingId"`
	ObjectKey   string `json:"objectKey"`
}

// ProcessResult is what came out of a pipeline run. Transcript is always
// populated, from transcription or from the chat fallback.
type ProcessResult struct {
	Upload       *UploadResult
	Transcript   string
	UsedFallback bool
	Degraded     []string
}

// newBackoff builds a fresh retry policy per operation: exponential with
// a retry cap from config. Policies are not shared between calls.
func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 500 * time.Millisecond
	ebo.MaxInterval = 10 * time.Second
	ebo.Reset()
	var bo backoff.BackOff = ebo
	if c.cfg.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(ebo, c.cfg.MaxRetries)
	}
	return backoff.WithContext(bo, ctx)
}

// PersistRecording uploads the blob to the recording endpoint as multipart
// form data.
func (c *Client) PersistRecording(ctx context.Context, blob recording.Blob) (*UploadResult, error) {
	var result UploadResult
	op := func() error {
		body := &bytes.Buffer{}
		mw := multipart.NewWriter(body)
		part, err := mw.CreateFormFile("recording", "recording")
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build multipart body: %w", err))
		}
		if _, err := part.Write(blob.Data); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to write recording part: %w", err))
		}
		mw.WriteField("roomId", blob.RoomID)
		mw.WriteField("mimeType", blob.MimeType)
		mw.WriteField("startedAt", blob.StartedAt.UTC().Format(time.RFC3339))
		mw.WriteField("durationMs", strconv.FormatInt(blob.Duration.Milliseconds(), 10))
		if err := mw.Close(); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to finalize multipart body: %w", err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/recordings", body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return c.doJSON(req, &result)
	}

	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		return nil, fmt.Errorf("failed to persist recording: %w", err)
	}
	c.logger.Info("recording persisted",
		zap.String("recordingId", result.RecordingID),
		zap.String("objectKey", result.ObjectKey))
	return &result, nil
}

// Transcode asks the server to produce the compressed mp3 rendition of a
// persisted recording. Returns the object key of the rendition.
func (c *Client) Transcode(ctx context.Context, recordingID string) (string, error) {
	var result struct {
		ObjectKey string `json:"objectKey"`
	}
	url := fmt.Sprintf("%s/api/recordings/%s/transcode", c.cfg.BaseURL, recordingID)
	if err := c.postJSON(ctx, url, nil, &result); err != nil {
		return "", fmt.Errorf("failed to transcode recording %s: %w", recordingID, err)
	}
	return result.ObjectKey, nil
}

// Transcribe sends the audio itself to the transcription service, so it
// works even when persistence failed.
func (c *Client) Transcribe(ctx context.Context, blob recording.Blob) (string, error) {
	if c.cfg.TranscribeURL == "" {
		return "", fmt.Errorf("transcription service not configured")
	}

	var result struct {
		Text string `json:"text"`
	}
	op := func() error {
		body := &bytes.Buffer{}
		mw := multipart.NewWriter(body)
		part, err := mw.CreateFormFile("audio", "recording")
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err := part.Write(blob.Data); err != nil {
			return backoff.Permanent(err)
		}
		mw.WriteField("mimeType", blob.MimeType)
		if err := mw.Close(); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TranscribeURL, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return c.doJSON(req, &result)
	}

	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	return result.Text, nil
}

// GenerateSummary turns a transcript into a clinical summary.
func (c *Client) GenerateSummary(ctx context.Context, transcript string) (string, error) {
	if c.cfg.SummaryURL == "" {
		return "", fmt.Errorf("summary service not configured")
	}
	var result struct {
		Notes string `json:"notes"`
	}
	payload := map[string]string{"transcript": transcript}
	if err := c.postJSON(ctx, c.cfg.SummaryURL, payload, &result); err != nil {
		return "", fmt.Errorf("summary generation failed: %w", err)
	}
	return result.Notes, nil
}

// SaveConsultationNote files the transcript (real or fallback) against the
// room.
func (c *Client) SaveConsultationNote(ctx context.Context, roomID, transcript string, fallback bool) error {
	payload := map[string]any{
		"roomId":     roomID,
		"transcript": transcript,
		"fallback":   fallback,
	}
	if err := c.postJSON(ctx, c.cfg.BaseURL+"/api/consultation-notes", payload, nil); err != nil {
		return fmt.Errorf("failed to save consultation note: %w", err)
	}
	return nil
}

// SaveMedicalNote files a clinical summary against the room.
func (c *Client) SaveMedicalNote(ctx context.Context, roomID, summary string) error {
	payload := map[string]any{
		"roomId":  roomID,
		"summary": summary,
	}
	if err := c.postJSON(ctx, c.cfg.BaseURL+"/api/medical-notes", payload, nil); err != nil {
		return fmt.Errorf("failed to save medical note: %w", err)
	}
	return nil
}

// ProcessRecording runs the full post-call pipeline. Stages degrade
// independently: a failed upload is logged and skipped, a failed
// transcription falls back to the chat log, and the consultation note is
// filed with whatever transcript survived. Only a failure to file the note
// itself is returned as an error.
func (c *Client) ProcessRecording(ctx context.Context, blob recording.Blob, chat []signal.ChatMessage, status func(recording.Status)) (*ProcessResult, error) {
	if status == nil {
		status = func(recording.Status) {}
	}
	result := &ProcessResult{}

	status(recording.StatusUploading)
	upload, err := c.PersistRecording(ctx, blob)
	if err != nil {
		c.logger.Warn("recording persistence failed, continuing without archive", zap.Error(err))
		result.Degraded = append(result.Degraded, fmt.Sprintf("persist: %v", err))
	} else {
		result.Upload = upload
		if _, err := c.Transcode(ctx, upload.RecordingID); err != nil {
			c.logger.Warn("transcode failed, archive keeps original format", zap.Error(err))
			result.Degraded = append(result.Degraded, fmt.Sprintf("transcode: %v", err))
		}
	}

	transcript, err := c.Transcribe(ctx, blob)
	if err != nil || transcript == "" {
		if err != nil {
			c.logger.Warn("transcription failed, falling back to chat log", zap.Error(err))
			result.Degraded = append(result.Degraded, fmt.Sprintf("transcribe: %v", err))
		}
		transcript = BuildFallbackTranscript(blob.StartedAt, chat)
		result.UsedFallback = true
	}
	result.Transcript = transcript
	status(recording.StatusTranscribed)

	if err := c.SaveConsultationNote(ctx, blob.RoomID, transcript, result.UsedFallback); err != nil {
		status(recording.StatusFailed)
		return result, err
	}
	status(recording.StatusNoted)
	return result, nil
}

// CreateMedicalNote generates and files a clinical summary for a finished
// consultation. Runs only on explicit request, never as part of
// ProcessRecording.
func (c *Client) CreateMedicalNote(ctx context.Context, roomID, transcript string) (string, error) {
	summary, err := c.GenerateSummary(ctx, transcript)
	if err != nil {
		return "", err
	}
	if err := c.SaveMedicalNote(ctx, roomID, summary); err != nil {
		return "", err
	}
	return summary, nil
}

// postJSON posts a JSON payload with retries and decodes the response into
// out when non-nil.
func (c *Client) postJSON(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		return c.doJSON(req, out)
	}
	return backoff.Retry(op, c.newBackoff(ctx))
}

// doJSON executes one attempt. Client errors are permanent; server errors
// and transport failures are retryable.
func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error %d from %s", resp.StatusCode, req.URL.Path)
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("request rejected with %d by %s", resp.StatusCode, req.URL.Path))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to decode response from %s: %w", req.URL.Path, err))
	}
	return nil
}
