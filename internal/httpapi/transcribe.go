package httpapi

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// transcribe proxies audio to the transcription service. The service URL
// and its credentials stay server-side; agents never talk to it directly.
func (s *Server) transcribe(c *gin.Context) {
	s.proxyPost(c, s.cfg.Pipeline.TranscribeURL, "transcription")
}

// generateClinicalSummary proxies a transcript to the summarization
// service.
func (s *Server) generateClinicalSummary(c *gin.Context) {
	s.proxyPost(c, s.cfg.Pipeline.SummaryURL, "summarization")
}

func (s *Server) proxyPost(c *gin.Context, target, name string) {
	if target == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": name + " service not configured"})
		return
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, target, c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build upstream request"})
		return
	}
	req.Header.Set("Content-Type", c.GetHeader("Content-Type"))

	resp, err := s.proxyClient.Do(req)
	if err != nil {
		s.logger.Warn("upstream service unreachable",
			zap.String("service", name), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": name + " service unavailable"})
		return
	}
	defer resp.Body.Close()

	c.Status(resp.StatusCode)
	c.Header("Content-Type", resp.Header.Get("Content-Type"))
	io.Copy(c.Writer, resp.Body)
}
