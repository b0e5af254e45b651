package app

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"

	"example/mixreport-api/app/engine"
	"example/mixreport-api/app/jobs"
	"example/mixreport-api/app/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Entitlement is the advisory check the client runs before offering upload.
func (s *Server) Entitlement(c *gin.Context) {
	actor, origin := s.requester(c)
	c.JSON(http.StatusOK, s.resolver.Resolve(c.Request.Context(), actor, origin))
}

type submitForm struct {
	File    *multipart.FileHeader `form:"file" binding:"required"`
	Options string                `form:"options" binding:"omitempty,json"`
}

// SubmitAnalysis accepts one audio file and hands it to the engine after the
// entitlement pre-check. MaxBytes bounds the request only; files over the
// engine's ceiling are transcoded by the orchestrator.
func (s *Server) SubmitAnalysis(c *gin.Context) {
	limit := s.cfg.Upload.MaxBytes
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+1<<20)

	var form submitForm
	if err := c.ShouldBind(&form); err != nil {
		badRequest(c, "a file field is required")
		return
	}
	if form.File.Size > limit {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large", "remedy": "none"})
		return
	}
	var opts engine.Options
	if form.Options != "" {
		if err := json.Unmarshal([]byte(form.Options), &opts); err != nil {
			badRequest(c, "options must be an object of strings")
			return
		}
	}

	f, err := form.File.Open()
	if err != nil {
		badRequest(c, "could not read upload")
		return
	}
	defer f.Close()
	body, err := io.ReadAll(f)
	if err != nil {
		badRequest(c, "could not read upload")
		return
	}

	actor, origin := s.requester(c)
	req := jobs.Requester{Actor: actor, Origin: origin}
	if actor.IsAnonymous() {
		req.SlotKey = s.slot(c, true)
	}
	job, err := s.jobs.Submit(c.Request.Context(), req, engine.Upload{
		Name:        form.File.Filename,
		ContentType: form.File.Header.Get("Content-Type"),
		Body:        body,
	}, opts)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

// GetJobStatus advances the job by one engine poll and returns it.
func (s *Server) GetJobStatus(c *gin.Context) {
	actor, origin := s.requester(c)
	req := jobs.Requester{Actor: actor, Origin: origin, SlotKey: s.slot(c, false)}
	job, err := s.jobs.Status(c.Request.Context(), req, c.Param("jobid"))
	if err != nil {
		s.fail(c, err, &job)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// ListAnalyses returns the reports saved to the caller's account.
func (s *Server) ListAnalyses(c *gin.Context) {
	actor, _ := s.requester(c)
	if actor.IsAnonymous() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing auth context"})
		return
	}
	records, err := s.ledger.Records(c.Request.Context(), actor.AccountID)
	if err != nil {
		s.log.Warn("list analyses failed", zap.String("actor", actor.ID()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to load analyses", "remedy": "retry"})
		return
	}
	if records == nil {
		records = []models.AnalysisRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"analyses": records})
}
