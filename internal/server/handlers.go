package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"webp-optimizer/internal/logger"
	"webp-optimizer/internal/models"
	"webp-optimizer/internal/optimizer"
	"webp-optimizer/internal/shopify"
)

type imageRequest struct {
	ImageID string `json:"imageId" binding:"required"`
}

type settingsRequest struct {
	AltTextTemplate     string `json:"altTextTemplate"`
	FileNameTemplate    string `json:"fileNameTemplate"`
	AutoApplyOnOptimize bool   `json:"autoApplyOnOptimize"`
}

// fail writes err with the status its kind maps to.
func (s *Server) fail(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, shopify.ErrProductNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrJobRunning), errors.Is(err, optimizer.ErrNotRetryable),
		errors.Is(err, models.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, optimizer.ErrEmptyTemplate):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, shopify.ErrUnknownShop):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		logger.FromContext(c.Request.Context(), s.log).Error("request failed", slog.String("op", op), slog.Any("error", err))
	}
	c.JSON(status, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.db != nil {
		if err := s.db.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleOptimize(c *gin.Context) {
	const op = "server.handleOptimize"

	job, err := s.svc.Start(c.Request.Context(), c.GetString(shopKey))
	if err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleRetryImage(c *gin.Context) {
	const op = "server.handleRetryImage"

	var req imageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	job, err := s.svc.RetryImage(c.Request.Context(), c.GetString(shopKey), req.ImageID)
	if err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleRevertImage(c *gin.Context) {
	const op = "server.handleRevertImage"

	var req imageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	res, err := s.svc.RevertOne(c.Request.Context(), c.GetString(shopKey), req.ImageID)
	if err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleCurrentJob(c *gin.Context) {
	const op = "server.handleCurrentJob"

	job, err := s.svc.CurrentJob(c.Request.Context(), c.GetString(shopKey))
	if err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleGetJob(c *gin.Context) {
	const op = "server.handleGetJob"

	job, err := s.svc.Job(c.Request.Context(), c.GetString(shopKey), c.Param("id"))
	if err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleJobEvents streams job snapshots as server-sent events until the job
// reaches a terminal status or the client goes away.
func (s *Server) handleJobEvents(c *gin.Context) {
	const op = "server.handleJobEvents"
	ctx := c.Request.Context()
	shop, id := c.GetString(shopKey), c.Param("id")

	job, err := s.svc.Job(ctx, shop, id)
	if err != nil {
		s.fail(c, op, err)
		return
	}

	ticker := time.NewTicker(s.eventsInterval)
	defer ticker.Stop()
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(io.Writer) bool {
		if job == nil {
			select {
			case <-ctx.Done():
				return false
			case <-ticker.C:
			}
			if job, err = s.svc.Job(ctx, shop, id); err != nil {
				c.SSEvent("error", gin.H{"error": err.Error()})
				return false
			}
		}
		c.SSEvent("job", job)
		done := job.Terminal()
		job = nil
		return !done
	})
}

func (s *Server) handleCancelJob(c *gin.Context) {
	const op = "server.handleCancelJob"

	job, err := s.svc.Cancel(c.Request.Context(), c.GetString(shopKey), c.Param("id"))
	if err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleRevertAll(c *gin.Context) {
	const op = "server.handleRevertAll"

	res, err := s.svc.RevertAll(c.Request.Context(), c.GetString(shopKey))
	if err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleRestoreMissing(c *gin.Context) {
	const op = "server.handleRestoreMissing"

	res, err := s.svc.RestoreMissing(c.Request.Context(), c.GetString(shopKey))
	if err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleApplyAltText(c *gin.Context) {
	const op = "server.handleApplyAltText"

	res, err := s.svc.ApplyAltTemplates(c.Request.Context(), c.GetString(shopKey))
	if err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleStats(c *gin.Context) {
	const op = "server.handleStats"

	stats, err := s.svc.Stats(c.Request.Context(), c.GetString(shopKey))
	if err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleGetSettings(c *gin.Context) {
	const op = "server.handleGetSettings"

	settings, err := s.svc.Settings(c.Request.Context(), c.GetString(shopKey))
	if err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handleSaveSettings(c *gin.Context) {
	const op = "server.handleSaveSettings"

	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	settings, err := s.svc.SaveSettings(c.Request.Context(), models.SeoSettings{
		Shop:                c.GetString(shopKey),
		AltTextTemplate:     req.AltTextTemplate,
		FileNameTemplate:    req.FileNameTemplate,
		AutoApplyOnOptimize: req.AutoApplyOnOptimize,
	})
	if err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// handleThemeImage serves storefront lookups; anything but a completed
// optimization is a 404 so the theme keeps the original.
func (s *Server) handleThemeImage(c *gin.Context) {
	const op = "server.handleThemeImage"

	id := c.Query("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing id"})
		return
	}
	img, err := s.svc.ThemeImage(c.Request.Context(), c.GetString(shopKey), id)
	if err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, img)
}
