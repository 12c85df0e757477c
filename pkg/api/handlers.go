package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"helm.sh/helm/v3/pkg/storage/driver"

	"chart-pipeline/pkg/helm"
)

// ReleaseReader reads Helm releases from the provisioned cluster.
type ReleaseReader interface {
	ListInstalledReleases(ctx context.Context) ([]helm.ReleaseInfo, error)
	GetReleaseStatus(ctx context.Context, releaseName string) (*helm.ReleaseInfo, error)
}

// ReleaseSource resolves a ReleaseReader on demand. The cluster does not
// exist until the provisioning step has run.
type ReleaseSource func() (ReleaseReader, error)

// APIHandler holds dependencies for API handlers.
type APIHandler struct {
	tracker  *Tracker
	releases ReleaseSource
	log      logrus.FieldLogger
}

// NewAPIHandler creates a new APIHandler. releases may be nil.
func NewAPIHandler(tracker *Tracker, releases ReleaseSource, log logrus.FieldLogger) *APIHandler {
	if log == nil {
		log = logrus.New()
	}
	return &APIHandler{tracker: tracker, releases: releases, log: log}
}

// GetRunHandler returns the run axes and overall state.
func (h *APIHandler) GetRunHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.Run())
}

// ListStepsHandler returns every planned step in execution order.
func (h *APIHandler) ListStepsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.Steps())
}

// GetStepHandler returns a single step.
func (h *APIHandler) GetStepHandler(c *gin.Context) {
	name := c.Param("stepName")
	step, ok := h.tracker.Step(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Step '%s' is not part of this run.", name)})
		return
	}
	c.JSON(http.StatusOK, step)
}

// EventsStreamHandler streams step transitions as server-sent events. The
// current step list is sent first as a "snapshot" event.
func (h *APIHandler) EventsStreamHandler(c *gin.Context) {
	events, cancel := h.tracker.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("snapshot", h.tracker.Steps())
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(ev.Type, ev)
			return ev.Type != "done"
		}
	})
}

// ListReleasesHandler handles requests to list installed releases.
func (h *APIHandler) ListReleasesHandler(c *gin.Context) {
	reader, ok := h.releaseReader(c)
	if !ok {
		return
	}
	releases, err := reader.ListInstalledReleases(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, releases)
}

// GetReleaseStatusHandler handles requests for a specific release's status.
func (h *APIHandler) GetReleaseStatusHandler(c *gin.Context) {
	reader, ok := h.releaseReader(c)
	if !ok {
		return
	}
	releaseName := c.Param("releaseName")
	status, err := reader.GetReleaseStatus(c.Request.Context(), releaseName)
	if err != nil {
		if errors.Is(err, driver.ErrReleaseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Release '%s' not found.", releaseName)})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *APIHandler) releaseReader(c *gin.Context) (ReleaseReader, bool) {
	if h.releases == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no cluster is attached to this run"})
		return nil, false
	}
	reader, err := h.releases()
	if err != nil {
		h.log.WithError(err).Debug("Release reader unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return nil, false
	}
	return reader, true
}
