package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/scanforge/scanforge-server/internal/jobs"
)

// JobsHandler serves job listing and lookup.
type JobsHandler struct {
	svc *jobs.Service
}

// NewJobsHandler constructs a JobsHandler.
func NewJobsHandler(svc *jobs.Service) *JobsHandler {
	return &JobsHandler{svc: svc}
}

// List returns the caller's jobs, newest first.
func (h *JobsHandler) List(c *gin.Context) {
	ident, ok := getIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	rows, errList := h.svc.ListJobs(c.Request.Context(), ident, limit, c.Query("q"))
	if errList != nil {
		respondError(c, errList)
		return
	}

	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, serializeJob(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out, "total": len(out)})
}

// Get returns one job owned by the caller.
func (h *JobsHandler) Get(c *gin.Context) {
	ident, ok := getIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	job, errGet := h.svc.GetJob(c.Request.Context(), ident, c.Param("id"))
	if errGet != nil {
		respondError(c, errGet)
		return
	}
	c.JSON(http.StatusOK, serializeJob(job))
}
