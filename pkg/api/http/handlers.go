package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cryoetlab/tomopipe/internal/domain"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleListDatasets handles listing all tracked datasets. Optional ?status=
// filters on aggregate dataset status.
func (s *Server) handleListDatasets(c *gin.Context) {
	datasets := s.registry.List()

	if status := c.Query("status"); status != "" {
		filtered := datasets[:0]
		for _, ds := range datasets {
			if string(ds.Status) == status {
				filtered = append(filtered, ds)
			}
		}
		datasets = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"datasets": datasets,
		"total":    len(datasets),
	})
}

// handleGetDataset handles getting one dataset with its full stage states
func (s *Server) handleGetDataset(c *gin.Context) {
	ds, err := s.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NOT_FOUND",
				Message: "Dataset not found",
			},
		})
		return
	}

	c.JSON(http.StatusOK, ds)
}

// handleGetDatasetStatus handles getting a compact per-stage status view
func (s *Server) handleGetDatasetStatus(c *gin.Context) {
	ds, err := s.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NOT_FOUND",
				Message: "Dataset not found",
			},
		})
		return
	}

	stages := make(map[string]string, len(ds.Stages))
	for stage, st := range ds.Stages {
		stages[string(stage)] = string(st.Status)
	}

	c.JSON(http.StatusOK, gin.H{
		"dataset":       ds.ID,
		"status":        ds.Status,
		"discovered_at": ds.DiscoveredAt,
		"stages":        stages,
	})
}

// handleCancelDataset handles dataset cancellation
func (s *Server) handleCancelDataset(c *gin.Context) {
	id := c.Param("id")

	if err := s.scheduler.Cancel(id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: ErrorDetail{
					Code:    "NOT_FOUND",
					Message: "Dataset not found",
				},
			})
			return
		}
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: ErrorDetail{
				Code:    "CANCELLATION_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"dataset":      id,
		"status":       "cancelling",
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// handlePipelineStatus reports slot occupancy and aggregate dataset counts
func (s *Server) handlePipelineStatus(c *gin.Context) {
	cpuInUse, cpuCap, gpuInUse, gpuCap := s.slots.Usage()
	processing, succeeded, failed, cancelled := s.registry.Counts()

	c.JSON(http.StatusOK, gin.H{
		"slots": gin.H{
			"cpu": gin.H{"in_use": cpuInUse, "capacity": cpuCap},
			"gpu": gin.H{"in_use": gpuInUse, "capacity": gpuCap},
		},
		"datasets": gin.H{
			"processing": processing,
			"succeeded":  succeeded,
			"failed":     failed,
			"cancelled":  cancelled,
			"total":      processing + succeeded + failed + cancelled,
		},
	})
}
