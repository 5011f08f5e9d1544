package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"mangapipe/internal/ingest"
	"mangapipe/internal/store"
	"mangapipe/pkg/models"
)

// Handler exposes the ingestion core to the orchestration layer: the
// scheduler POSTs a trigger and gets the RunSummary back. Triggers are
// idempotent — re-invoking an up-to-date resource yields all NoOps.
type Handler struct {
	Svc         *ingest.Service
	Checkpoints *store.SQLiteCheckpoints
}

func NewHandler(svc *ingest.Service, checkpoints *store.SQLiteCheckpoints) *Handler {
	return &Handler{Svc: svc, Checkpoints: checkpoints}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/ingest/:resource", h.trigger) // POST /ingest/manga?restart=true
	rg.GET("/checkpoints", h.checkpoints)   // GET  /checkpoints
	rg.GET("/runs/active", h.active)        // GET  /runs/active
}

func (h *Handler) trigger(c *gin.Context) {
	resource := models.ResourceType(c.Param("resource"))
	if !resource.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown resource type"})
		return
	}

	restart := c.Query("restart") == "true"

	summary, err := h.Svc.Run(c.Request.Context(), resource, restart)
	if err != nil {
		if errors.Is(err, ingest.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		// run aborted; the partial summary still says what was durable
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "summary": summary})
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (h *Handler) checkpoints(c *gin.Context) {
	cps, err := h.Checkpoints.All(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list checkpoints failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": cps})
}

func (h *Handler) active(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": h.Svc.Running()})
}
