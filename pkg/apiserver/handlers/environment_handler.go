package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/lifecycle"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/model"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/templates"
)

type EnvironmentHandler struct {
	manager      *lifecycle.Manager
	catalog      templates.Catalog
	externalHost string
	logger       *zap.Logger
}

func NewEnvironmentHandler(manager *lifecycle.Manager, catalog templates.Catalog, externalHost string, logger *zap.Logger) *EnvironmentHandler {
	return &EnvironmentHandler{manager: manager, catalog: catalog, externalHost: externalHost, logger: logger}
}

type environmentCreateRequest struct {
	TemplateID   string  `json:"template_id" binding:"required"`
	GPUs         int     `json:"gpus"`
	MemoryMB     int64   `json:"memory_mb"`
	CPUCores     float64 `json:"cpu_cores"`
	HighPriority bool    `json:"high_priority"`
}

type environmentResponse struct {
	ID             string              `json:"id"`
	OwnerID        string              `json:"owner_id"`
	TemplateID     string              `json:"template_id"`
	Status         string              `json:"status"`
	AllocatedPorts model.PortBindings  `json:"allocated_ports"`
	AllocatedGPUs  []int64             `json:"allocated_gpus"`
	CPUCores       float64             `json:"cpu_cores"`
	MemoryMB       int64               `json:"memory_mb"`
	AccessURL      string              `json:"access_url,omitempty"`
	ErrorMessage   string              `json:"error_message,omitempty"`
	CreatedAt      string              `json:"created_at"`
	StartedAt      *string             `json:"started_at,omitempty"`
	StoppedAt      *string             `json:"stopped_at,omitempty"`
}

func (h *EnvironmentHandler) toResponse(env *model.Environment) environmentResponse {
	resp := environmentResponse{
		ID:             env.ID,
		OwnerID:        env.OwnerID,
		TemplateID:     env.TemplateID,
		Status:         string(env.Status),
		AllocatedPorts: env.AllocatedPorts,
		AllocatedGPUs:  env.AllocatedGPUs,
		CPUCores:       env.CPUCores,
		MemoryMB:       env.MemoryMB,
		ErrorMessage:   env.ErrorMessage,
		CreatedAt:      env.CreatedAt.UTC().Format(timeRFC3339Nano),
		StartedAt:      formatTime(env.StartedAt),
		StoppedAt:      formatTime(env.StoppedAt),
	}
	if env.Status == model.EnvRunning {
		resp.AccessURL = env.AccessURL(h.externalHost)
	}
	return resp
}

func (h *EnvironmentHandler) Create(c *gin.Context) {
	var req environmentCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error(), "reason": model.ReasonInvalidRequest})
		return
	}

	caller := callerFrom(c)
	env, err := h.manager.Create(c.Request.Context(), lifecycle.CreateRequest{
		UserID:       caller.UserID,
		QuotaTier:    tierFrom(c),
		TemplateID:   req.TemplateID,
		GPUs:         req.GPUs,
		MemoryMB:     req.MemoryMB,
		CPUCores:     req.CPUCores,
		HighPriority: req.HighPriority,
	})
	if err != nil {
		h.logger.Warn("environment create rejected",
			zap.String("user", caller.UserID),
			zap.String("template", req.TemplateID),
			zap.Error(err))
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, h.toResponse(env))
}

func (h *EnvironmentHandler) List(c *gin.Context) {
	caller := callerFrom(c)
	envs := h.manager.ListForUser(caller.UserID)

	responses := make([]environmentResponse, 0, len(envs))
	for _, env := range envs {
		responses = append(responses, h.toResponse(env))
	}
	c.JSON(http.StatusOK, gin.H{"environments": responses, "total": len(responses)})
}

func (h *EnvironmentHandler) Get(c *gin.Context) {
	env, err := h.manager.Get(c.Param("id"), callerFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.toResponse(env))
}

func (h *EnvironmentHandler) Stop(c *gin.Context) {
	env, err := h.manager.Stop(c.Request.Context(), c.Param("id"), callerFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.toResponse(env))
}

func (h *EnvironmentHandler) Destroy(c *gin.Context) {
	if err := h.manager.Destroy(c.Request.Context(), c.Param("id"), callerFrom(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "destroyed"})
}

func (h *EnvironmentHandler) Usage(c *gin.Context) {
	caller := callerFrom(c)
	usage, policy := h.manager.Usage(caller.UserID)
	c.JSON(http.StatusOK, gin.H{
		"usage": usage,
		"quota": policy,
		"tier":  tierFrom(c),
	})
}

func (h *EnvironmentHandler) ListTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"templates": h.catalog.List()})
}
