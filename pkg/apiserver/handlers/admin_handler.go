package handlers

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/ledger"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/lifecycle"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/reconciler"
)

type AdminHandler struct {
	manager    *lifecycle.Manager
	ledger     *ledger.Ledger
	reconciler *reconciler.Reconciler
	gpuCount   int
	portStart  int
	portEnd    int
	logger     *zap.Logger
}

func NewAdminHandler(manager *lifecycle.Manager, ldg *ledger.Ledger, rec *reconciler.Reconciler, gpuCount, portStart, portEnd int, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		manager:    manager,
		ledger:     ldg,
		reconciler: rec,
		gpuCount:   gpuCount,
		portStart:  portStart,
		portEnd:    portEnd,
		logger:     logger,
	}
}

func (h *AdminHandler) ListAll(c *gin.Context) {
	envs, err := h.manager.ListAll(callerFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}

	responses := make([]gin.H, 0, len(envs))
	for _, env := range envs {
		responses = append(responses, gin.H{
			"id":              env.ID,
			"owner_id":        env.OwnerID,
			"template_id":     env.TemplateID,
			"status":          env.Status,
			"allocated_ports": env.AllocatedPorts,
			"allocated_gpus":  env.AllocatedGPUs,
			"cpu_cores":       env.CPUCores,
			"memory_mb":       env.MemoryMB,
			"created_at":      env.CreatedAt.UTC().Format(timeRFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, gin.H{"environments": responses, "total": len(responses)})
}

// Resources reports the cluster-wide allocation picture: which host ports
// and GPU indices are held, and by how many environments per owner.
func (h *AdminHandler) Resources(c *gin.Context) {
	if _, err := h.manager.ListAll(callerFrom(c)); err != nil {
		writeError(c, err)
		return
	}

	snap := h.ledger.Snapshot()

	ports := make([]int, 0, len(snap.HostPorts))
	for port := range snap.HostPorts {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	gpus := make([]int, 0, len(snap.GPUs))
	for index := range snap.GPUs {
		gpus = append(gpus, index)
	}
	sort.Ints(gpus)

	byOwner := map[string]int{}
	for _, env := range snap.Environments {
		if env.HoldsResources() {
			byOwner[env.OwnerID]++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"host_ports": gin.H{
			"range_start": h.portStart,
			"range_end":   h.portEnd,
			"allocated":   ports,
			"free":        h.portEnd - h.portStart + 1 - len(ports),
		},
		"gpus": gin.H{
			"total":     h.gpuCount,
			"allocated": gpus,
			"free":      h.gpuCount - len(gpus),
		},
		"environments_by_owner": byOwner,
	})
}

// Reconcile runs a repair pass on demand instead of waiting for the next
// scheduled one.
func (h *AdminHandler) Reconcile(c *gin.Context) {
	if _, err := h.manager.ListAll(callerFrom(c)); err != nil {
		writeError(c, err)
		return
	}

	report, err := h.reconciler.ReconcileOnce(c.Request.Context())
	if err != nil {
		h.logger.Error("on-demand reconcile failed", zap.Error(err))
		writeError(c, err)
		return
	}

	errs := make([]string, 0, len(report.Errors))
	for _, passErr := range report.Errors {
		errs = append(errs, passErr.Error())
	}
	resp := gin.H{
		"live":          report.Live,
		"stale_failed":  report.StaleFailed,
		"drift_stopped": report.DriftStopped,
		"adopted":       report.Adopted,
		"errors":        errs,
	}
	if report.CorruptionErr != nil {
		resp["corruption"] = report.CorruptionErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}
