package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/gpuctl/pkg/ctrlerr"
	"github.com/wisbric/gpuctl/pkg/ctrltypes"
	"github.com/wisbric/gpuctl/pkg/instance"
)

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return &ctrlerr.ValidationError{Field: "body", Message: "request body required"}
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &ctrlerr.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

// createInstanceRequest is the wire shape for POST /instances.
type createInstanceRequest struct {
	Name        string `json:"name"`
	ProductName string `json:"productName"`
	TemplateID  string `json:"templateId"`
	GPUCount    int    `json:"gpuCount,omitempty"`
	RootDiskGB  int    `json:"rootDiskGB,omitempty"`
	Region      string `json:"region,omitempty"`
	WebhookURL  string `json:"webhookUrl,omitempty"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}
	resp, err := s.instances.CreateInstance(r.Context(), instance.CreateRequest{
		Name: req.Name, ProductName: req.ProductName, TemplateID: req.TemplateID,
		GPUCount: req.GPUCount, RootDiskGB: req.RootDiskGB, Region: req.Region, WebhookURL: req.WebhookURL,
	})
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	idOrName := chi.URLParam(r, "idOrName")
	inst, err := s.instances.GetInstance(r.Context(), idOrName)
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusOK, inst)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	source := instance.ListSource(r.URL.Query().Get("source"))
	includeProviderOnly := r.URL.Query().Get("includeProviderOnly") == "true"
	list, err := s.instances.ListInstances(r.Context(), source, includeProviderOnly)
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusOK, map[string]any{"instances": list, "count": len(list)})
}

type webhookRequest struct {
	WebhookURL string `json:"webhookUrl,omitempty"`
}

func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	idOrName := chi.URLParam(r, "idOrName")
	var req webhookRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			RespondError(w, err)
			return
		}
	}
	resp, err := s.instances.StartInstance(r.Context(), idOrName, req.WebhookURL)
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusAccepted, resp)
}

func (s *Server) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	idOrName := chi.URLParam(r, "idOrName")
	var req webhookRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			RespondError(w, err)
			return
		}
	}
	resp, err := s.instances.StopInstance(r.Context(), idOrName, req.WebhookURL)
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusAccepted, resp)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	idOrName := chi.URLParam(r, "idOrName")
	var req webhookRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			RespondError(w, err)
			return
		}
	}
	resp, err := s.instances.DeleteInstance(r.Context(), idOrName, req.WebhookURL)
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusOK, resp)
}

type updateLastUsedRequest struct {
	At *time.Time `json:"at,omitempty"`
}

func (s *Server) handleUpdateLastUsed(w http.ResponseWriter, r *http.Request) {
	idOrName := chi.URLParam(r, "idOrName")
	var req updateLastUsedRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			RespondError(w, err)
			return
		}
	}
	at := time.Now()
	if req.At != nil {
		at = *req.At
	}
	if err := s.instances.UpdateLastUsed(r.Context(), idOrName, at); err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleTriggerAutoStop(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dryRun") == "true"
	stats, err := s.autoStop.TriggerScan(r.Context(), dryRun)
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusOK, stats)
}

func (s *Server) handleGetAutoStopStats(w http.ResponseWriter, r *http.Request) {
	_ = r
	Respond(w, http.StatusOK, s.autoStop.GetStats())
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	reconcileSummary, err := s.reconcile.Run(r.Context())
	if err != nil {
		RespondError(w, err)
		return
	}
	migrationResult, err := s.migration.Scan(r.Context())
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusOK, map[string]any{
		"reconcile": reconcileSummary,
		"migration": migrationResult,
	})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	list, err := s.instances.ListInstances(r.Context(), instance.SourceLocal, false)
	if err != nil {
		RespondError(w, err)
		return
	}
	stopped := 0
	failed := 0
	for _, inst := range list {
		if inst.Status != ctrltypes.StatusRunning && inst.Status != ctrltypes.StatusReady {
			continue
		}
		if _, err := s.instances.StopInstance(r.Context(), inst.ID, ""); err != nil {
			s.logger.Warn("stop-all: failed to stop instance", "instance_id", inst.ID, "error", err)
			failed++
			continue
		}
		stopped++
	}
	Respond(w, http.StatusOK, map[string]int{"stopped": stopped, "failed": failed})
}

func (s *Server) handleGetCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusOK, stats)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Clear(r.Context()); err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handleHardReset purges the job queue and instance cache entirely.
// Destructive; intended for test/staging environments per spec.md §6.
func (s *Server) handleHardReset(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Reset(r.Context()); err != nil {
		RespondError(w, err)
		return
	}
	if err := s.cache.Clear(r.Context()); err != nil {
		RespondError(w, err)
		return
	}
	s.logger.Warn("hard reset executed", "request_id", RequestIDFromContext(r.Context()))
	Respond(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime":     time.Since(s.startedAt).String(),
		"kvMode":     s.kv.Mode(),
		"queueDepth": depth,
	})
}

func (s *Server) handleGetMetricsSummary(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		RespondError(w, err)
		return
	}
	cacheStats, err := s.cache.Stats(r.Context())
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusOK, map[string]any{
		"queueDepth":    depth,
		"cacheStats":    cacheStats,
		"uptimeSeconds": strconv.FormatFloat(time.Since(s.startedAt).Seconds(), 'f', 0, 64),
	})
}
