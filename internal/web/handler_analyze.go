package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/remimikalsen/local-image-description-ha/internal/registry"
	"github.com/remimikalsen/local-image-description-ha/internal/service"
)

const maxRequestSize = 1 << 20

type analyzeRequest struct {
	ImageURL  string `json:"image_url"`
	Prompt    string `json:"prompt"`
	ImageName string `json:"image_name"`
	// DeviceID, IntegrationID and InstanceSelector all select the instance.
	// The first non-empty one wins in that order.
	DeviceID         string `json:"device_id"`
	IntegrationID    string `json:"integration_id"`
	InstanceSelector string `json:"instance_selector"`
	UseTextModel     bool   `json:"use_text_model"`
	TextPrompt       string `json:"text_prompt"`
}

func (r analyzeRequest) selector() string {
	for _, s := range []string{r.DeviceID, r.IntegrationID, r.InstanceSelector} {
		if s != "" {
			return s
		}
	}
	return ""
}

type analyzeResponse struct {
	EntityID          string    `json:"entity_id"`
	ImageName         string    `json:"image_name"`
	Description       string    `json:"description"`
	VisionDescription string    `json:"vision_description"`
	ImageURL          string    `json:"image_url"`
	InstanceID        string    `json:"instance_id"`
	UsedTextModel     bool      `json:"used_text_model"`
	Created           bool      `json:"created"`
	Warning           string    `json:"warning,omitempty"`
	AnalyzedAt        time.Time `json:"analyzed_at"`
}

func (s *Server) handleAnalyzeImage(w http.ResponseWriter, r *http.Request) {
	// Fetch, caption and elaboration each have their own timeout, so the
	// server-wide write deadline does not apply here.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("cannot clear write deadline for analyze request", "error", err)
	}

	var req analyzeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// The result is recorded even if the caller disconnects.
	res, err := s.service.AnalyzeImage(context.WithoutCancel(r.Context()), service.AnalyzeRequest{
		ImageURL:         req.ImageURL,
		Prompt:           req.Prompt,
		ImageName:        req.ImageName,
		InstanceSelector: req.selector(),
		UseTextModel:     req.UseTextModel,
		TextPrompt:       req.TextPrompt,
	})
	if err != nil {
		status := analyzeErrorStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("analyze image failed", "image_name", req.ImageName, "error", err)
		}
		s.writeError(w, status, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, analyzeResponse{
		EntityID:          res.EntityID,
		ImageName:         res.ImageName,
		Description:       res.Description,
		VisionDescription: res.VisionDescription,
		ImageURL:          res.ImageURL,
		InstanceID:        res.InstanceID,
		UsedTextModel:     res.UsedTextModel,
		Created:           res.Created,
		Warning:           res.Warning,
		AnalyzedAt:        res.AnalyzedAt,
	})
}

func analyzeErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrNoInstances):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrAnalysisFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
