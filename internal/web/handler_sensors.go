package web

import (
	"net/http"
	"strconv"
	"time"
)

type instanceResponse struct {
	ID          string `json:"id"`
	DeviceID    string `json:"device_id"`
	Name        string `json:"name"`
	Backend     string `json:"backend"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Model       string `json:"model"`
	TextModel   string `json:"text_model,omitempty"`
	TextEnabled bool   `json:"text_enabled"`
	Results     int    `json:"results"`
}

type historyEntry struct {
	ID                int64     `json:"id"`
	Description       string    `json:"description"`
	VisionDescription string    `json:"vision_description"`
	ImageURL          string    `json:"image_url"`
	Prompt            string    `json:"prompt"`
	InstanceID        string    `json:"instance_id"`
	UsedTextModel     bool      `json:"used_text_model"`
	AnalyzedAt        time.Time `json:"analyzed_at"`
}

func (s *Server) handleListSensors(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sensors.List())
}

func (s *Server) handleGetSensor(w http.ResponseWriter, r *http.Request) {
	sn, ok := s.sensors.Get(r.PathValue("entity_id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "sensor not found")
		return
	}
	s.writeJSON(w, http.StatusOK, sn)
}

func (s *Server) handleListInstances(w http.ResponseWriter, _ *http.Request) {
	instances := s.registry.Instances()
	out := make([]instanceResponse, 0, len(instances))
	for _, inst := range instances {
		out = append(out, instanceResponse{
			ID:          inst.ID,
			DeviceID:    inst.DeviceID,
			Name:        inst.Name,
			Backend:     inst.Backend,
			Host:        inst.Host,
			Port:        inst.Port,
			Model:       inst.Model,
			TextModel:   inst.TextModel,
			TextEnabled: inst.TextEnabled,
			Results:     s.registry.ResultCount(inst.ID),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	imageName := r.PathValue("image_name")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	results, err := s.service.History(r.Context(), imageName, limit)
	if err != nil {
		s.logger.Error("list history failed", "image_name", imageName, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}

	out := make([]historyEntry, 0, len(results))
	for _, res := range results {
		out = append(out, historyEntry{
			ID:                res.ID,
			Description:       res.Description,
			VisionDescription: res.VisionDescription,
			ImageURL:          res.ImageURL,
			Prompt:            res.Prompt,
			InstanceID:        res.InstanceID,
			UsedTextModel:     res.UsedTextModel,
			AnalyzedAt:        res.AnalyzedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}
