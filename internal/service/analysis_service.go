package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/remimikalsen/local-image-description-ha/internal/domain"
	"github.com/remimikalsen/local-image-description-ha/internal/events"
	"github.com/remimikalsen/local-image-description-ha/internal/registry"
	"github.com/remimikalsen/local-image-description-ha/internal/sensor"
	"github.com/remimikalsen/local-image-description-ha/internal/vision"
)

var (
	// ErrInvalidRequest wraps validation failures.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrAnalysisFailed wraps errors from the vision backend. Nothing is
	// stored or published when it is returned.
	ErrAnalysisFailed = errors.New("image analysis failed")
)

// pingTimeout bounds a single status probe.
const pingTimeout = 10 * time.Second

// resultRepository is the subset of store.ResultStore that AnalysisService requires.
type resultRepository interface {
	Save(ctx context.Context, res *domain.Result) error
	ListLatest(ctx context.Context) ([]*domain.Result, error)
	History(ctx context.Context, imageName string, limit int) ([]*domain.Result, error)
}

type AnalyzeRequest struct {
	ImageURL         string
	Prompt           string
	ImageName        string
	InstanceSelector string
	UseTextModel     bool
	TextPrompt       string
}

type AnalyzeResult struct {
	domain.Result
	EntityID string
	// Created is true when this call created the image's sensor.
	Created bool
	// Warning carries the routing warning, if any.
	Warning string
}

type AnalysisService struct {
	registry *registry.Registry
	sensors  *sensor.Manager
	bus      *events.Bus
	results  resultRepository
	logger   *slog.Logger
	now      func() time.Time
}

// NewAnalysisService wires the service. results may be nil, in which case
// nothing is persisted.
func NewAnalysisService(
	reg *registry.Registry,
	sensors *sensor.Manager,
	bus *events.Bus,
	results resultRepository,
	logger *slog.Logger,
) *AnalysisService {
	return &AnalysisService{
		registry: reg,
		sensors:  sensors,
		bus:      bus,
		results:  results,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r AnalyzeRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.ImageURL) == "" {
		missing = append(missing, "image_url")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		missing = append(missing, "prompt")
	}
	if strings.TrimSpace(r.ImageName) == "" {
		missing = append(missing, "image_name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// AnalyzeImage captions one image on the selected instance, optionally
// elaborates the caption, then records the result and publishes an event.
func (s *AnalysisService) AnalyzeImage(ctx context.Context, req AnalyzeRequest) (*AnalyzeResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	sel, err := s.registry.Select(req.InstanceSelector)
	if err != nil {
		return nil, err
	}
	inst := sel.Instance

	s.logger.Info("image analysis started",
		"image_name", req.ImageName, "image_url", req.ImageURL, "instance_id", inst.ID)

	caption, err := inst.Vision.Analyze(ctx, req.ImageURL, req.Prompt)
	if err != nil {
		s.logger.Error("image analysis failed", "image_name", req.ImageName, "instance_id", inst.ID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrAnalysisFailed, err)
	}
	caption = strings.TrimSpace(caption)

	res := domain.Result{
		ImageName:         req.ImageName,
		InstanceID:        inst.ID,
		ImageURL:          req.ImageURL,
		Prompt:            req.Prompt,
		Description:       caption,
		VisionDescription: caption,
		AnalyzedAt:        s.now(),
	}

	if req.UseTextModel && inst.TextEnabled {
		tmpl := req.TextPrompt
		if strings.TrimSpace(tmpl) == "" {
			tmpl = vision.DefaultTextPrompt
		}
		res.Description = strings.TrimSpace(inst.Vision.Elaborate(ctx, caption, tmpl))
		res.TextPrompt = tmpl
		res.UsedTextModel = true
	} else if req.UseTextModel {
		s.logger.Debug("text model requested but not configured", "instance_id", inst.ID)
	}

	s.persist(ctx, &res)
	s.registry.StoreResult(res)
	sn, created := s.sensors.Upsert(res)

	s.bus.Publish(events.ImageAnalyzed{
		ImageName:         res.ImageName,
		Description:       res.Description,
		ImageURL:          res.ImageURL,
		InstanceID:        res.InstanceID,
		UsedTextModel:     res.UsedTextModel,
		VisionDescription: res.VisionDescription,
		Timestamp:         res.AnalyzedAt,
	})

	s.logger.Info("image analysis complete",
		"image_name", res.ImageName, "instance_id", inst.ID, "entity_id", sn.EntityID,
		"used_text_model", res.UsedTextModel, "description_length", len(res.Description))

	return &AnalyzeResult{Result: res, EntityID: sn.EntityID, Created: created, Warning: sel.Warning}, nil
}

func (s *AnalysisService) persist(ctx context.Context, res *domain.Result) {
	if s.results == nil {
		return
	}
	if err := s.results.Save(ctx, res); err != nil {
		s.logger.Error("failed to persist result", "image_name", res.ImageName, "error", err)
	}
}

// Restore rebuilds the result cache and sensors from the latest persisted
// result of each image. Results of instances that are no longer configured
// are skipped.
func (s *AnalysisService) Restore(ctx context.Context) (int, error) {
	if s.results == nil {
		return 0, nil
	}
	latest, err := s.results.ListLatest(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to restore results: %w", err)
	}

	restored := 0
	for _, res := range latest {
		if _, ok := s.registry.Get(res.InstanceID); !ok {
			s.logger.Debug("skipping result of unknown instance", "image_name", res.ImageName, "instance_id", res.InstanceID)
			continue
		}
		// The cache holds one result per image name, so the newest
		// instance's result wins there.
		if cached, ok := s.registry.Result(res.ImageName); !ok || res.AnalyzedAt.After(cached.AnalyzedAt) {
			s.registry.StoreResult(*res)
		}
		s.sensors.Upsert(*res)
		restored++
	}
	s.logger.Info("results restored", "count", restored)
	return restored, nil
}

// RefreshStatus pings every instance concurrently and updates its status
// sensor.
func (s *AnalysisService) RefreshStatus(ctx context.Context) []*sensor.Sensor {
	instances := s.registry.Instances()
	statuses := make([]*sensor.Sensor, len(instances))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, inst := range instances {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, pingTimeout)
			defer cancel()

			err := inst.Vision.Ping(pctx)
			if err != nil {
				s.logger.Warn("instance unreachable", "instance_id", inst.ID, "host", inst.Host, "error", err)
			}
			statuses[i] = s.sensors.UpsertStatus(sensor.StatusUpdate{
				InstanceID: inst.ID,
				Name:       inst.Name,
				Host:       inst.Host,
				Model:      inst.Model,
				TextModel:  inst.TextModel,
				Connected:  err == nil,
			})
			return nil
		})
	}
	_ = g.Wait()
	return statuses
}

// History returns past results for imageName, newest first. Without a
// persistent store only the cached result is available.
func (s *AnalysisService) History(ctx context.Context, imageName string, limit int) ([]*domain.Result, error) {
	if s.results != nil {
		return s.results.History(ctx, imageName, limit)
	}
	res, ok := s.registry.Result(imageName)
	if !ok {
		return nil, nil
	}
	return []*domain.Result{&res}, nil
}
