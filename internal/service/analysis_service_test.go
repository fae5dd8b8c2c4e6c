package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remimikalsen/local-image-description-ha/internal/db"
	"github.com/remimikalsen/local-image-description-ha/internal/domain"
	"github.com/remimikalsen/local-image-description-ha/internal/events"
	"github.com/remimikalsen/local-image-description-ha/internal/logging"
	"github.com/remimikalsen/local-image-description-ha/internal/registry"
	"github.com/remimikalsen/local-image-description-ha/internal/sensor"
	"github.com/remimikalsen/local-image-description-ha/internal/store"
	"github.com/remimikalsen/local-image-description-ha/internal/vision"
)

// stubVision is a minimal vision.Backend for tests.
type stubVision struct {
	mu         sync.Mutex
	caption    string
	err        error
	elaborated string
	pingErr    error
	analyzed   int
	lastPrompt string
	lastTmpl   string
	elaborateN int
}

func (s *stubVision) Analyze(_ context.Context, _ string, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analyzed++
	s.lastPrompt = prompt
	return s.caption, s.err
}

func (s *stubVision) Elaborate(_ context.Context, caption, tmpl string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elaborateN++
	s.lastTmpl = tmpl
	if s.elaborated == "" {
		return caption
	}
	return s.elaborated
}

func (s *stubVision) Ping(context.Context) error { return s.pingErr }

// failingResults fails every call.
type failingResults struct{}

func (failingResults) Save(context.Context, *domain.Result) error { return errors.New("disk full") }
func (failingResults) ListLatest(context.Context) ([]*domain.Result, error) {
	return nil, errors.New("disk full")
}
func (failingResults) History(context.Context, string, int) ([]*domain.Result, error) {
	return nil, errors.New("disk full")
}

type fixture struct {
	svc     *AnalysisService
	reg     *registry.Registry
	sensors *sensor.Manager
	bus     *events.Bus
	results *store.ResultStore
}

func newFixture(t *testing.T, instances ...registry.Instance) *fixture {
	t.Helper()
	d, err := db.OpenForTesting()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	logger := logging.Discard()
	reg := registry.New(logger)
	for _, inst := range instances {
		_, err := reg.Register(inst)
		require.NoError(t, err)
	}
	f := &fixture{
		reg:     reg,
		sensors: sensor.NewManager(),
		bus:     events.NewBus(logger),
		results: store.NewResultStore(d),
	}
	f.svc = NewAnalysisService(f.reg, f.sensors, f.bus, f.results, logger)
	return f
}

func instance(id string, backend vision.Backend, textEnabled bool) registry.Instance {
	return registry.Instance{
		ID: id, Name: strings.ToUpper(id[:1]) + id[1:], Backend: "ollama",
		Host: id + ".lan", Port: 11434, Model: "moondream", TextModel: "llama3.1",
		TextEnabled: textEnabled, Vision: backend,
	}
}

func request(image string) AnalyzeRequest {
	return AnalyzeRequest{ImageURL: "http://cam/" + image + ".jpg", Prompt: "Describe", ImageName: image}
}

func (f *fixture) collectEvents(t *testing.T) func() []events.ImageAnalyzed {
	t.Helper()
	var mu sync.Mutex
	var got []events.ImageAnalyzed
	unsubscribe := f.bus.Subscribe(func(ev events.ImageAnalyzed) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	t.Cleanup(unsubscribe)
	return func() []events.ImageAnalyzed {
		mu.Lock()
		defer mu.Unlock()
		return append([]events.ImageAnalyzed(nil), got...)
	}
}

func TestAnalyzeImage(t *testing.T) {
	backend := &stubVision{caption: "  A parcel on the porch. \n"}
	f := newFixture(t, instance("kitchen", backend, false))
	received := f.collectEvents(t)

	res, err := f.svc.AnalyzeImage(context.Background(), request("porch"))

	require.NoError(t, err)
	assert.Equal(t, "A parcel on the porch.", res.Description)
	assert.Equal(t, "A parcel on the porch.", res.VisionDescription)
	assert.False(t, res.UsedTextModel)
	assert.Equal(t, "kitchen", res.InstanceID)
	assert.Equal(t, "sensor.ollama_vision_porch", res.EntityID)
	assert.True(t, res.Created)
	assert.Empty(t, res.Warning)
	assert.NotZero(t, res.ID)
	assert.Equal(t, "Describe", backend.lastPrompt)

	cached, ok := f.reg.Result("porch")
	require.True(t, ok)
	assert.Equal(t, res.Description, cached.Description)

	sn, ok := f.sensors.Get("sensor.ollama_vision_porch")
	require.True(t, ok)
	assert.Equal(t, "A parcel on the porch.", sn.State)
	assert.Equal(t, "http://cam/porch.jpg", sn.Attributes["image_url"])

	evs := received()
	require.Len(t, evs, 1)
	assert.Equal(t, "porch", evs[0].ImageName)
	assert.Equal(t, "kitchen", evs[0].InstanceID)
	assert.NotEmpty(t, evs[0].ID)

	stored, err := f.results.Latest(context.Background(), "porch")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "A parcel on the porch.", stored.Description)
}

func TestAnalyzeImageUpdatesExistingSensor(t *testing.T) {
	backend := &stubVision{caption: "first"}
	f := newFixture(t, instance("kitchen", backend, false))
	ctx := context.Background()

	_, err := f.svc.AnalyzeImage(ctx, request("porch"))
	require.NoError(t, err)
	backend.caption = "second"
	res, err := f.svc.AnalyzeImage(ctx, request("porch"))

	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "sensor.ollama_vision_porch", res.EntityID)
	assert.Len(t, f.sensors.List(), 1)
	cached, _ := f.reg.Result("porch")
	assert.Equal(t, "second", cached.Description)
}

func TestAnalyzeImageWithTextModel(t *testing.T) {
	backend := &stubVision{caption: "a person", elaborated: " Someone is at the door. "}
	f := newFixture(t, instance("kitchen", backend, true))
	req := request("door")
	req.UseTextModel = true

	res, err := f.svc.AnalyzeImage(context.Background(), req)

	require.NoError(t, err)
	assert.True(t, res.UsedTextModel)
	assert.Equal(t, "Someone is at the door.", res.Description)
	assert.Equal(t, "a person", res.VisionDescription)
	assert.Equal(t, vision.DefaultTextPrompt, res.TextPrompt)
	assert.Equal(t, vision.DefaultTextPrompt, backend.lastTmpl)

	sn, ok := f.sensors.Get(res.EntityID)
	require.True(t, ok)
	assert.Equal(t, "a person", sn.Attributes["vision_description"])
}

func TestAnalyzeImageCustomTextPrompt(t *testing.T) {
	backend := &stubVision{caption: "a cat", elaborated: "A cat!"}
	f := newFixture(t, instance("kitchen", backend, true))
	req := request("yard")
	req.UseTextModel = true
	req.TextPrompt = "Shout {description}"

	res, err := f.svc.AnalyzeImage(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "Shout {description}", backend.lastTmpl)
	assert.Equal(t, "Shout {description}", res.TextPrompt)
}

func TestAnalyzeImageTextModelNotConfigured(t *testing.T) {
	backend := &stubVision{caption: "a cat", elaborated: "should not be used"}
	f := newFixture(t, instance("kitchen", backend, false))
	req := request("yard")
	req.UseTextModel = true

	res, err := f.svc.AnalyzeImage(context.Background(), req)

	require.NoError(t, err)
	assert.False(t, res.UsedTextModel)
	assert.Equal(t, "a cat", res.Description)
	assert.Zero(t, backend.elaborateN)
}

func TestAnalyzeImageValidation(t *testing.T) {
	backend := &stubVision{caption: "x"}
	f := newFixture(t, instance("kitchen", backend, false))

	tests := []struct {
		name    string
		req     AnalyzeRequest
		missing string
	}{
		{"no url", AnalyzeRequest{Prompt: "p", ImageName: "n"}, "image_url"},
		{"no prompt", AnalyzeRequest{ImageURL: "u", ImageName: "n"}, "prompt"},
		{"blank name", AnalyzeRequest{ImageURL: "u", Prompt: "p", ImageName: "  "}, "image_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.AnalyzeImage(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.Contains(t, err.Error(), tt.missing)
		})
	}
	assert.Zero(t, backend.analyzed)
}

func TestAnalyzeImageBackendFailure(t *testing.T) {
	backend := &stubVision{err: vision.ErrImageFetch}
	f := newFixture(t, instance("kitchen", backend, false))
	received := f.collectEvents(t)

	_, err := f.svc.AnalyzeImage(context.Background(), request("porch"))

	require.ErrorIs(t, err, ErrAnalysisFailed)
	assert.ErrorIs(t, err, vision.ErrImageFetch)
	_, ok := f.reg.Result("porch")
	assert.False(t, ok)
	assert.Empty(t, f.sensors.List())
	assert.Empty(t, received())
}

func TestAnalyzeImageNoInstances(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.AnalyzeImage(context.Background(), request("porch"))

	assert.ErrorIs(t, err, registry.ErrNoInstances)
}

func TestAnalyzeImageRouting(t *testing.T) {
	kitchen := &stubVision{caption: "from kitchen"}
	garage := &stubVision{caption: "from garage"}
	f := newFixture(t, instance("kitchen", kitchen, false), instance("garage", garage, false))
	ctx := context.Background()

	req := request("porch")
	req.InstanceSelector = "garage"
	res, err := f.svc.AnalyzeImage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "from garage", res.Description)
	assert.Empty(t, res.Warning)

	req.InstanceSelector = registry.DeviceIDFor("kitchen")
	res, err = f.svc.AnalyzeImage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "from kitchen", res.Description)

	req.InstanceSelector = ""
	res, err = f.svc.AnalyzeImage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "kitchen", res.InstanceID)
	assert.NotEmpty(t, res.Warning)
}

func TestAnalyzeImagePersistFailureIsNotFatal(t *testing.T) {
	backend := &stubVision{caption: "ok"}
	logger := logging.Discard()
	reg := registry.New(logger)
	_, err := reg.Register(instance("kitchen", backend, false))
	require.NoError(t, err)
	svc := NewAnalysisService(reg, sensor.NewManager(), events.NewBus(logger), failingResults{}, logger)

	res, err := svc.AnalyzeImage(context.Background(), request("porch"))

	require.NoError(t, err)
	assert.Equal(t, "ok", res.Description)
	assert.Zero(t, res.ID)
}

func TestRestore(t *testing.T) {
	f := newFixture(t, instance("kitchen", &stubVision{}, false))
	ctx := context.Background()
	at := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	for _, r := range []*domain.Result{
		{ImageName: "porch", InstanceID: "kitchen", Description: "old", AnalyzedAt: at},
		{ImageName: "porch", InstanceID: "kitchen", Description: "new", AnalyzedAt: at.Add(time.Minute)},
		{ImageName: "attic", InstanceID: "removed", Description: "gone", AnalyzedAt: at},
	} {
		require.NoError(t, f.results.Save(ctx, r))
	}

	n, err := f.svc.Restore(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	cached, ok := f.reg.Result("porch")
	require.True(t, ok)
	assert.Equal(t, "new", cached.Description)
	sn, ok := f.sensors.Get("sensor.ollama_vision_porch")
	require.True(t, ok)
	assert.Equal(t, "new", sn.State)
	_, ok = f.reg.Result("attic")
	assert.False(t, ok)
}

func TestRestoreSameImageOnTwoInstances(t *testing.T) {
	f := newFixture(t, instance("kitchen", &stubVision{}, false), instance("garage", &stubVision{}, false))
	ctx := context.Background()
	at := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	for _, r := range []*domain.Result{
		{ImageName: "porch", InstanceID: "kitchen", Description: "kitchen view", AnalyzedAt: at.Add(time.Minute)},
		{ImageName: "porch", InstanceID: "garage", Description: "garage view", AnalyzedAt: at},
	} {
		require.NoError(t, f.results.Save(ctx, r))
	}

	n, err := f.svc.Restore(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	list := f.sensors.List()
	require.Len(t, list, 2)
	states := map[string]string{}
	for _, sn := range list {
		states[sn.InstanceID] = sn.State
	}
	assert.Equal(t, map[string]string{"kitchen": "kitchen view", "garage": "garage view"}, states)
	cached, ok := f.reg.Result("porch")
	require.True(t, ok)
	assert.Equal(t, "kitchen view", cached.Description)
}

func TestRestoreError(t *testing.T) {
	logger := logging.Discard()
	svc := NewAnalysisService(registry.New(logger), sensor.NewManager(), events.NewBus(logger), failingResults{}, logger)

	_, err := svc.Restore(context.Background())

	assert.ErrorContains(t, err, "failed to restore results")
}

func TestRefreshStatus(t *testing.T) {
	up := &stubVision{caption: "x"}
	down := &stubVision{pingErr: errors.New("connection refused")}
	f := newFixture(t, instance("kitchen", up, false), instance("garage", down, false))
	_, err := f.svc.AnalyzeImage(context.Background(), request("porch"))
	require.NoError(t, err)

	statuses := f.svc.RefreshStatus(context.Background())

	require.Len(t, statuses, 2)
	assert.Equal(t, "kitchen", statuses[0].InstanceID)
	assert.Equal(t, sensor.StatusConnected, statuses[0].State)
	assert.Equal(t, 1, statuses[0].Attributes["descriptions_count"])
	assert.Equal(t, "garage", statuses[1].InstanceID)
	assert.Equal(t, sensor.StatusUnavailable, statuses[1].State)
	assert.Equal(t, "garage.lan", statuses[1].Attributes["host"])
}

func TestHistory(t *testing.T) {
	backend := &stubVision{caption: "one"}
	f := newFixture(t, instance("kitchen", backend, false))
	ctx := context.Background()
	_, err := f.svc.AnalyzeImage(ctx, request("porch"))
	require.NoError(t, err)
	backend.caption = "two"
	_, err = f.svc.AnalyzeImage(ctx, request("porch"))
	require.NoError(t, err)

	history, err := f.svc.History(ctx, "porch", 10)

	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "two", history[0].Description)
}

func TestHistoryWithoutStore(t *testing.T) {
	backend := &stubVision{caption: "cached"}
	logger := logging.Discard()
	reg := registry.New(logger)
	_, err := reg.Register(instance("kitchen", backend, false))
	require.NoError(t, err)
	svc := NewAnalysisService(reg, sensor.NewManager(), events.NewBus(logger), nil, logger)
	ctx := context.Background()

	_, err = svc.AnalyzeImage(ctx, request("porch"))
	require.NoError(t, err)

	history, err := svc.History(ctx, "porch", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "cached", history[0].Description)

	none, err := svc.History(ctx, "attic", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
