// Package sensor keeps host-visible state for analysis results: one sensor
// per analyzed image name and one status sensor per instance.
package sensor

import (
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/remimikalsen/local-image-description-ha/internal/config"
	"github.com/remimikalsen/local-image-description-ha/internal/domain"
)

// MaxStateLength is the longest state value a sensor holds. The full text is
// kept in the description attribute.
const MaxStateLength = 255

const (
	entityPrefix = "sensor.ollama_vision_"
	uniquePrefix = "ollama_vision_"

	StatusConnected   = "Connected"
	StatusUnavailable = "Unavailable"
)

type Sensor struct {
	EntityID   string         `json:"entity_id"`
	UniqueID   string         `json:"unique_id"`
	Name       string         `json:"name"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
	InstanceID string         `json:"instance_id"`
	ImageName  string         `json:"image_name,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (s *Sensor) clone() *Sensor {
	c := *s
	c.Attributes = maps.Clone(s.Attributes)
	return &c
}

// StatusUpdate describes an instance for its status sensor.
type StatusUpdate struct {
	InstanceID string
	Name       string
	Host       string
	Model      string
	TextModel  string
	Connected  bool
}

// sensorKey identifies a sensor. Instance ids and image names may both
// contain underscores, so their joined UniqueID is not used as the key.
type sensorKey struct {
	instanceID string
	imageName  string
	status     bool
}

type Manager struct {
	mu       sync.RWMutex
	sensors  map[sensorKey]*Sensor
	entities map[string]sensorKey // entity id -> owner
	now      func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		sensors:  make(map[sensorKey]*Sensor),
		entities: make(map[string]sensorKey),
		now:      time.Now,
	}
}

// Upsert creates or updates the sensor for res and returns a copy of it.
// created reports whether the sensor is new.
func (m *Manager) Upsert(res domain.Result) (s *Sensor, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sensorKey{instanceID: res.InstanceID, imageName: res.ImageName}
	sensor, ok := m.sensors[key]
	if !ok {
		sensor = &Sensor{
			UniqueID:   uniquePrefix + res.InstanceID + "_" + res.ImageName,
			EntityID:   m.allocateEntityID(entityPrefix+objectID(res.ImageName), key),
			Name:       "Ollama Vision " + res.ImageName,
			InstanceID: res.InstanceID,
			ImageName:  res.ImageName,
		}
		m.sensors[key] = sensor
	}

	sensor.State = Truncate(res.Description, MaxStateLength)
	attrs := map[string]any{
		"friendly_name":   sensor.Name,
		"icon":            "mdi:image-search",
		"description":     res.Description,
		"image_url":       res.ImageURL,
		"prompt":          res.Prompt,
		"integration_id":  res.InstanceID,
		"used_text_model": res.UsedTextModel,
	}
	if res.UsedTextModel {
		attrs["vision_description"] = res.VisionDescription
		attrs["text_prompt"] = res.TextPrompt
	}
	sensor.Attributes = attrs
	sensor.UpdatedAt = res.AnalyzedAt
	if sensor.UpdatedAt.IsZero() {
		sensor.UpdatedAt = m.now()
	}

	return sensor.clone(), !ok
}

// UpsertStatus refreshes the status sensor of an instance.
func (m *Manager) UpsertStatus(u StatusUpdate) *Sensor {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sensorKey{instanceID: u.InstanceID, status: true}
	sensor, ok := m.sensors[key]
	if !ok {
		sensor = &Sensor{
			UniqueID:   u.InstanceID + "_status",
			EntityID:   m.allocateEntityID(entityPrefix+config.Slug(u.InstanceID)+"_status", key),
			Name:       u.Name + " Status",
			InstanceID: u.InstanceID,
		}
		m.sensors[key] = sensor
	}

	sensor.State = StatusUnavailable
	if u.Connected {
		sensor.State = StatusConnected
	}
	sensor.Attributes = map[string]any{
		"friendly_name":      sensor.Name,
		"icon":               "mdi:eye",
		"host":               u.Host,
		"model":              u.Model,
		"text_model":         u.TextModel,
		"descriptions_count": m.countImages(u.InstanceID),
	}
	sensor.UpdatedAt = m.now()
	return sensor.clone()
}

// allocateEntityID returns base, or base_2, base_3... when base is taken by
// another sensor. Callers hold mu.
func (m *Manager) allocateEntityID(base string, key sensorKey) string {
	id := base
	for n := 2; ; n++ {
		owner, taken := m.entities[id]
		if !taken || owner == key {
			m.entities[id] = key
			return id
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}
}

func (m *Manager) countImages(instanceID string) int {
	n := 0
	for key := range m.sensors {
		if key.instanceID == instanceID && !key.status {
			n++
		}
	}
	return n
}

func (m *Manager) Get(entityID string) (*Sensor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.entities[entityID]
	if !ok {
		return nil, false
	}
	return m.sensors[key].clone(), true
}

// List returns every sensor sorted by entity id.
func (m *Manager) List() []*Sensor {
	m.mu.RLock()
	out := make([]*Sensor, 0, len(m.sensors))
	for _, s := range m.sensors {
		out = append(out, s.clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// RemoveInstance drops every sensor owned by instanceID and returns how many
// were removed.
func (m *Manager) RemoveInstance(instanceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, s := range m.sensors {
		if key.instanceID != instanceID {
			continue
		}
		delete(m.sensors, key)
		delete(m.entities, s.EntityID)
		n++
	}
	return n
}

// Truncate shortens s to at most limit bytes without splitting a rune.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func objectID(imageName string) string {
	if slug := config.Slug(imageName); slug != "" {
		return slug
	}
	return "image"
}
