package domain

import "time"

// Result is one completed image analysis.
type Result struct {
	ID         int64
	ImageName  string
	InstanceID string
	ImageURL   string
	Prompt     string
	// Description is the final text: the elaborated text when a text model
	// was used, otherwise the vision caption.
	Description string
	// VisionDescription is the raw caption from the vision model. It equals
	// Description unless UsedTextModel is set.
	VisionDescription string
	TextPrompt        string
	UsedTextModel     bool
	AnalyzedAt        time.Time
}
