package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/remimikalsen/local-image-description-ha/internal/service"
	"github.com/remimikalsen/local-image-description-ha/internal/vision"
)

// AnalyzeCmd runs a single analysis and prints the result.
type AnalyzeCmd struct {
	ImageURL     string `help:"URL of the image to analyze" required:"" name:"image-url"`
	ImageName    string `help:"Name identifying the image; keys the sensor" required:"" name:"image-name"`
	Prompt       string `help:"Prompt for the vision model"`
	Instance     string `help:"Instance id or device id to use"`
	UseTextModel bool   `help:"Elaborate the caption with the instance's text model"`
	TextPrompt   string `help:"Text model prompt; {description} is replaced with the caption"`
	Persist      bool   `help:"Store the result in the database"`
}

type analyzeOutput struct {
	EntityID          string    `json:"entity_id"`
	ImageName         string    `json:"image_name"`
	InstanceID        string    `json:"instance_id"`
	Description       string    `json:"description"`
	VisionDescription string    `json:"vision_description"`
	UsedTextModel     bool      `json:"used_text_model"`
	Warning           string    `json:"warning,omitempty"`
	AnalyzedAt        time.Time `json:"analyzed_at"`
}

// Run executes the analyze command.
func (c *AnalyzeCmd) Run(cli *CLI) error {
	a, err := newApp(cli.loadConfig(), c.Persist)
	if err != nil {
		return err
	}
	defer a.Close()

	prompt := c.Prompt
	if prompt == "" {
		prompt = vision.DefaultPrompt
	}

	res, err := a.service.AnalyzeImage(context.Background(), service.AnalyzeRequest{
		ImageURL:         c.ImageURL,
		Prompt:           prompt,
		ImageName:        c.ImageName,
		InstanceSelector: c.Instance,
		UseTextModel:     c.UseTextModel,
		TextPrompt:       c.TextPrompt,
	})
	if err != nil {
		return err
	}
	return writeAnalysis(os.Stdout, res)
}

func writeAnalysis(w io.Writer, res *service.AnalyzeResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(analyzeOutput{
		EntityID:          res.EntityID,
		ImageName:         res.ImageName,
		InstanceID:        res.InstanceID,
		Description:       res.Description,
		VisionDescription: res.VisionDescription,
		UsedTextModel:     res.UsedTextModel,
		Warning:           res.Warning,
		AnalyzedAt:        res.AnalyzedAt,
	})
}
