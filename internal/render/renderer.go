package render

import (
	"context"
	"fmt"
	"time"
)

// Image encodings the renderer can produce
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

// Render stages reported in RenderError
const (
	StageLaunch   = "launch"
	StageNavigate = "navigate"
	StageEvaluate = "evaluate"
	StageCapture  = "capture"
)

// Request describes one page rasterization
type Request struct {
	URL     string
	Headers map[string]string
	Width   int
	Height  int
	// Zoom is a percentage; 100 leaves the page untouched.
	Zoom    int
	Timeout time.Duration
	Format  string
}

// Renderer rasterizes a URL to image bytes
type Renderer interface {
	Render(ctx context.Context, req Request) ([]byte, error)
}

// RenderError wraps a failure in one render stage
type RenderError struct {
	Stage string
	URL   string
	Err   error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %s failed: %v", e.URL, e.Stage, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// ZoomExpression returns the script that scales the document body to zoom
// percent.
func ZoomExpression(zoom int) string {
	return fmt.Sprintf(`document.body.style.zoom = "%d%%"`, zoom)
}

// FormatFor picks the screenshot encoding matching an upload file type
func FormatFor(fileType string) string {
	if fileType == "PNG" {
		return FormatPNG
	}
	return FormatJPEG
}
