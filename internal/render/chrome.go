package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/koios/artframe/internal/config"
	"go.uber.org/zap"
)

const (
	// lifecycle event fired once no more than two connections stay open for 500ms
	networkAlmostIdle = "networkAlmostIdle"

	defaultRenderTimeout = 30 * time.Second
)

// Chrome renders pages with a fresh headless Chrome/Chromium process per call
type Chrome struct {
	execPaths   []string
	jpegQuality int64
	logger      *zap.Logger
}

// NewChrome creates a chromedp-backed renderer
func NewChrome(cfg config.RenderConfig, logger *zap.Logger) *Chrome {
	return &Chrome{
		execPaths:   cfg.ChromePaths,
		jpegQuality: 90,
		logger:      logger,
	}
}

// Render launches a browser, loads req.URL and captures the viewport. When
// the default launch fails it retries once with the sandbox disabled.
func (c *Chrome) Render(ctx context.Context, req Request) ([]byte, error) {
	execPath := findExecutable(c.execPaths)

	c.logger.Info("Rendering page with headless browser",
		zap.String("url", req.URL),
		zap.String("exec_path", execPath),
		zap.Int("width", req.Width),
		zap.Int("height", req.Height),
		zap.Int("zoom", req.Zoom))

	buf, err := c.render(ctx, req, execPath, false)

	var renderErr *RenderError
	if errors.As(err, &renderErr) && renderErr.Stage == StageLaunch && ctx.Err() == nil {
		c.logger.Warn("Browser launch failed, retrying with --no-sandbox", zap.Error(err))
		buf, err = c.render(ctx, req, execPath, true)
	}
	return buf, err
}

func (c *Chrome) render(ctx context.Context, req Request, execPath string, noSandbox bool) ([]byte, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultRenderTimeout
	}
	renderCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.WindowSize(req.Width, req.Height))
	if execPath != "" {
		opts = append(opts, chromedp.ExecPath(execPath))
	}
	if noSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(renderCtx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	// An empty Run starts the browser and opens the first tab.
	if err := chromedp.Run(browserCtx); err != nil {
		return nil, &RenderError{Stage: StageLaunch, URL: req.URL, Err: err}
	}

	watcher := newIdleWatcher()
	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == networkAlmostIdle {
			watcher.observe(e.FrameID, e.LoaderID)
		}
	})

	actions := []chromedp.Action{
		network.Enable(),
		page.SetLifecycleEventsEnabled(true),
		chromedp.EmulateViewport(int64(req.Width), int64(req.Height)),
	}
	if len(req.Headers) > 0 {
		headers := make(network.Headers, len(req.Headers))
		for k, v := range req.Headers {
			headers[k] = v
		}
		actions = append(actions, network.SetExtraHTTPHeaders(headers))
	}
	actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
		frameID, loaderID, errorText, err := page.Navigate(req.URL).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("navigation failed: %s", errorText)
		}
		watcher.expect(frameID, loaderID)
		return nil
	}))

	if err := chromedp.Run(browserCtx, actions...); err != nil {
		return nil, &RenderError{Stage: StageNavigate, URL: req.URL, Err: err}
	}

	select {
	case <-watcher.done():
	case <-renderCtx.Done():
		return nil, &RenderError{Stage: StageNavigate, URL: req.URL, Err: renderCtx.Err()}
	}

	if req.Zoom != 0 && req.Zoom != 100 {
		var applied string
		if err := chromedp.Run(browserCtx, chromedp.Evaluate(ZoomExpression(req.Zoom), &applied)); err != nil {
			return nil, &RenderError{Stage: StageEvaluate, URL: req.URL, Err: err}
		}
	}

	var buf []byte
	err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := page.CaptureScreenshot()
		if req.Format == FormatPNG {
			params = params.WithFormat(page.CaptureScreenshotFormatPng)
		} else {
			params = params.WithFormat(page.CaptureScreenshotFormatJpeg).WithQuality(c.jpegQuality)
		}
		var err error
		buf, err = params.Do(ctx)
		return err
	}))
	if err != nil {
		return nil, &RenderError{Stage: StageCapture, URL: req.URL, Err: err}
	}

	c.logger.Debug("Page rendered",
		zap.String("url", req.URL),
		zap.Int("bytes", len(buf)))

	return buf, nil
}

// findExecutable returns the first existing browser binary, or "" to let
// chromedp search its defaults.
func findExecutable(candidates []string) string {
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}
