package poller

import (
	"context"
	"sync"
	"time"

	"github.com/koios/artframe/internal/config"
	"github.com/koios/artframe/internal/fetcher"
	"github.com/koios/artframe/internal/publisher"
	"github.com/koios/artframe/internal/render"
	"github.com/koios/artframe/pkg/models"
	"go.uber.org/zap"
)

// Cycle stage names used in CycleResult errors
const (
	StageFetch  = "fetch"
	StageRender = "render"
	StageStore  = "store"
	StageUpload = "upload"
	StageSelect = "select"
)

// Source fetches the provider content
type Source interface {
	URL() string
	Headers() map[string]string
	Fetch(ctx context.Context) (*fetcher.Result, error)
}

// ArtStore holds the single current artifact
type ArtStore interface {
	Path() string
	FileType() string
	Exists() bool
	Write(ctx context.Context, data []byte) error
}

// Uploader pushes the stored artifact to the display
type Uploader interface {
	Publish(ctx context.Context, artPath string) (publisher.Result, error)
}

// EventPublisher announces finished cycles
type EventPublisher interface {
	PublishCycleResult(ctx context.Context, result *models.CycleResult) error
}

// Status is a snapshot of the poller for the status endpoint
type Status struct {
	Cycles    int                 `json:"cycles"`
	Interval  string              `json:"interval"`
	NextRunAt *time.Time          `json:"next_run_at,omitempty"`
	LastCycle *models.CycleResult `json:"last_cycle,omitempty"`
}

// Poller runs the fetch, render, store and upload cycle on a fixed interval
type Poller struct {
	source   Source
	renderer render.Renderer
	store    ArtStore
	uploader Uploader
	events   EventPublisher
	render   config.RenderConfig
	interval time.Duration
	logger   *zap.Logger

	mu     sync.RWMutex
	status Status
}

// NewPoller creates a poller. uploader may be nil when no TV is configured
// and events may be nil when cycles are not announced.
func NewPoller(cfg *config.Config, source Source, renderer render.Renderer, store ArtStore, uploader Uploader, events EventPublisher, logger *zap.Logger) *Poller {
	return &Poller{
		source:   source,
		renderer: renderer,
		store:    store,
		uploader: uploader,
		events:   events,
		render:   cfg.Render,
		interval: cfg.Interval,
		logger:   logger,
		status:   Status{Interval: cfg.Interval.String()},
	}
}

// Run executes a cycle immediately and then once per interval until ctx is
// cancelled
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Starting poller", zap.Duration("interval", p.interval))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Poller stopped")
			return nil
		case <-timer.C:
			p.RunOnce(ctx)

			next := time.Now().Add(p.interval)
			p.mu.Lock()
			p.status.NextRunAt = &next
			p.mu.Unlock()

			timer.Reset(p.interval)
		}
	}
}

// RunOnce performs one cycle. Failures are recorded in the returned result and
// never abort the loop.
func (p *Poller) RunOnce(ctx context.Context) *models.CycleResult {
	result := &models.CycleResult{
		Type:      models.CycleResultType,
		StartedAt: time.Now(),
		SourceURL: p.source.URL(),
		Upload:    models.UploadSkipped,
	}

	p.refresh(ctx, result)
	p.upload(ctx, result)

	result.FinishedAt = time.Now()
	p.record(result)

	if p.events != nil && ctx.Err() == nil {
		if err := p.events.PublishCycleResult(ctx, result); err != nil {
			p.logger.Warn("Failed to publish cycle result", zap.Error(err))
		}
	}

	p.logger.Info("Cycle complete",
		zap.Bool("stored", result.Stored),
		zap.String("upload", string(result.Upload)),
		zap.Int("errors", len(result.Errors)),
		zap.Duration("duration", result.Duration()))

	return result
}

// refresh fetches the provider content and updates the stored artifact. On any
// failure the previous artifact is left untouched.
func (p *Poller) refresh(ctx context.Context, result *models.CycleResult) {
	if result.SourceURL == "" {
		p.logger.Info("No image provider configured; skipping fetch")
		return
	}
	if ctx.Err() != nil {
		return
	}

	fetched, err := p.source.Fetch(ctx)
	if err != nil {
		p.logger.Warn("Failed to fetch image; keeping previous artifact",
			zap.String("url", result.SourceURL),
			zap.Error(err))
		result.AddError(StageFetch, err)
		return
	}
	result.ContentKind = fetched.Kind

	data := fetched.Body
	if fetched.Kind == models.ContentHTML {
		data = p.renderPage(ctx, result, fetched.Body)
	}

	if err := p.store.Write(ctx, data); err != nil {
		p.logger.Error("Failed to store artifact",
			zap.String("path", p.store.Path()),
			zap.Error(err))
		result.AddError(StageStore, err)
		return
	}

	result.Stored = true
	result.StoredBytes = len(data)
	p.logger.Info("Stored artifact",
		zap.String("path", p.store.Path()),
		zap.String("kind", string(fetched.Kind)),
		zap.Int("bytes", len(data)))
}

// renderPage screenshots the provider page, falling back to the raw body
func (p *Poller) renderPage(ctx context.Context, result *models.CycleResult, raw []byte) []byte {
	req := render.Request{
		URL:     result.SourceURL,
		Headers: p.source.Headers(),
		Width:   p.render.Width,
		Height:  p.render.Height,
		Zoom:    p.render.Zoom,
		Timeout: p.render.Timeout,
		Format:  render.FormatFor(p.store.FileType()),
	}

	image, err := p.renderer.Render(ctx, req)
	if err != nil {
		p.logger.Warn("Failed to render page; storing raw response",
			zap.String("url", req.URL),
			zap.Error(err))
		result.AddError(StageRender, err)
		return raw
	}

	result.Rendered = true
	return image
}

func (p *Poller) upload(ctx context.Context, result *models.CycleResult) {
	if p.uploader == nil {
		p.logger.Debug("No TV configured; skipping upload")
		return
	}
	if ctx.Err() != nil {
		return
	}
	if !p.store.Exists() {
		p.logger.Info("No artifact stored yet; skipping upload")
		return
	}

	res, err := p.uploader.Publish(ctx, p.store.Path())
	result.Upload = res.Outcome
	result.ContentID = res.ContentID
	if err != nil {
		p.logger.Warn("Failed to upload to TV", zap.Error(err))
		result.AddError(StageUpload, err)
	}
	if res.SelectErr != nil {
		result.AddError(StageSelect, res.SelectErr)
	}
}

func (p *Poller) record(result *models.CycleResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Cycles++
	snapshot := *result
	snapshot.Errors = append([]models.StageError(nil), result.Errors...)
	p.status.LastCycle = &snapshot
}

// Status returns a copy of the current poller status
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	status := p.status
	if status.LastCycle != nil {
		last := *status.LastCycle
		status.LastCycle = &last
	}
	return status
}
