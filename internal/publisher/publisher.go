package publisher

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/koios/artframe/internal/artmode"
	"github.com/koios/artframe/internal/config"
	"github.com/koios/artframe/internal/store"
	"github.com/koios/artframe/pkg/models"
	"go.uber.org/zap"
)

// State names the steps of one publish attempt
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateVerifying  State = "verifying"
	StateUploading  State = "uploading"
	StateSelecting  State = "selecting"
	StateDone       State = "done"
)

// Session is an open connection to the display device
type Session interface {
	Supported(ctx context.Context) (bool, error)
	Upload(ctx context.Context, data []byte, opts artmode.UploadOptions) (string, error)
	Select(ctx context.Context, contentID string, show *bool) error
	Close() error
}

// Dialer opens device sessions
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context) (Session, error)

// Dial calls f
func (f DialerFunc) Dial(ctx context.Context) (Session, error) {
	return f(ctx)
}

// ArtmodeDialer wraps an artmode.Dialer as a Dialer
func ArtmodeDialer(d *artmode.Dialer) Dialer {
	return DialerFunc(func(ctx context.Context) (Session, error) {
		return d.Dial(ctx)
	})
}

// ConnectError is returned when no session could be opened
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("connect: %v", e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// UploadError is returned when the TV rejects a replace or seed upload
type UploadError struct {
	Replace   bool
	ContentID string
	Err       error
}

func (e *UploadError) Error() string {
	if e.Replace {
		return fmt.Sprintf("replace of %s failed: %v", e.ContentID, e.Err)
	}
	return fmt.Sprintf("seed upload failed: %v", e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// SelectError reports a failed display request. Publish logs it but still
// treats the upload as successful.
type SelectError struct {
	ContentID string
	Err       error
}

func (e *SelectError) Error() string {
	return fmt.Sprintf("select %s failed: %v", e.ContentID, e.Err)
}

func (e *SelectError) Unwrap() error { return e.Err }

// Result describes a finished publish attempt
type Result struct {
	Outcome   models.UploadOutcome
	ContentID string
	// SelectErr is set when the upload succeeded but displaying it did not.
	SelectErr error
}

// Publisher pushes the artifact to the TV, replacing the previous upload when
// its id is known
type Publisher struct {
	dialer      Dialer
	ids         store.IDStore
	matte       string
	show        bool
	replaceLast bool
	logger      *zap.Logger
}

// NewPublisher creates a publisher for the configured TV
func NewPublisher(cfg config.TVConfig, dialer Dialer, ids store.IDStore, logger *zap.Logger) *Publisher {
	return &Publisher{
		dialer:      dialer,
		ids:         ids,
		matte:       cfg.Matte,
		show:        cfg.ShowAfterUpload,
		replaceLast: cfg.ReplaceLast,
		logger:      logger,
	}
}

// Publish uploads the file at artPath and asks the TV to show it. The session
// is closed on every path.
func (p *Publisher) Publish(ctx context.Context, artPath string) (res Result, err error) {
	state := StateIdle
	transition := func(next State) {
		p.logger.Debug("Publisher state change",
			zap.String("from", string(state)),
			zap.String("to", string(next)))
		state = next
	}
	defer func() {
		if err != nil {
			p.logger.Warn("Publish aborted",
				zap.String("state", string(state)),
				zap.Error(err))
		}
	}()

	res.Outcome = models.UploadFailed

	data, err := os.ReadFile(artPath)
	if err != nil {
		return res, fmt.Errorf("read artifact: %w", err)
	}

	transition(StateConnecting)
	session, err := p.dialer.Dial(ctx)
	if err != nil {
		return res, &ConnectError{Err: err}
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			p.logger.Debug("Closing TV session failed", zap.Error(cerr))
		}
	}()

	transition(StateVerifying)
	supported, err := session.Supported(ctx)
	if err != nil {
		return res, fmt.Errorf("art mode check: %w", err)
	}
	if !supported {
		// the TV is off or in a mode that cannot take art; not a failure
		p.logger.Info("TV does not support art mode right now; skipping upload")
		res.Outcome = models.UploadUnavailable
		return res, nil
	}

	transition(StateUploading)
	lastID := ""
	if p.replaceLast {
		if lastID, err = p.ids.Load(ctx); err != nil {
			p.logger.Warn("Failed to read last art id; uploading as new", zap.Error(err))
			lastID = ""
		}
	}

	opts := artmode.UploadOptions{
		FileType:  store.FileTypeFor(artPath),
		ContentID: lastID,
		Matte:     p.matte,
	}

	if lastID != "" {
		p.logger.Info("Replacing art on TV",
			zap.String("content_id", lastID),
			zap.String("file_type", opts.FileType))
	} else {
		p.logger.Info("Uploading new art to TV",
			zap.String("file_type", opts.FileType),
			zap.Int("bytes", len(data)))
	}

	contentID, err := session.Upload(ctx, data, opts)
	if err == nil && contentID == "" {
		err = errors.New("TV returned no content id")
	}
	if err != nil {
		// no seed fallback: a failed replace is retried next cycle
		return res, &UploadError{Replace: lastID != "", ContentID: lastID, Err: err}
	}

	res.ContentID = contentID
	res.Outcome = models.UploadSeeded
	if lastID != "" {
		res.Outcome = models.UploadReplaced
	}

	transition(StateSelecting)
	if selErr := p.selectImage(ctx, session, contentID); selErr != nil {
		res.SelectErr = selErr
		p.logger.Warn("Failed to select uploaded image", zap.Error(selErr))
	}

	transition(StateDone)
	if err := p.ids.Save(ctx, contentID); err != nil {
		p.logger.Error("Failed to persist art id", zap.String("content_id", contentID), zap.Error(err))
	}

	p.logger.Info("Upload to TV complete",
		zap.String("content_id", contentID),
		zap.String("outcome", string(res.Outcome)))

	return res, nil
}

// selectImage shows contentID, retrying without the show flag when the TV
// rejects the request
func (p *Publisher) selectImage(ctx context.Context, session Session, contentID string) error {
	show := p.show
	err := session.Select(ctx, contentID, &show)
	if err == nil {
		return nil
	}

	var reqErr *artmode.RequestError
	if !errors.As(err, &reqErr) {
		return &SelectError{ContentID: contentID, Err: err}
	}

	p.logger.Debug("TV rejected select with show flag; retrying without it", zap.Error(err))
	if err := session.Select(ctx, contentID, nil); err != nil {
		return &SelectError{ContentID: contentID, Err: err}
	}
	return nil
}
