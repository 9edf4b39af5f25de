package artmode

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/koios/artframe/internal/config"
	"go.uber.org/zap"
)

const (
	artChannelPath = "/api/v2/channels/com.samsung.art-app"
	securePort     = 8002
	restPort       = 8001

	// how long Select waits for the TV to object before assuming success
	selectAckTimeout = 3 * time.Second

	// matte the TV applies when none is configured
	defaultMatte = "shadowbox_polar"
)

// ErrClosed is returned for requests on a closed session
var ErrClosed = errors.New("art mode session closed")

// Dialer opens art-mode sessions to one TV
type Dialer struct {
	Host      string
	Port      int
	TokenFile string
	Name      string
	Timeout   time.Duration
	// RESTURL is the device-info endpoint used by Supported.
	RESTURL    string
	HTTPClient *http.Client
	logger     *zap.Logger
}

// NewDialer creates a dialer from the TV configuration
func NewDialer(cfg config.TVConfig, logger *zap.Logger) *Dialer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Dialer{
		Host:      cfg.IP,
		Port:      cfg.Port,
		TokenFile: cfg.TokenFile,
		Name:      "artframe",
		Timeout:   timeout,
		RESTURL:   fmt.Sprintf("http://%s/api/v2/", net.JoinHostPort(cfg.IP, fmt.Sprint(restPort))),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Client is an open art channel session
type Client struct {
	conn       *websocket.Conn
	host       string
	restURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger

	writeMu sync.Mutex

	waitersMu sync.Mutex
	waiters   map[*waiter]struct{}

	done      chan struct{}
	readErr   error
	closeOnce sync.Once
}

type waiter struct {
	match func(Event) bool
	ch    chan Event
}

// Dial connects to the art channel and completes the pairing handshake. A
// token issued by the TV is written to the token file for later sessions.
func (d *Dialer) Dial(ctx context.Context) (*Client, error) {
	token := d.readToken()

	wsURL := d.channelURL(token)
	dialer := websocket.Dialer{
		HandshakeTimeout: d.Timeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true}, // TVs use self-signed certificates
	}

	d.logger.Debug("Connecting to TV art channel",
		zap.String("host", d.Host),
		zap.Int("port", d.Port),
		zap.Bool("has_token", token != ""))

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to TV %s: %w", d.Host, err)
	}

	if err := d.handshake(ctx, conn, token); err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		conn:       conn,
		host:       d.Host,
		restURL:    d.RESTURL,
		httpClient: d.HTTPClient,
		timeout:    d.Timeout,
		logger:     d.logger,
		waiters:    make(map[*waiter]struct{}),
		done:       make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

func (d *Dialer) channelURL(token string) string {
	scheme := "ws"
	if d.Port == securePort {
		scheme = "wss"
	}
	q := url.Values{}
	q.Set("name", base64.StdEncoding.EncodeToString([]byte(d.Name)))
	if token != "" {
		q.Set("token", token)
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     net.JoinHostPort(d.Host, fmt.Sprint(d.Port)),
		Path:     artChannelPath,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// handshake waits for ms.channel.connect and then ms.channel.ready
func (d *Dialer) handshake(ctx context.Context, conn *websocket.Conn, token string) error {
	deadline := time.Now().Add(d.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	defer conn.SetReadDeadline(time.Time{})

	connected := false
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("art channel handshake: %w", err)
		}

		switch f.Event {
		case eventChannelConnect:
			connected = true
			var data connectData
			if err := json.Unmarshal(f.Data, &data); err == nil && data.Token != "" && data.Token != token {
				d.writeToken(data.Token)
			}
		case eventChannelReady:
			if !connected {
				return errors.New("art channel handshake: ready before connect")
			}
			return nil
		case eventChannelUnauthorized:
			return errors.New("art channel handshake: TV rejected the connection (accept the pairing prompt on the TV)")
		default:
			d.logger.Debug("Ignoring handshake event", zap.String("event", f.Event))
		}
	}
}

func (d *Dialer) readToken() string {
	if d.TokenFile == "" {
		return ""
	}
	data, err := os.ReadFile(d.TokenFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (d *Dialer) writeToken(token string) {
	if d.TokenFile == "" {
		return
	}
	if err := os.WriteFile(d.TokenFile, []byte(token), 0o600); err != nil {
		d.logger.Warn("Failed to persist TV token", zap.String("path", d.TokenFile), zap.Error(err))
		return
	}
	d.logger.Info("Stored new TV pairing token", zap.String("path", d.TokenFile))
}

// Supported reports whether the TV exposes art mode right now
func (c *Client) Supported(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.restURL, http.NoBody)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("device info request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("device info request: unexpected status %d", resp.StatusCode)
	}

	var info struct {
		Device struct {
			FrameTVSupport string `json:"FrameTVSupport"`
		} `json:"device"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return false, fmt.Errorf("failed to decode device info: %w", err)
	}
	return strings.EqualFold(info.Device.FrameTVSupport, "true"), nil
}

// UploadOptions controls a send_image request
type UploadOptions struct {
	// FileType is JPEG, JPG or PNG.
	FileType string
	// ContentID, when set, asks the TV to replace that item in place.
	ContentID string
	Matte     string
}

// Upload sends image bytes and returns the TV's content id for them
func (c *Client) Upload(ctx context.Context, data []byte, opts UploadOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fileType := wireFileType(opts.FileType)
	matte := opts.Matte
	if matte == "" {
		matte = defaultMatte
	}

	requestID := uuid.NewString()
	request := map[string]interface{}{
		"request":    requestSendImage,
		"file_type":  fileType,
		"request_id": requestID,
		"id":         requestID,
		"conn_info": map[string]interface{}{
			"d2d_mode":      "socket",
			"connection_id": rand.Int63n(4 << 30),
			"id":            uuid.NewString(),
		},
		"image_date":        time.Now().Format("2006:01:02 15:04:05"),
		"matte_id":          matte,
		"portrait_matte_id": matte,
		"file_size":         len(data),
	}
	if opts.ContentID != "" {
		request["content_id"] = opts.ContentID
	}

	ready := c.register(func(ev Event) bool {
		return ev.matches(requestID) && (ev.Event == eventReadyToUse || ev.Event == eventError)
	})
	defer c.unregister(ready)
	added := c.register(func(ev Event) bool {
		return ev.Event == eventImageAdded || (ev.matches(requestID) && ev.Event == eventError)
	})
	defer c.unregister(added)

	if err := c.send(ctx, request); err != nil {
		return "", err
	}

	ev, err := c.await(ctx, ready)
	if err != nil {
		return "", fmt.Errorf("waiting for %s: %w", eventReadyToUse, err)
	}
	if ev.Event == eventError {
		return "", newRequestError(requestSendImage, ev)
	}

	var info connInfo
	if err := json.Unmarshal([]byte(ev.ConnInfo), &info); err != nil {
		return "", fmt.Errorf("failed to decode conn_info: %w", err)
	}
	if err := c.stream(ctx, info, fileType, data); err != nil {
		return "", err
	}

	ev, err = c.await(ctx, added)
	if err != nil {
		return "", fmt.Errorf("waiting for %s: %w", eventImageAdded, err)
	}
	if ev.Event == eventError {
		return "", newRequestError(requestSendImage, ev)
	}

	c.logger.Debug("TV stored image",
		zap.String("content_id", ev.ContentID),
		zap.Int("bytes", len(data)))

	return ev.ContentID, nil
}

// stream writes the upload header and the image to the TV's d2d socket
func (c *Client) stream(ctx context.Context, info connInfo, fileType string, data []byte) error {
	addr := net.JoinHostPort(info.IP, info.Port.String())

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to open upload socket %s: %w", addr, err)
	}
	conn := raw
	if info.Secured {
		conn = tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	header, err := json.Marshal(uploadHeader{
		Num:        0,
		Total:      1,
		FileLength: len(data),
		FileName:   "dummy",
		FileType:   fileType,
		SecKey:     info.Key,
		Version:    "0.0.1",
	})
	if err != nil {
		return err
	}

	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(header)))

	for _, chunk := range [][]byte{prefix, header, data} {
		if _, err := conn.Write(chunk); err != nil {
			return fmt.Errorf("failed to write to upload socket: %w", err)
		}
	}
	return nil
}

// Select asks the TV to display contentID. show is sent only when non-nil.
func (c *Client) Select(ctx context.Context, contentID string, show *bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	requestID := uuid.NewString()
	request := map[string]interface{}{
		"request":    requestSelectImage,
		"request_id": requestID,
		"id":         requestID,
		"content_id": contentID,
	}
	if show != nil {
		request["show"] = *show
	}

	w := c.register(func(ev Event) bool {
		return ev.matches(requestID) && (ev.Event == eventError || ev.Event == eventImageSelected)
	})
	defer c.unregister(w)

	if err := c.send(ctx, request); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, selectAckTimeout)
	defer cancel()

	ev, err := c.await(ctx, w)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// the TV does not always acknowledge a selection
			return nil
		}
		return err
	}
	if ev.Event == eventError {
		return newRequestError(requestSelectImage, ev)
	}
	return nil
}

// Close ends the session. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		<-c.done
	})
	return err
}

// send writes one request. Nothing is written once ctx is done.
func (c *Client) send(ctx context.Context, request map[string]interface{}) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to encode %v request: %w", request["request"], err)
	}
	msg := emit{
		Method: "ms.channel.emit",
		Params: emitParams{
			Event: "art_app_request",
			To:    "host",
			Data:  string(payload),
		},
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %v request: %w", request["request"], err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.readErr = err
			return
		}
		if f.Event != eventServiceMessage {
			continue
		}

		// data is a JSON document encoded as a string
		var payload string
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			c.logger.Debug("Ignoring malformed service message", zap.Error(err))
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			c.logger.Debug("Ignoring malformed art event", zap.Error(err))
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Client) register(match func(Event) bool) *waiter {
	w := &waiter{match: match, ch: make(chan Event, 1)}
	c.waitersMu.Lock()
	c.waiters[w] = struct{}{}
	c.waitersMu.Unlock()
	return w
}

func (c *Client) unregister(w *waiter) {
	c.waitersMu.Lock()
	delete(c.waiters, w)
	c.waitersMu.Unlock()
}

func (c *Client) dispatch(ev Event) {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()
	for w := range c.waiters {
		if w.match(ev) {
			select {
			case w.ch <- ev:
			default:
			}
		}
	}
}

func (c *Client) await(ctx context.Context, w *waiter) (Event, error) {
	select {
	case ev := <-w.ch:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-c.done:
		// an event may have been dispatched just before the connection dropped
		select {
		case ev := <-w.ch:
			return ev, nil
		default:
		}
		if c.readErr != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrClosed, c.readErr)
		}
		return Event{}, ErrClosed
	}
}

// wireFileType converts an upload file type to the TV's spelling
func wireFileType(fileType string) string {
	ft := strings.ToLower(fileType)
	switch ft {
	case "", "jpeg":
		return "jpg"
	default:
		return ft
	}
}
