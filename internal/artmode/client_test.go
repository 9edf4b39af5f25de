package artmode

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koios/artframe/internal/config"
	"go.uber.org/zap"
)

// fakeTV emulates the art channel of a Frame TV
type fakeTV struct {
	t          *testing.T
	server     *httptest.Server
	supported  string
	token      string
	rejectShow bool
	nextID     int

	mu        sync.Mutex
	uploads   [][]byte
	requests  []map[string]interface{}
	seenToken string
}

func newFakeTV(t *testing.T) *fakeTV {
	t.Helper()
	tv := &fakeTV{t: t, supported: "true", token: "tok-123", nextID: 1}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/", func(w http.ResponseWriter, r *http.Request) {
		tv.mu.Lock()
		supported := tv.supported
		tv.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"device": map[string]interface{}{"FrameTVSupport": supported},
		})
	})
	mux.HandleFunc(artChannelPath, tv.handleChannel)

	tv.server = httptest.NewServer(mux)
	t.Cleanup(tv.server.Close)
	return tv
}

func (tv *fakeTV) dialer(t *testing.T, tokenFile string) *Dialer {
	t.Helper()
	u, err := url.Parse(tv.server.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())

	d := NewDialer(config.TVConfig{
		IP:        u.Hostname(),
		Port:      port,
		TokenFile: tokenFile,
		Timeout:   5 * time.Second,
	}, zap.NewNop())
	d.RESTURL = tv.server.URL + "/api/v2/"
	return d
}

func (tv *fakeTV) handleChannel(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		tv.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	tv.mu.Lock()
	tv.seenToken = r.URL.Query().Get("token")
	tv.mu.Unlock()

	var writeMu sync.Mutex
	write := func(v interface{}) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.WriteJSON(v)
	}
	sendEvent := func(ev map[string]interface{}) {
		payload, _ := json.Marshal(ev)
		write(map[string]interface{}{"event": eventServiceMessage, "data": string(payload)})
	}

	write(map[string]interface{}{"event": eventChannelConnect, "data": map[string]interface{}{"token": tv.token}})
	write(map[string]interface{}{"event": eventChannelReady, "data": map[string]interface{}{}})

	for {
		var msg emit
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		var req map[string]interface{}
		if err := json.Unmarshal([]byte(msg.Params.Data), &req); err != nil {
			tv.t.Errorf("bad request payload: %v", err)
			return
		}
		tv.mu.Lock()
		tv.requests = append(tv.requests, req)
		tv.mu.Unlock()

		id, _ := req["request_id"].(string)
		switch req["request"] {
		case requestSendImage:
			tv.handleSendImage(req, id, sendEvent)
		case requestSelectImage:
			tv.mu.Lock()
			reject := tv.rejectShow
			tv.mu.Unlock()
			if _, hasShow := req["show"]; hasShow && reject {
				sendEvent(map[string]interface{}{"event": eventError, "request_id": id, "error_code": -7})
				continue
			}
			sendEvent(map[string]interface{}{"event": eventImageSelected, "request_id": id})
		}
	}
}

func (tv *fakeTV) handleSendImage(req map[string]interface{}, id string, sendEvent func(map[string]interface{})) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tv.t.Errorf("listen: %v", err)
		return
	}
	addr := ln.Addr().(*net.TCPAddr)

	contentID, _ := req["content_id"].(string)
	if contentID == "" {
		contentID = "MY_F000" + strconv.Itoa(tv.nextID)
		tv.nextID++
	}

	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var size uint32
		if err := binary.Read(conn, binary.BigEndian, &size); err != nil {
			tv.t.Errorf("read header size: %v", err)
			return
		}
		headerBytes := make([]byte, size)
		if _, err := io.ReadFull(conn, headerBytes); err != nil {
			tv.t.Errorf("read header: %v", err)
			return
		}
		var header uploadHeader
		if err := json.Unmarshal(headerBytes, &header); err != nil {
			tv.t.Errorf("decode header: %v", err)
			return
		}
		if header.SecKey != "sec-key" {
			tv.t.Errorf("secKey = %q", header.SecKey)
		}
		data := make([]byte, header.FileLength)
		if _, err := io.ReadFull(conn, data); err != nil {
			tv.t.Errorf("read image: %v", err)
			return
		}

		tv.mu.Lock()
		tv.uploads = append(tv.uploads, data)
		tv.mu.Unlock()

		sendEvent(map[string]interface{}{"event": eventImageAdded, "content_id": contentID})
	}()

	info, _ := json.Marshal(map[string]interface{}{
		"ip": "127.0.0.1", "port": strconv.Itoa(addr.Port), "key": "sec-key", "secured": false,
	})
	sendEvent(map[string]interface{}{"event": eventReadyToUse, "request_id": id, "conn_info": string(info)})
}

func (tv *fakeTV) lastRequest(t *testing.T) map[string]interface{} {
	t.Helper()
	tv.mu.Lock()
	defer tv.mu.Unlock()
	if len(tv.requests) == 0 {
		t.Fatal("no requests received")
	}
	return tv.requests[len(tv.requests)-1]
}

func TestDialStoresToken(t *testing.T) {
	tv := newFakeTV(t)
	tokenFile := filepath.Join(t.TempDir(), "tv-token.txt")

	client, err := tv.dialer(t, tokenFile).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client.Close()

	data, err := os.ReadFile(tokenFile)
	if err != nil {
		t.Fatalf("token file not written: %v", err)
	}
	if string(data) != "tok-123" {
		t.Errorf("token = %q, want tok-123", data)
	}

	// the stored token is presented on the next connection
	client, err = tv.dialer(t, tokenFile).Dial(context.Background())
	if err != nil {
		t.Fatalf("second Dial: %v", err)
	}
	defer client.Close()

	tv.mu.Lock()
	seen := tv.seenToken
	tv.mu.Unlock()
	if seen != "tok-123" {
		t.Errorf("second session token = %q, want tok-123", seen)
	}
}

func TestSupported(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"false", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			tv := newFakeTV(t)
			tv.mu.Lock()
			tv.supported = tt.value
			tv.mu.Unlock()

			client, err := tv.dialer(t, "").Dial(context.Background())
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer client.Close()

			got, err := client.Supported(context.Background())
			if err != nil {
				t.Fatalf("Supported: %v", err)
			}
			if got != tt.want {
				t.Errorf("Supported = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUploadSeedAndReplace(t *testing.T) {
	tv := newFakeTV(t)
	client, err := tv.dialer(t, "").Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	image := []byte{0xff, 0xd8, 0xff, 1, 2, 3, 4}

	id, err := client.Upload(ctx, image, UploadOptions{FileType: "JPEG", Matte: "modern_apricot"})
	if err != nil {
		t.Fatalf("seed Upload: %v", err)
	}
	if id != "MY_F0001" {
		t.Errorf("seed id = %q, want MY_F0001", id)
	}
	req := tv.lastRequest(t)
	if req["file_type"] != "jpg" {
		t.Errorf("file_type = %v, want jpg", req["file_type"])
	}
	if req["matte_id"] != "modern_apricot" {
		t.Errorf("matte_id = %v", req["matte_id"])
	}
	if _, ok := req["content_id"]; ok {
		t.Error("seed upload must not carry a content_id")
	}

	id, err = client.Upload(ctx, image, UploadOptions{FileType: "PNG", ContentID: "MY_F0001"})
	if err != nil {
		t.Fatalf("replace Upload: %v", err)
	}
	if id != "MY_F0001" {
		t.Errorf("replace id = %q, want MY_F0001", id)
	}
	req = tv.lastRequest(t)
	if req["content_id"] != "MY_F0001" {
		t.Errorf("content_id = %v", req["content_id"])
	}
	if req["matte_id"] != "shadowbox_polar" {
		t.Errorf("matte_id = %v, want shadowbox_polar", req["matte_id"])
	}

	tv.mu.Lock()
	defer tv.mu.Unlock()
	if len(tv.uploads) != 2 {
		t.Fatalf("uploads = %d, want 2", len(tv.uploads))
	}
	if !bytes.Equal(tv.uploads[0], image) {
		t.Errorf("uploaded bytes differ: %v", tv.uploads[0])
	}
}

func TestSelect(t *testing.T) {
	tv := newFakeTV(t)
	client, err := tv.dialer(t, "").Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	show := true
	if err := client.Select(context.Background(), "MY_F0001", &show); err != nil {
		t.Fatalf("Select: %v", err)
	}
	req := tv.lastRequest(t)
	if req["content_id"] != "MY_F0001" || req["show"] != true {
		t.Errorf("select request = %v", req)
	}

	tv.mu.Lock()
	tv.rejectShow = true
	tv.mu.Unlock()
	err = client.Select(context.Background(), "MY_F0001", &show)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected *RequestError, got %v", err)
	}
	if reqErr.Code != "-7" {
		t.Errorf("Code = %q, want -7", reqErr.Code)
	}

	if err := client.Select(context.Background(), "MY_F0001", nil); err != nil {
		t.Fatalf("Select without show: %v", err)
	}
	if _, ok := tv.lastRequest(t)["show"]; ok {
		t.Error("show must be omitted when nil")
	}
}

func TestCancelledContextSendsNothing(t *testing.T) {
	tv := newFakeTV(t)
	client, err := tv.dialer(t, "").Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.Upload(ctx, []byte{1, 2, 3}, UploadOptions{ContentID: "MY_F0001"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Upload with cancelled context = %v, want context.Canceled", err)
	}
	show := true
	if err := client.Select(ctx, "MY_F0001", &show); !errors.Is(err, context.Canceled) {
		t.Errorf("Select with cancelled context = %v, want context.Canceled", err)
	}

	// the TV handles requests in order, so once this select is answered any
	// earlier request would already be recorded
	if err := client.Select(context.Background(), "MY_F0002", nil); err != nil {
		t.Fatalf("Select: %v", err)
	}

	tv.mu.Lock()
	defer tv.mu.Unlock()
	if len(tv.requests) != 1 || tv.requests[0]["content_id"] != "MY_F0002" {
		t.Errorf("TV received %v, want only the final select", tv.requests)
	}
	if len(tv.uploads) != 0 {
		t.Errorf("TV received %d uploads after cancel", len(tv.uploads))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tv := newFakeTV(t)
	client, err := tv.dialer(t, "").Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client.Close()
	client.Close()

	if _, err := client.Upload(context.Background(), []byte{1}, UploadOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Upload after Close = %v, want ErrClosed", err)
	}
}

func TestChannelURL(t *testing.T) {
	d := &Dialer{Host: "192.168.1.20", Port: 8002, Name: "artframe"}
	u, err := url.Parse(d.channelURL("abc"))
	if err != nil {
		t.Fatal(err)
	}
	if u.Scheme != "wss" || u.Host != "192.168.1.20:8002" || u.Path != artChannelPath {
		t.Errorf("channel URL = %s", u)
	}
	if u.Query().Get("token") != "abc" {
		t.Errorf("token missing from %s", u)
	}

	d.Port = 8001
	u, _ = url.Parse(d.channelURL(""))
	if u.Scheme != "ws" || u.Query().Has("token") {
		t.Errorf("plain channel URL = %s", u)
	}
}

func TestWireFileType(t *testing.T) {
	tests := map[string]string{"JPEG": "jpg", "JPG": "jpg", "": "jpg", "PNG": "png"}
	for in, want := range tests {
		if got := wireFileType(in); got != want {
			t.Errorf("wireFileType(%q) = %q, want %q", in, got, want)
		}
	}
}
