package artmode

import (
	"encoding/json"
	"fmt"
)

const (
	eventChannelConnect      = "ms.channel.connect"
	eventChannelReady        = "ms.channel.ready"
	eventChannelUnauthorized = "ms.channel.unauthorized"
	eventServiceMessage      = "d2d_service_message"

	eventReadyToUse    = "ready_to_use"
	eventImageAdded    = "image_added"
	eventImageSelected = "image_selected"
	eventError         = "error"

	requestSendImage   = "send_image"
	requestSelectImage = "select_image"
)

// frame is the outer websocket envelope the TV sends
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// connectData is the payload of ms.channel.connect
type connectData struct {
	Token string `json:"token"`
}

// Event is an art-app message carried inside a d2d_service_message frame
type Event struct {
	Event     string      `json:"event"`
	ID        string      `json:"id"`
	RequestID string      `json:"request_id"`
	ContentID string      `json:"content_id"`
	ConnInfo  string      `json:"conn_info"`
	ErrorCode interface{} `json:"error_code"`
}

func (e Event) matches(id string) bool {
	return id != "" && (e.ID == id || e.RequestID == id)
}

// emit is the outer envelope for requests sent to the TV
type emit struct {
	Method string     `json:"method"`
	Params emitParams `json:"params"`
}

type emitParams struct {
	Event string `json:"event"`
	To    string `json:"to"`
	Data  string `json:"data"`
}

// connInfo tells the client where to stream image bytes
type connInfo struct {
	IP      string      `json:"ip"`
	Port    json.Number `json:"port"`
	Key     string      `json:"key"`
	Secured bool        `json:"secured"`
}

// uploadHeader precedes the image bytes on the d2d socket
type uploadHeader struct {
	Num        int    `json:"num"`
	Total      int    `json:"total"`
	FileLength int    `json:"fileLength"`
	FileName   string `json:"fileName"`
	FileType   string `json:"fileType"`
	SecKey     string `json:"secKey"`
	Version    string `json:"version"`
}

// RequestError is returned when the TV answers a request with an error event
type RequestError struct {
	Request string
	Code    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("tv rejected %s request (error_code=%s)", e.Request, e.Code)
}

func newRequestError(request string, ev Event) *RequestError {
	code := ""
	if ev.ErrorCode != nil {
		code = fmt.Sprint(ev.ErrorCode)
	}
	return &RequestError{Request: request, Code: code}
}
