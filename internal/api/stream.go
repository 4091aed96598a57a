package api

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed between client messages before the connection is dropped.
	idleWait = 5 * time.Minute
)

const (
	streamTypeEncode   = "encode"
	streamTypeEncoding = "encoding"
	streamTypePing     = "ping"
	streamTypePong     = "pong"
	streamTypeError    = "error"
)

// StreamRequest is one client frame on /v1/encode/stream.  Type defaults to
// "encode".
type StreamRequest struct {
	Type string `json:"type,omitempty"`
	EncodeRequest
}

// StreamMessage is one server frame.  Exactly one of Encoding and Error is
// set for a reply to an encode frame.
type StreamMessage struct {
	Type     string          `json:"type"`
	Encoding *EncodeResponse `json:"encoding,omitempty"`
	Error    *ResponseError  `json:"error,omitempty"`
	Status   int             `json:"status,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// hijacker exposes http.Hijacker through whatever wrappers sit around the
// connection's ResponseWriter.
type hijacker struct {
	http.ResponseWriter
}

func (h hijacker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(h.ResponseWriter).Hijack()
}

// handleEncodeStream serves encode requests over a websocket.  Frames are
// handled in order, one reply per frame.
func (s *Server) handleEncodeStream(c *echo.Context) error {
	if s.service == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "encoder not configured", "", "")
	}
	conn, err := upgrader.Upgrade(hijacker{c.Response()}, c.Request(), nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.log.Warn("websocket upgrade failed", "error", err)
		return nil
	}
	defer func() { _ = conn.Close() }()

	ctx := c.Request().Context()
	conn.SetReadLimit(s.maxBody)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("websocket read failed", "error", err)
			}
			return nil
		}
		reply := s.handleStreamFrame(ctx, data)
		if err := writeStreamMessage(conn, reply); err != nil {
			s.log.Warn("websocket write failed", "error", err)
			return nil
		}
	}
}

func (s *Server) handleStreamFrame(ctx context.Context, data []byte) StreamMessage {
	var req StreamRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return streamError(http.StatusBadRequest, "invalid_request_error", "decode request: "+err.Error())
	}
	switch req.Type {
	case streamTypePing:
		return StreamMessage{Type: streamTypePong}
	case "", streamTypeEncode:
	default:
		return streamError(http.StatusBadRequest, "invalid_request_error", "unknown message type "+req.Type)
	}
	resp, err := s.encode(ctx, req.EncodeRequest)
	if err != nil {
		status, errType := s.classify(err)
		return streamError(status, errType, err.Error())
	}
	return StreamMessage{Type: streamTypeEncoding, Encoding: &resp}
}

func streamError(status int, errType, msg string) StreamMessage {
	return StreamMessage{
		Type:   streamTypeError,
		Status: status,
		Error:  &ResponseError{Message: msg, Type: errType},
	}
}

func writeStreamMessage(conn *websocket.Conn, msg StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
