package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/bergman/internal/encoding"
	"github.com/samcharles93/bergman/internal/logger"
	"github.com/samcharles93/bergman/internal/rgma"
	"github.com/samcharles93/bergman/internal/version"
)

const DefaultMaxBodyBytes = 64 << 20

type Server struct {
	service *encoding.Service
	store   *EncodingStore
	log     logger.Logger
	clock   func() time.Time
	maxBody int64
}

type Option func(*Server)

// WithLogger sets the logger handlers attach to request contexts.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMaxBodyBytes caps the size of a request body.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBody = n }
}

func NewServer(store *EncodingStore, service *encoding.Service, opts ...Option) *Server {
	if store == nil {
		store = NewEncodingStore(DefaultStoreCapacity)
	}
	s := &Server{
		service: service,
		store:   store,
		log:     logger.Nop(),
		clock:   time.Now,
		maxBody: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/config", s.handleConfig)

	e.POST("/v1/encode", s.handleEncode)
	e.GET("/v1/encode/stream", s.handleEncodeStream)
	e.GET("/v1/encodings/:id", s.handleGetEncoding)
	e.DELETE("/v1/encodings/:id", s.handleDeleteEncoding)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleConfig(c *echo.Context) error {
	if s.service == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "encoder not configured", "", "")
	}
	return c.JSON(http.StatusOK, ConfigResponse{
		Object:  "config",
		Config:  s.service.Config(),
		Version: version.Resolve(),
	})
}

func (s *Server) handleEncode(c *echo.Context) error {
	if s.service == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "encoder not configured", "", "")
	}
	body := http.MaxBytesReader(c.Response(), c.Request().Body, s.maxBody)
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEOctetStream) {
		return s.handleEncodeSafetensors(c, body)
	}
	req, err := decodeJSON[EncodeRequest](body)
	if err != nil {
		if isTooLarge(err) {
			return writeError(c, http.StatusRequestEntityTooLarge, "invalid_request_error", err.Error(), "", "")
		}
		return writeBadRequest(c, "decode request: "+err.Error())
	}
	resp, err := s.encode(c.Request().Context(), req)
	if err != nil {
		return s.writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// encode runs one request through the service and retains the result unless
// the caller opted out.
func (s *Server) encode(ctx context.Context, req EncodeRequest) (EncodeResponse, error) {
	if len(req.HiddenStates) == 0 {
		return EncodeResponse{}, newInvalidRequest("hidden_states is required")
	}
	buf, err := req.Buffer()
	if err != nil {
		return EncodeResponse{}, err
	}
	return s.encodeBuffer(ctx, buf, req.IncludeTokens, req.Store == nil || *req.Store)
}

// handleEncodeSafetensors encodes a raw safetensors dump.  Options that a
// JSON body would carry come from the query string.
func (s *Server) handleEncodeSafetensors(c *echo.Context, body io.Reader) error {
	includeTokens, err := queryBool(c, "include_tokens", false)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	store, err := queryBool(c, "store", true)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	data, err := io.ReadAll(body)
	if err != nil {
		if isTooLarge(err) {
			return writeError(c, http.StatusRequestEntityTooLarge, "invalid_request_error", err.Error(), "", "")
		}
		return writeBadRequest(c, "read request: "+err.Error())
	}
	buf, err := encoding.DecodeSafetensors(data)
	if err != nil {
		if status, _ := classify(err); status >= http.StatusInternalServerError {
			return writeBadRequest(c, "decode safetensors: "+err.Error())
		}
		return s.writeFailure(c, err)
	}
	resp, err := s.encodeBuffer(c.Request().Context(), buf, includeTokens, store)
	if err != nil {
		return s.writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) encodeBuffer(ctx context.Context, buf *rgma.HiddenStateBuffer, includeTokens, store bool) (EncodeResponse, error) {
	id := "enc_" + uuid.NewString()
	ctx = logger.WithContext(ctx, s.log.With("id", id))
	out, err := s.service.Encode(ctx, buf)
	if err != nil {
		return EncodeResponse{}, err
	}

	res := encoding.NewResult(out, includeTokens)
	resp := EncodeResponse{
		ID:       id,
		Object:   "encoding",
		Created:  s.clock().Unix(),
		Pooled:   res.Pooled,
		Tokens:   res.Tokens,
		Warnings: res.Warnings,
	}
	if store {
		s.store.Put(resp)
	}
	return resp, nil
}

func (s *Server) handleGetEncoding(c *echo.Context) error {
	resp, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "encoding not found")
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteEncoding(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "encoding not found")
	}
	return c.JSON(http.StatusOK, DeleteEncodingResp{
		ID:      id,
		Object:  "encoding",
		Deleted: true,
	})
}

func (s *Server) writeFailure(c *echo.Context, err error) error {
	status, errType := s.classify(err)
	return writeError(c, status, errType, err.Error(), "", "")
}

func (s *Server) classify(err error) (int, string) {
	status, errType := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("encode failed", "error", err)
	}
	return status, errType
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func queryBool(c *echo.Context, name string, def bool) (bool, error) {
	v := c.QueryParam(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("query parameter %s: %q is not a boolean", name, v)
	}
	return b, nil
}

func isTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge)
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
