package router

import (
	"encoding/json"
	"fmt"
	"net/http"

	"example.com/h2mux/internal/http2"
	"example.com/h2mux/internal/logger"
)

// Built-in handler types usable from the routing configuration.
const (
	HandlerTypeText = "Text"
	HandlerTypeEcho = "Echo"
)

// TextConfig is the handler_config of a Text route.
type TextConfig struct {
	Status      int               `json:"status,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Body        string            `json:"body"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// NewTextHandler returns a handler that always sends the configured body.
func NewTextHandler(cfg map[string]interface{}, _ *logger.Logger) (HandlerFunc, error) {
	var tc TextConfig
	if err := decodeHandlerConfig(cfg, &tc); err != nil {
		return nil, err
	}
	if tc.Status == 0 {
		tc.Status = http.StatusOK
	}
	if tc.Status < 200 || tc.Status > 599 {
		return nil, fmt.Errorf("status %d out of range", tc.Status)
	}
	if tc.ContentType == "" {
		tc.ContentType = "text/plain; charset=utf-8"
	}
	body := []byte(tc.Body)
	return func(_ *http2.Request, resp *http2.Response) {
		resp.SetStatus(tc.Status)
		resp.SetHeader("content-type", tc.ContentType)
		for k, v := range tc.Headers {
			resp.SetHeader(k, v)
		}
		_ = resp.Send(body)
	}, nil
}

// EchoResponse is the JSON body sent by an Echo route.
type EchoResponse struct {
	StreamID  uint32            `json:"stream_id"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Query     string            `json:"query,omitempty"`
	Authority string            `json:"authority,omitempty"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body,omitempty"`
}

// NewEchoHandler returns a handler that describes the request back to the
// client as JSON. It takes no configuration.
func NewEchoHandler(cfg map[string]interface{}, lg *logger.Logger) (HandlerFunc, error) {
	var none struct{}
	if err := decodeHandlerConfig(cfg, &none); err != nil {
		return nil, err
	}
	return func(req *http2.Request, resp *http2.Response) {
		out := EchoResponse{
			StreamID:  req.StreamID,
			Method:    req.Method,
			Path:      req.Path,
			Query:     req.Query,
			Authority: req.Authority,
			Headers:   make(map[string]string),
			Body:      string(req.Body),
		}
		for _, hf := range req.Header {
			if len(hf.Name) > 0 && hf.Name[0] != ':' {
				out.Headers[hf.Name] = hf.Value
			}
		}
		b, err := json.Marshal(out)
		if err != nil {
			lg.Error("Encoding echo response failed", logger.LogFields{"error": err.Error()})
			_ = resp.SendError(http.StatusInternalServerError, "")
			return
		}
		resp.SetHeader("content-type", "application/json")
		_ = resp.Send(b)
	}, nil
}

// RegisterBuiltins adds the Text and Echo handler types to registry.
func RegisterBuiltins(registry *HandlerRegistry) error {
	if err := registry.Register(HandlerTypeText, NewTextHandler); err != nil {
		return err
	}
	return registry.Register(HandlerTypeEcho, NewEchoHandler)
}
