package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"webhook-bridge/internal/breaker"
	"webhook-bridge/internal/domain"
	"webhook-bridge/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	lifecycleEvent    = "contact.lifecycle.updated"
	maxBodyBytes      = 1 << 20

	serviceName    = "Webhook Bridge"
	serviceVersion = "1.0.0"
)

// Submitter is the part of the ingest pipeline the gateway talks to.
type Submitter interface {
	Submit(ctx context.Context, task domain.Task) usecase.Acceptance
	Health() usecase.Health
}

// Response is the transport-neutral reply shared by the Lambda and net/http
// adapters.
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type errorResponse struct {
	Error    string `json:"error"`
	Expected string `json:"expected,omitempty"`
}

type acceptedResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type healthResponse struct {
	Status    string            `json:"status"`
	TestMode  bool              `json:"test_mode"`
	Endpoints map[string]string `json:"endpoints"`
	Pipeline  usecase.Health    `json:"pipeline"`
}

type indexResponse struct {
	Service       string            `json:"service"`
	Version       string            `json:"version"`
	TestMode      bool              `json:"test_mode"`
	Documentation map[string]string `json:"documentation"`
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithTestMode reports test mode on the info endpoints and logs every
// accepted payload at debug level.
func WithTestMode(on bool) Option {
	return func(h *Handler) { h.testMode = on }
}

// Handler accepts provider webhooks and hands them to the pipeline. It
// acknowledges every well-formed request regardless of processing outcome.
type Handler struct {
	pipeline Submitter
	tenants  []string
	known    map[string]bool
	testMode bool
	logger   *slog.Logger
}

func NewHandler(pipeline Submitter, tenants []string, opts ...Option) (*Handler, error) {
	if pipeline == nil {
		return nil, errors.New("handler: pipeline must not be nil")
	}
	if len(tenants) == 0 {
		return nil, errors.New("handler: at least one tenant is required")
	}
	h := &Handler{
		pipeline: pipeline,
		known:    make(map[string]bool, len(tenants)),
		logger:   slog.Default(),
	}
	for _, t := range tenants {
		if !h.known[t] {
			h.known[t] = true
			h.tenants = append(h.tenants, t)
		}
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// HandleAPIGateway is the Lambda entry point.
func (h *Handler) HandleAPIGateway(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			resp := h.errorJSON(correlationID(req.Headers), http.StatusBadRequest, errorResponse{Error: "Invalid body encoding"})
			return toProxy(resp), nil
		}
		body = decoded
	}
	resp := h.route(ctx, req.HTTPMethod, req.Path, correlationID(req.Headers), body)
	return toProxy(resp), nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cid := r.Header.Get(correlationHeader)
	if cid == "" {
		cid = uuid.NewString()
	}

	var body []byte
	if r.Body != nil {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeResponse(w, h.errorJSON(cid, http.StatusRequestEntityTooLarge, errorResponse{Error: "Payload too large"}))
				return
			}
			writeResponse(w, h.errorJSON(cid, http.StatusBadRequest, errorResponse{Error: "Unreadable body"}))
			return
		}
		body = data
	}
	writeResponse(w, h.route(r.Context(), r.Method, r.URL.Path, cid, body))
}

func (h *Handler) route(ctx context.Context, method, path, cid string, body []byte) Response {
	path = strings.TrimSuffix(path, "/")
	switch path {
	case "":
		if method != http.MethodGet {
			return h.errorJSON(cid, http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
		}
		return h.reply(cid, http.StatusOK, h.index())
	case "/health":
		if method != http.MethodGet {
			return h.errorJSON(cid, http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
		}
		return h.reply(cid, http.StatusOK, h.health())
	}

	tenant, action, ok := parseWebhookPath(path)
	if !ok || !h.known[tenant] {
		return h.errorJSON(cid, http.StatusNotFound, errorResponse{Error: "Not found"})
	}
	task := domain.Task{Tenant: tenant}
	switch action {
	case "incoming":
		task.Kind, task.Direction = domain.KindMessage, domain.DirectionIncoming
	case "outgoing":
		task.Kind, task.Direction = domain.KindMessage, domain.DirectionOutgoing
	case "lifecycle":
		task.Kind = domain.KindLifecycle
	default:
		return h.errorJSON(cid, http.StatusNotFound, errorResponse{Error: "Not found"})
	}
	if method != http.MethodPost {
		return h.errorJSON(cid, http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
	}
	return h.webhook(ctx, cid, task, body)
}

func (h *Handler) webhook(ctx context.Context, cid string, task domain.Task, body []byte) Response {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return h.errorJSON(cid, http.StatusBadRequest, errorResponse{Error: "No data provided"})
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return h.errorJSON(cid, http.StatusBadRequest, errorResponse{Error: "Invalid JSON payload"})
	}
	if len(fields) == 0 {
		return h.errorJSON(cid, http.StatusBadRequest, errorResponse{Error: "No data provided"})
	}
	if task.Kind == domain.KindLifecycle {
		var eventType string
		_ = json.Unmarshal(fields["event_type"], &eventType)
		if eventType != lifecycleEvent {
			return h.errorJSON(cid, http.StatusBadRequest, errorResponse{Error: "Invalid event type", Expected: lifecycleEvent})
		}
	}

	task.Payload = append([]byte(nil), body...)
	if h.testMode {
		h.logger.Debug("webhook payload", "tenant", task.Tenant, "kind", task.Kind,
			"direction", task.Direction, "correlation_id", cid, "body", string(body))
	}

	acc := h.pipeline.Submit(ctx, task)
	if acc.Err != nil {
		h.logger.Debug("webhook acknowledged despite processing error", "tenant", task.Tenant,
			"correlation_id", cid, "code", usecase.ErrorCodeOf(acc.Err), "err", acc.Err)
	}
	return h.reply(cid, http.StatusOK, acceptedResponse{Status: "success", Message: "Webhook accepted"})
}

func (h *Handler) health() healthResponse {
	snap := h.pipeline.Health()
	status := "healthy"
	if snap.BreakerState == breaker.StateOpen {
		status = "degraded"
	}
	endpoints := map[string]string{}
	for _, t := range h.tenants {
		for _, action := range []string{"incoming", "outgoing", "lifecycle"} {
			endpoints[t+"_"+action] = webhookPath(t, action)
		}
	}
	return healthResponse{Status: status, TestMode: h.testMode, Endpoints: endpoints, Pipeline: snap}
}

func (h *Handler) index() indexResponse {
	docs := map[string]string{"health": "GET /health"}
	for _, t := range h.tenants {
		for _, action := range []string{"incoming", "outgoing", "lifecycle"} {
			docs[t+"_"+action] = "POST " + webhookPath(t, action)
		}
	}
	return indexResponse{Service: serviceName, Version: serviceVersion, TestMode: h.testMode, Documentation: docs}
}

func webhookPath(tenant, action string) string {
	return "/webhook/" + tenant + "/" + action
}

// parseWebhookPath splits /webhook/{tenant}/{action}.
func parseWebhookPath(path string) (tenant, action string, ok bool) {
	rest, found := strings.CutPrefix(path, "/webhook/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return strings.ToLower(parts[0]), parts[1], true
}

func (h *Handler) reply(cid string, status int, v any) Response {
	body, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("marshal response", "err", err, "correlation_id", cid)
		status = http.StatusInternalServerError
		body = []byte(`{"error":"Internal error"}`)
	}
	return Response{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: cid,
		},
		Body: string(body),
	}
}

func (h *Handler) errorJSON(cid string, status int, e errorResponse) Response {
	h.logger.Debug("webhook rejected", "status", status, "error", e.Error, "correlation_id", cid)
	return h.reply(cid, status, e)
}

// correlationID reads the correlation header case-insensitively, generating
// one when absent.
func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func toProxy(r Response) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{StatusCode: r.StatusCode, Headers: r.Headers, Body: r.Body}
}

func writeResponse(w http.ResponseWriter, r Response) {
	for k, v := range r.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(r.StatusCode)
	_, _ = io.WriteString(w, r.Body)
}
