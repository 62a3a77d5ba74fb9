// Package dashboard serves the community dashboard API: weather by zipcode,
// free-text chat and local news by pin code.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gaborage/communityassist/app"
	"github.com/gaborage/communityassist/logger"
	"github.com/gaborage/communityassist/server"
	"github.com/gaborage/communityassist/upstream"
)

const (
	moduleName = "dashboard"

	// HeaderXCache reports whether weather data came from the cache.
	HeaderXCache = "X-Cache"

	weatherService = "Weather service"
	chatService    = "Chat service"
	newsService    = "News service"
)

// WeatherService looks up observations by zipcode.
type WeatherService interface {
	Lookup(ctx context.Context, zipcode string) (*upstream.WeatherReport, error)
}

// CompletionService answers chat prompts and news requests.
type CompletionService interface {
	Chat(ctx context.Context, prompt string) (*upstream.Completion, error)
	News(ctx context.Context, pinCode string) (*upstream.Completion, error)
}

// WeatherRequest selects the zipcode to look up.
type WeatherRequest struct {
	Zipcode string `param:"zipcode" validate:"required,zipcode"`
}

// ChatRequest carries a free-text question.
type ChatRequest struct {
	Prompt string `json:"prompt"`
}

// ChatResponse carries the assistant's answer.
type ChatResponse struct {
	Response string `json:"response"`
}

// NewsRequest selects the region by postal pin code.
type NewsRequest struct {
	PinCode string `json:"pinCode"`
}

// NewsResponse carries the generated news digest.
type NewsResponse struct {
	News string `json:"news"`
}

// Module implements app.Module for the dashboard API.
type Module struct {
	weather    WeatherService
	completion CompletionService
	logger     logger.Logger
}

var _ app.Module = (*Module)(nil)

// NewModule creates a dashboard module. Services left nil are taken from the
// module dependencies during Init.
func NewModule(weather WeatherService, completion CompletionService) *Module {
	return &Module{weather: weather, completion: completion}
}

// Name returns the module name.
func (m *Module) Name() string {
	return moduleName
}

// Init captures the logger and any services not injected through NewModule.
func (m *Module) Init(deps *app.ModuleDeps) error {
	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = logger.Nop()
	}
	if m.weather == nil && deps.Weather != nil {
		m.weather = deps.Weather
	}
	if m.completion == nil && deps.Completion != nil {
		m.completion = deps.Completion
	}
	if m.weather == nil || m.completion == nil {
		return errors.New("dashboard: weather and completion services are required")
	}
	return nil
}

// RegisterRoutes registers the dashboard endpoints.
func (m *Module) RegisterRoutes(hr *server.HandlerRegistry, r server.RouteRegistrar) {
	api := r.Group("/api")
	server.GET(hr, api, "/weather/:zipcode", m.getWeather)
	server.POST(hr, api, "/chat", m.chat)
	server.POST(hr, api, "/news", m.news)
}

// Shutdown has nothing to release; the clients are owned by the app.
func (m *Module) Shutdown() error {
	return nil
}

func (m *Module) getWeather(req WeatherRequest, ctx server.HandlerContext) (server.Result[json.RawMessage], server.IAPIError) {
	reqCtx := ctx.Echo.Request().Context()

	report, err := m.weather.Lookup(reqCtx, req.Zipcode)
	if err != nil {
		return server.Result[json.RawMessage]{}, m.fail(reqCtx, err, weatherService, "zipcode", req.Zipcode)
	}

	cacheStatus := "MISS"
	if report.Cached {
		cacheStatus = "HIT"
	}
	return server.NewResult(http.StatusOK, report.Observations).WithHeader(HeaderXCache, cacheStatus), nil
}

func (m *Module) chat(req ChatRequest, ctx server.HandlerContext) (ChatResponse, server.IAPIError) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return ChatResponse{}, server.NewBadRequestError("Ask me something!!")
	}

	reqCtx := ctx.Echo.Request().Context()
	completion, err := m.completion.Chat(reqCtx, prompt)
	if err != nil {
		return ChatResponse{}, m.fail(reqCtx, err, chatService)
	}
	return ChatResponse{Response: completion.Content}, nil
}

func (m *Module) news(req NewsRequest, ctx server.HandlerContext) (NewsResponse, server.IAPIError) {
	pinCode := strings.TrimSpace(req.PinCode)
	if pinCode == "" {
		return NewsResponse{}, server.NewBadRequestError("Pin code is required")
	}

	reqCtx := ctx.Echo.Request().Context()
	completion, err := m.completion.News(reqCtx, pinCode)
	if err != nil {
		return NewsResponse{}, m.fail(reqCtx, err, newsService, "pin_code", pinCode)
	}
	return NewsResponse{News: completion.Content}, nil
}

// fail logs the upstream error with optional key/value string fields and maps it to the envelope.
func (m *Module) fail(ctx context.Context, err error, service string, fields ...string) server.IAPIError {
	apiErr := toAPIError(err, service)

	log := m.logger.WithContext(ctx)
	event := log.Warn()
	if apiErr.HTTPStatus() == http.StatusInternalServerError {
		event = log.Error()
	}
	for i := 0; i+1 < len(fields); i += 2 {
		event = event.Str(fields[i], fields[i+1])
	}
	event.Err(err).
		Str("service", service).
		Int("status", apiErr.HTTPStatus()).
		Msg("Upstream request failed")

	return apiErr
}
