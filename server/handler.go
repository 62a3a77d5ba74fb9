package server

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/gaborage/communityassist/config"
	"github.com/gaborage/communityassist/trace"
)

// IAPIError defines the interface for API errors with structured information.
type IAPIError interface {
	ErrorCode() string
	Message() string
	HTTPStatus() int
	Details() map[string]any
}

// APIResponse represents the standardized API response format.
type APIResponse struct {
	Data  any               `json:"data,omitempty"`
	Error *APIErrorResponse `json:"error,omitempty"`
	Meta  map[string]any    `json:"meta"`
}

// APIErrorResponse represents the error portion of an API response.
type APIErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// HandlerFunc is a handler that only deals with its typed request and response.
type HandlerFunc[T any, R any] func(request T, ctx HandlerContext) (R, IAPIError)

// HandlerContext provides access to Echo context and configuration when needed.
type HandlerContext struct {
	Echo   echo.Context
	Config *config.Config
}

// RequestBinder binds JSON bodies and param/query/header tagged fields.
type RequestBinder struct{}

// NewRequestBinder creates a new request binder.
func NewRequestBinder() *RequestBinder { return &RequestBinder{} }

// WrapHandler wraps a typed handler into an Echo handler.
// It handles request binding, validation, response formatting, and error handling.
func WrapHandler[T any, R any](handlerFunc HandlerFunc[T, R], binder *RequestBinder, cfg *config.Config) echo.HandlerFunc {
	return func(c echo.Context) error {
		var request T

		if err := binder.bindRequest(c, &request); err != nil {
			return formatErrorResponse(c, NewBadRequestError("Invalid request data").WithDetails("error", err.Error()), cfg)
		}

		if err := c.Validate(&request); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				vErr := NewBadRequestError(ve.Error())
				_ = vErr.WithDetails("validationErrors", ve.Errors)
				return formatErrorResponse(c, vErr, cfg)
			}
			return formatErrorResponse(c, NewBadRequestError("Request validation failed").WithDetails("error", err.Error()), cfg)
		}

		response, apiErr := handlerFunc(request, HandlerContext{Echo: c, Config: cfg})
		if apiErr != nil {
			return formatErrorResponse(c, apiErr, cfg)
		}

		if rl, ok := any(response).(ResultLike); ok {
			status, headers, data := rl.ResultMeta()
			return formatSuccessResponseWithStatus(c, data, status, headers)
		}
		return formatSuccessResponseWithStatus(c, response, http.StatusOK, nil)
	}
}

// bindRequest binds the JSON body, then path parameters, query parameters and headers
// according to the param, query and header struct tags.
func (rb *RequestBinder) bindRequest(c echo.Context, target any) error {
	targetValue := reflect.ValueOf(target).Elem()
	if targetValue.Kind() != reflect.Struct {
		return nil
	}
	targetType := targetValue.Type()

	// tolerate parameters like charset
	if ct := c.Request().Header.Get(echo.HeaderContentType); ct != "" && c.Request().ContentLength != 0 {
		if mt, _, _ := mime.ParseMediaType(ct); mt == echo.MIMEApplicationJSON || strings.HasSuffix(mt, "+json") {
			if err := (&echo.DefaultBinder{}).BindBody(c, target); err != nil {
				return fmt.Errorf("failed to bind JSON body: %w", err)
			}
		}
	}

	for i := range targetType.NumField() {
		field := targetType.Field(i)
		fieldValue := targetValue.Field(i)
		if !fieldValue.CanSet() {
			continue
		}

		if name := field.Tag.Get("param"); name != "" {
			if value := c.Param(name); value != "" {
				if err := setFieldValue(fieldValue, value); err != nil {
					return fmt.Errorf("failed to set path param %s: %w", name, err)
				}
			}
		}

		if name := field.Tag.Get("query"); name != "" {
			if value := c.QueryParam(name); value != "" {
				if err := setFieldValue(fieldValue, value); err != nil {
					return fmt.Errorf("failed to set query param %s: %w", name, err)
				}
			}
		}

		if name := field.Tag.Get("header"); name != "" {
			if value := c.Request().Header.Get(name); value != "" {
				if err := setFieldValue(fieldValue, value); err != nil {
					return fmt.Errorf("failed to set header %s: %w", name, err)
				}
			}
		}
	}

	return nil
}

// setFieldValue sets a reflect.Value from a string value, handling type conversion.
func setFieldValue(fieldValue reflect.Value, value string) error {
	if fieldValue.Kind() == reflect.Ptr {
		if fieldValue.IsNil() {
			fieldValue.Set(reflect.New(fieldValue.Type().Elem()))
		}
		return setFieldValue(fieldValue.Elem(), value)
	}

	switch fieldValue.Kind() {
	case reflect.String:
		fieldValue.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, fieldValue.Type().Bits())
		if err != nil {
			return err
		}
		fieldValue.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, fieldValue.Type().Bits())
		if err != nil {
			return err
		}
		fieldValue.SetUint(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		fieldValue.SetBool(b)
	default:
		return fmt.Errorf("unsupported field type: %s", fieldValue.Kind())
	}
	return nil
}

// formatSuccessResponseWithStatus writes data in the standard envelope with a custom status and headers.
func formatSuccessResponseWithStatus(c echo.Context, data any, status int, headers http.Header) error {
	if status == 0 {
		status = http.StatusOK
	}
	for k, vals := range headers {
		for _, v := range vals {
			c.Response().Header().Add(k, v)
		}
	}
	if status == http.StatusNoContent {
		return c.NoContent(http.StatusNoContent)
	}
	ensureTraceParentHeader(c)
	return c.JSON(status, APIResponse{
		Data: data,
		Meta: responseMeta(c),
	})
}

// formatErrorResponse formats an error response with standardized structure.
// Details are only included in development.
func formatErrorResponse(c echo.Context, apiErr IAPIError, cfg *config.Config) error {
	errorResp := &APIErrorResponse{
		Code:    apiErr.ErrorCode(),
		Message: apiErr.Message(),
	}
	if cfg != nil && cfg.IsDevelopment() {
		if details := apiErr.Details(); len(details) > 0 {
			errorResp.Details = details
		}
	}

	ensureTraceParentHeader(c)
	return c.JSON(apiErr.HTTPStatus(), APIResponse{
		Error: errorResp,
		Meta:  responseMeta(c),
	})
}

func responseMeta(c echo.Context) map[string]any {
	return map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"traceId":   getTraceID(c),
	}
}

// getTraceID returns the request id of c, generating and recording one when missing.
func getTraceID(c echo.Context) string {
	if id, ok := trace.IDFromContext(c.Request().Context()); ok {
		return id
	}
	if id := c.Request().Header.Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	id := trace.EnsureTraceID(c.Request().Context())
	c.Response().Header().Set(echo.HeaderXRequestID, id)
	return id
}

// ensureTraceParentHeader ensures the response contains a W3C traceparent header.
// It propagates the inbound header when present, otherwise generates a new one.
func ensureTraceParentHeader(c echo.Context) {
	if c.Response().Header().Get(trace.HeaderTraceParent) != "" {
		return
	}
	if tp := c.Request().Header.Get(trace.HeaderTraceParent); tp != "" {
		c.Response().Header().Set(trace.HeaderTraceParent, tp)
		return
	}
	c.Response().Header().Set(trace.HeaderTraceParent, trace.GenerateTraceParent())
}

// RouteRegistrar abstracts the subset of Echo's routing features that modules need
// while allowing the server to enforce common behavior such as base-path handling.
type RouteRegistrar interface {
	Add(method, path string, handler echo.HandlerFunc, middleware ...echo.MiddlewareFunc) *echo.Route
	Group(prefix string, middleware ...echo.MiddlewareFunc) RouteRegistrar
	Use(middleware ...echo.MiddlewareFunc)
	FullPath(path string) string
}

// HandlerRegistry registers typed handlers with a shared binder and config.
type HandlerRegistry struct {
	binder *RequestBinder
	cfg    *config.Config
}

// NewHandlerRegistry creates a new handler registry for cfg.
func NewHandlerRegistry(cfg *config.Config) *HandlerRegistry {
	return &HandlerRegistry{
		binder: NewRequestBinder(),
		cfg:    cfg,
	}
}

// RegisterHandler registers a typed handler with the route registrar.
func RegisterHandler[T any, R any](hr *HandlerRegistry, r RouteRegistrar, method, path string, handler HandlerFunc[T, R]) {
	r.Add(method, path, WrapHandler(handler, hr.binder, hr.cfg))
}

// GET registers a GET handler.
func GET[T any, R any](hr *HandlerRegistry, r RouteRegistrar, path string, handler HandlerFunc[T, R]) {
	RegisterHandler(hr, r, http.MethodGet, path, handler)
}

// POST registers a POST handler.
func POST[T any, R any](hr *HandlerRegistry, r RouteRegistrar, path string, handler HandlerFunc[T, R]) {
	RegisterHandler(hr, r, http.MethodPost, path, handler)
}

// ResultLike exposes status, headers, and payload for successful responses.
type ResultLike interface {
	ResultMeta() (status int, headers http.Header, data any)
}

// Result lets handlers set status and headers while keeping a typed payload.
type Result[R any] struct {
	Data    R
	Status  int
	Headers http.Header
}

// ResultMeta implements ResultLike for Result[R].
func (r Result[R]) ResultMeta() (status int, headers http.Header, data any) {
	return r.Status, r.Headers, r.Data
}

// NewResult is a convenience constructor for Result.
func NewResult[R any](status int, data R) Result[R] {
	return Result[R]{
		Data:   data,
		Status: status,
	}
}

// WithHeader returns a copy of r with header key set to value.
func (r Result[R]) WithHeader(key, value string) Result[R] {
	h := r.Headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(key, value)
	r.Headers = h
	return r
}
