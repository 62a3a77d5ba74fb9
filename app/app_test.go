package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/communityassist/config"
	"github.com/gaborage/communityassist/logger"
	"github.com/gaborage/communityassist/server"
)

type MockSignalHandler struct {
	mock.Mock

	mu sync.Mutex
	ch chan<- os.Signal
}

func (m *MockSignalHandler) Notify(c chan<- os.Signal, sig ...os.Signal) {
	m.Called(c, sig)
	m.mu.Lock()
	m.ch = c
	m.mu.Unlock()
}

func (m *MockSignalHandler) Stop(c chan<- os.Signal) {
	m.Called(c)
}

// TriggerShutdown delivers SIGINT once Notify has registered a channel.
func (m *MockSignalHandler) TriggerShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch == nil {
		return false
	}
	select {
	case m.ch <- os.Interrupt:
	default:
	}
	return true
}

type mockServer struct {
	startErr      error
	shutdownErr   error
	startCalls    int32
	shutdownCalls int32
	e             *echo.Echo
	checks        []string

	gate     chan struct{}
	gateOnce sync.Once
}

func newMockServer() *mockServer {
	return &mockServer{
		startErr: http.ErrServerClosed,
		e:        echo.New(),
		gate:     make(chan struct{}),
	}
}

func (m *mockServer) releaseStart() {
	m.gateOnce.Do(func() {
		close(m.gate)
	})
}

func (m *mockServer) Start() error {
	atomic.AddInt32(&m.startCalls, 1)
	<-m.gate
	return m.startErr
}

func (m *mockServer) Shutdown(context.Context) error {
	atomic.AddInt32(&m.shutdownCalls, 1)
	m.releaseStart()
	return m.shutdownErr
}

func (m *mockServer) Echo() *echo.Echo {
	return m.e
}

func (m *mockServer) ModuleGroup() server.RouteRegistrar {
	return echoRegistrar{e: m.e}
}

func (m *mockServer) AddReadinessCheck(name string, _ server.ReadinessCheck) {
	m.checks = append(m.checks, name)
}

func (m *mockServer) startCount() int {
	return int(atomic.LoadInt32(&m.startCalls))
}

func (m *mockServer) shutdownCount() int {
	return int(atomic.LoadInt32(&m.shutdownCalls))
}

type echoRegistrar struct {
	e *echo.Echo
}

func (r echoRegistrar) Add(method, path string, handler echo.HandlerFunc, middleware ...echo.MiddlewareFunc) *echo.Route {
	return r.e.Add(method, path, handler, middleware...)
}

func (r echoRegistrar) Group(string, ...echo.MiddlewareFunc) server.RouteRegistrar { return r }

func (r echoRegistrar) Use(middleware ...echo.MiddlewareFunc) { r.e.Use(middleware...) }

func (r echoRegistrar) FullPath(path string) string { return path }

// syncBuffer lets the server goroutine and the test log concurrently.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type recordingModule struct {
	name        string
	initErr     error
	shutdownErr error
	deps        *ModuleDeps
	shutdowns   *[]string
}

func (m *recordingModule) Name() string { return m.name }

func (m *recordingModule) Init(deps *ModuleDeps) error {
	m.deps = deps
	return m.initErr
}

func (m *recordingModule) RegisterRoutes(hr *server.HandlerRegistry, r server.RouteRegistrar) {
	server.GET(hr, r, "/weather/:zipcode", func(req struct {
		Zipcode string `param:"zipcode"`
	}, hc server.HandlerContext) (json.RawMessage, server.IAPIError) {
		report, err := m.deps.Weather.Lookup(hc.Echo.Request().Context(), req.Zipcode)
		if err != nil {
			return nil, server.NewBadGatewayError(err.Error())
		}
		return report.Observations, nil
	})
}

func (m *recordingModule) Shutdown() error {
	if m.shutdowns != nil {
		*m.shutdowns = append(*m.shutdowns, m.name)
	}
	return m.shutdownErr
}

func testConfig(t *testing.T, mutate ...func(*config.Config)) *config.Config {
	t.Helper()
	cfg, err := config.LoadWithOptions(config.LoadOptions{
		Dir:     t.TempDir(),
		Environ: func() []string { return nil },
	})
	require.NoError(t, err)
	cfg.App.Rate.Limit = 0
	cfg.Upstream.Weather.Retry.MaxAttempts = 1
	for _, m := range mutate {
		m(cfg)
	}
	return cfg
}

func weatherUpstream(t *testing.T, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func get(e *echo.Echo, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, http.NoBody))
	return rec
}

func TestNewRejectsNilConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestNewWiresComponents(t *testing.T) {
	var buf bytes.Buffer
	a, err := NewWithOptions(testConfig(t), &Options{Logger: logger.NewWithWriter(&buf, "debug", false, nil)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	assert.NotNil(t, a.Weather())
	assert.NotNil(t, a.Completion())
	assert.False(t, a.Completion().Configured())
	assert.Equal(t, "closed", a.Weather().Breaker().State())
	assert.NotNil(t, a.cache)
	assert.Contains(t, buf.String(), "OpenAI credential not configured")
	assert.Contains(t, buf.String(), "Weather cache enabled")
}

func TestNewWithoutCache(t *testing.T) {
	srv := newMockServer()
	a, err := NewWithOptions(testConfig(t, func(c *config.Config) { c.Cache.Type = config.CacheNone }), &Options{
		Logger: logger.Nop(),
		Server: srv,
	})
	require.NoError(t, err)

	assert.Nil(t, a.cache)
	assert.Empty(t, srv.checks)
}

func TestNewRejectsUnknownCacheType(t *testing.T) {
	_, err := NewWithOptions(testConfig(t, func(c *config.Config) { c.Cache.Type = "memcached" }), &Options{Logger: logger.Nop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown cache type")
}

func TestNewRedisCacheUnreachable(t *testing.T) {
	_, err := NewWithOptions(testConfig(t, func(c *config.Config) {
		c.Cache.Type = config.CacheRedis
		c.Cache.Redis.Host = "127.0.0.1"
		c.Cache.Redis.Port = 1
		c.Cache.Redis.DialTimeout = 100 * time.Millisecond
	}), &Options{Logger: logger.Nop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize cache")
}

func TestWeatherLookupsAreCachedInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	upstreamSrv, calls := weatherUpstream(t, `[{"temperature":21}]`)

	a, err := NewWithOptions(testConfig(t, func(c *config.Config) {
		c.Cache.Type = config.CacheRedis
		c.Cache.Redis.Host = mr.Host()
		c.Cache.Redis.Port = port
		c.Upstream.Weather.BaseURL = upstreamSrv.URL
	}), &Options{Logger: logger.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	ctx := context.Background()
	first, err := a.Weather().Lookup(ctx, "10001")
	require.NoError(t, err)
	second, err := a.Weather().Lookup(ctx, "10001")
	require.NoError(t, err)

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.JSONEq(t, `[{"temperature":21}]`, string(second.Observations))
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, mr.Exists("communityassist:weather:zipcode:10001"))
}

func TestModuleRoutesServeThroughServer(t *testing.T) {
	upstreamSrv, calls := weatherUpstream(t, `[{"temperature":18}]`)
	a, err := NewWithOptions(testConfig(t, func(c *config.Config) {
		c.Upstream.Weather.BaseURL = upstreamSrv.URL
	}), &Options{Logger: logger.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	require.NoError(t, a.RegisterModule(&recordingModule{name: "weather"}))
	a.registry.RegisterRoutes(a.Server().ModuleGroup())

	e := a.Server().Echo()
	for range 2 {
		rec := get(e, "/weather/10001")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Body.String(), `"temperature":18`)
	}
	assert.Equal(t, int32(1), calls.Load())

	rec := get(e, "/ready")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cache":"ok"`)
}

func TestModuleRegistry(t *testing.T) {
	var order []string
	registry := NewModuleRegistry(&ModuleDeps{Logger: logger.Nop()})

	require.NoError(t, registry.Register(&recordingModule{name: "first", shutdowns: &order}))
	require.NoError(t, registry.Register(&recordingModule{name: "second", shutdowns: &order, shutdownErr: errors.New("busy")}))

	err := registry.Register(&recordingModule{name: "broken", initErr: errors.New("missing client")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "module broken")
	assert.Len(t, registry.Modules(), 2)

	err = registry.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second: busy")
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestRunGracefulShutdown(t *testing.T) {
	signals := &MockSignalHandler{}
	signals.On("Notify", mock.Anything, []os.Signal{os.Interrupt, syscall.SIGTERM}).Return()
	signals.On("Stop", mock.Anything).Return()

	srv := newMockServer()
	var buf syncBuffer
	a, err := NewWithOptions(testConfig(t), &Options{
		Logger:        logger.NewWithWriter(&buf, "info", false, nil),
		Server:        srv,
		SignalHandler: signals,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- a.Run()
	}()

	assert.Eventually(t, func() bool { return srv.startCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, signals.TriggerShutdown, time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not complete in time")
	}

	assert.Equal(t, 1, srv.shutdownCount())
	assert.Contains(t, buf.String(), "Shutdown signal received")
	assert.Contains(t, buf.String(), "Cache closed successfully")
	signals.AssertExpectations(t)
}

func TestRunPropagatesServerError(t *testing.T) {
	signals := &MockSignalHandler{}
	signals.On("Notify", mock.Anything, mock.Anything).Return()
	signals.On("Stop", mock.Anything).Return()

	srv := newMockServer()
	startErr := errors.New("address already in use")
	srv.startErr = startErr
	srv.releaseStart()

	a, err := NewWithOptions(testConfig(t), &Options{
		Logger:        logger.Nop(),
		Server:        srv,
		SignalHandler: signals,
	})
	require.NoError(t, err)

	err = a.Run()

	require.Error(t, err)
	assert.ErrorIs(t, err, startErr)
	assert.Equal(t, 1, srv.shutdownCount())
	signals.AssertExpectations(t)
}

func TestShutdownAggregatesErrors(t *testing.T) {
	srv := newMockServer()
	srv.shutdownErr = errors.New("listener stuck")

	a, err := NewWithOptions(testConfig(t), &Options{Logger: logger.Nop(), Server: srv})
	require.NoError(t, err)
	require.NoError(t, a.RegisterModule(&recordingModule{name: "dashboard", shutdownErr: errors.New("busy")}))

	err = a.Shutdown(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "modules: dashboard: busy")
	assert.Contains(t, err.Error(), "server: listener stuck")
}
