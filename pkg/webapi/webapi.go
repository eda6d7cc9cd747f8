// This file is to handle things such as metrics/health/log level, etc

package webapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	// HealthCheck reports whether the backend can serve requests. A nil
	// check always reports healthy.
	HealthCheck func() error
	// Topology renders the current cluster description.
	Topology func() string
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	healthCheck   func() error
	topology      func() string
	httpServer    *http.Server
}

func newWebServer(opts WebServerOptions) *WebServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebServer{
		logger:        logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
		healthCheck:   opts.HealthCheck,
		topology:      opts.Topology,
	}
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the data broker backend internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if w.healthCheck != nil {
		if err := w.healthCheck(); err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_, _ = rw.Write([]byte(err.Error()))
			return
		}
	}

	rw.WriteHeader(200)
	_, err := rw.Write([]byte("ok"))
	if err != nil {
		w.logger.Debug("failed to write health response", zap.Error(err))
	}
}

func (w *WebServer) handleTopology(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain")
	rw.WriteHeader(200)
	_, err := rw.Write([]byte(w.topology()))
	if err != nil {
		w.logger.Debug("failed to write topology response", zap.Error(err))
	}
}

func (w *WebServer) router() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", w.handleHealth).Methods(http.MethodGet)
	if w.topology != nil {
		r.HandleFunc("/topology", w.handleTopology).Methods(http.MethodGet)
	}
	if w.logLevel != nil {
		r.Handle("/log-level", w.logLevel).Methods(http.MethodGet, http.MethodPut)
	}
	r.HandleFunc("/", w.handleRoot)

	return r
}

func (w *WebServer) ListenAndServe() error {
	w.httpServer = &http.Server{
		Handler:      otelhttp.NewHandler(w.router(), "webapi"),
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return w.httpServer.ListenAndServe()
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

func InitializeWebServer(opts WebServerOptions) {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return
	}

	globalWebServer = newWebServer(opts)
	server := globalWebServer
	globalWebLock.Unlock()
	go func() {
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			server.logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()
}
