package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"callcoach-server/pkg/correlation"
	"callcoach-server/pkg/errors"
	"callcoach-server/pkg/metrics"
	"callcoach-server/pkg/realtime"
	"callcoach-server/pkg/session"
	"callcoach-server/pkg/version"

	"github.com/sirupsen/logrus"
)

// SessionRegistry is the part of the session registry the HTTP surface uses
type SessionRegistry interface {
	Create(callID string) (session.Handle, error)
	Submit(h session.Handle, chunk realtime.AudioChunk) error
	Terminate(sessionID, reason string)
	TerminateCall(callID, reason string) bool
	Get(sessionID string) (*session.Session, error)
	List() []session.Info
	ActiveCount() int
}

// ConnectionChecker reports the state of an outbound connection
type ConnectionChecker interface {
	IsConnected() bool
}

// Server serves health, metrics, the sessions API and every websocket and
// webhook endpoint of the coaching service
type Server struct {
	config     *Config
	logger     *logrus.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	startTime  time.Time
	sessions   SessionRegistry
	viewers    *ViewerHub
	amqpClient ConnectionChecker
	draining   atomic.Bool
}

// NewServer creates a new HTTP server instance
func NewServer(logger *logrus.Logger, config *Config, sessions SessionRegistry) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	server := &Server{
		config:    config,
		logger:    logger,
		sessions:  sessions,
		startTime: time.Now(),
		mux:       http.NewServeMux(),
	}

	mux := server.mux
	mux.HandleFunc("GET /{$}", server.rootHandler)
	mux.HandleFunc("POST /{$}", server.misdirectedWebhookHandler)
	mux.HandleFunc("GET /health", server.HealthHandler)
	mux.HandleFunc("GET /health/live", server.LivenessHandler)
	mux.HandleFunc("GET /health/ready", server.ReadinessHandler)
	mux.HandleFunc("GET /status", server.statusHandler)
	mux.HandleFunc("GET /api/sessions", server.listSessionsHandler)
	mux.HandleFunc("GET /api/sessions/{sessionID}", server.getSessionHandler)

	if config.EnableMetrics {
		if handler := metrics.Handler(); handler != nil {
			mux.Handle("GET /metrics", handler)
			logger.Info("Prometheus metrics endpoint enabled at /metrics")
		} else {
			logger.Warn("Metrics enabled but registry not initialized; /metrics not served")
		}
	} else {
		logger.Info("Metrics endpoints disabled")
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      correlation.Middleware(logger, addServerHeader(mux)),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return server
}

func addServerHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", version.ServerHeader())
		next.ServeHTTP(w, r)
	})
}

// SetViewerHub registers the agent display websocket endpoint
func (s *Server) SetViewerHub(hub *ViewerHub) {
	s.viewers = hub
	s.mux.HandleFunc("GET /ws/ui/{sessionID}", hub.ServeWs)
	s.logger.Info("Viewer WebSocket endpoint registered at /ws/ui/{sessionID}")
}

// SetTwilioWebhooks registers the Twilio voice webhooks
func (s *Server) SetTwilioWebhooks(webhooks *TwilioWebhooks) {
	s.mux.HandleFunc("POST /webhooks/twilio/voice/incoming", webhooks.HandleIncoming)
	s.mux.HandleFunc("POST /webhooks/twilio/voice/status", webhooks.HandleStatus)
	s.logger.Info("Twilio voice webhooks registered at /webhooks/twilio/voice/*")
}

// SetMediaStreamHandler registers the Twilio media stream websocket endpoint
func (s *Server) SetMediaStreamHandler(handler *MediaStreamHandler) {
	s.mux.HandleFunc("GET /ws/twilio/media/{callSid}", handler.ServeWs)
	s.logger.Info("Media stream WebSocket endpoint registered at /ws/twilio/media/{callSid}")
}

// SetAMQPClient sets the AMQP client reference for health checks
func (s *Server) SetAMQPClient(client ConnectionChecker) {
	s.amqpClient = client
}

// Handler returns the root handler, including the Server header middleware
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe serves until Shutdown is called
func (s *Server) ListenAndServe() error {
	s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server. Readiness reports
// unavailable from this point on.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	s.logger.Info("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Real-time call coaching",
		"version": version.Version,
		"status":  "running",
	})
}

// misdirectedWebhookHandler answers Twilio webhooks pointed at the root URL
func (s *Server) misdirectedWebhookHandler(w http.ResponseWriter, r *http.Request) {
	fields := logrus.Fields{"remote_addr": r.RemoteAddr}
	if err := r.ParseForm(); err == nil {
		if callSid := r.PostForm.Get("CallSid"); callSid != "" {
			fields["call_id"] = callSid
		}
	}
	s.logger.WithFields(fields).Warn("POST to root endpoint; Twilio webhook is probably misconfigured")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"error":       "Webhook endpoint not found",
		"message":     "Configure the Twilio voice webhook to use /webhooks/twilio/voice/incoming",
		"correct_url": requestBaseURL(r, "") + "/webhooks/twilio/voice/incoming",
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":          "ok",
		"uptime":          time.Since(s.startTime).Round(time.Second).String(),
		"active_sessions": 0,
		"viewer_clients":  0,
		"version":         version.Version,
		"started_at":      s.startTime.Format(time.RFC3339),
	}
	if s.sessions != nil {
		status["active_sessions"] = s.sessions.ActiveCount()
	}
	if s.viewers != nil {
		status["viewer_clients"] = s.viewers.GetConnectedClients()
	}

	writeJSON(w, http.StatusOK, status)
}

// ErrorResponse sends a standardized error response
func (s *Server) ErrorResponse(w http.ResponseWriter, err error) {
	errors.WriteError(w, err)
	s.logger.WithError(err).Debug("HTTP error response sent")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
