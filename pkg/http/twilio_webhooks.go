package http

import (
	"net/http"
	"strconv"
	"strings"

	"callcoach-server/pkg/config"
	"callcoach-server/pkg/correlation"
	"callcoach-server/pkg/errors"
	"callcoach-server/pkg/metrics"

	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"
)

const twilioSignatureHeader = "X-Twilio-Signature"

// Call statuses after which no more audio will arrive
var terminalCallStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"busy":      true,
	"no-answer": true,
	"canceled":  true,
}

// TwilioWebhooks answers the Twilio voice webhooks. Handlers reply 200 even
// on internal failures so Twilio does not retry.
type TwilioWebhooks struct {
	logger    *logrus.Logger
	config    config.TwilioConfig
	sessions  SessionRegistry
	validator *client.RequestValidator
}

// NewTwilioWebhooks creates the webhook handlers
func NewTwilioWebhooks(logger *logrus.Logger, cfg config.TwilioConfig, sessions SessionRegistry) *TwilioWebhooks {
	h := &TwilioWebhooks{
		logger:   logger,
		config:   cfg,
		sessions: sessions,
	}
	if cfg.ValidateSignature && cfg.AuthToken != "" {
		validator := client.NewRequestValidator(cfg.AuthToken)
		h.validator = &validator
	}
	return h
}

// HandleIncoming returns TwiML that forks both call legs to the media stream
// endpoint and keeps the call open
func (h *TwilioWebhooks) HandleIncoming(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "incoming") {
		return
	}

	callSid := r.PostForm.Get("CallSid")
	if callSid == "" {
		h.logger.Error("No CallSid in incoming call webhook")
		metrics.RecordWebhook("incoming", "invalid")
		h.writeTwiML(w, []twiml.Element{
			&twiml.VoiceSay{Message: "Error processing call."},
		})
		return
	}

	streamURL := h.streamURL(r, callSid)
	logger := correlation.Entry(r.Context(), h.logger).WithFields(logrus.Fields{
		"call_id":    callSid,
		"stream_url": streamURL,
	})
	logger.Info("Incoming call")

	elements := []twiml.Element{
		&twiml.VoiceStart{
			InnerElements: []twiml.Element{
				&twiml.VoiceStream{
					Url:   streamURL,
					Name:  "media_stream",
					Track: "both_tracks",
				},
			},
		},
	}
	if h.config.Greeting != "" {
		elements = append(elements, &twiml.VoiceSay{
			Message: h.config.Greeting,
			Voice:   h.config.Voice,
		})
	}
	if pause := int(h.config.StreamPause.Seconds()); pause > 0 {
		elements = append(elements, &twiml.VoicePause{Length: strconv.Itoa(pause)})
	}

	metrics.RecordWebhook("incoming", "ok")
	h.writeTwiML(w, elements)
}

// HandleStatus ends the call's session once Twilio reports a final status
func (h *TwilioWebhooks) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "status") {
		return
	}

	callSid := r.PostForm.Get("CallSid")
	callStatus := r.PostForm.Get("CallStatus")
	logger := correlation.Entry(r.Context(), h.logger).WithFields(logrus.Fields{
		"call_id":     callSid,
		"call_status": callStatus,
	})
	logger.Info("Call status update")

	if callSid != "" && terminalCallStatuses[callStatus] {
		if h.sessions.TerminateCall(callSid, "call_"+strings.ReplaceAll(callStatus, "-", "_")) {
			logger.Info("Ended coaching session for call")
		} else {
			logger.Debug("No active coaching session for call")
		}
	}

	metrics.RecordWebhook("status", "ok")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// authorize parses the form and checks the Twilio signature when enabled
func (h *TwilioWebhooks) authorize(w http.ResponseWriter, r *http.Request, kind string) bool {
	if err := r.ParseForm(); err != nil {
		h.logger.WithError(err).WithField("webhook", kind).Warn("Failed to parse webhook form")
	}

	if h.validator == nil {
		return true
	}

	params := make(map[string]string, len(r.PostForm))
	for key, values := range r.PostForm {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	url := requestBaseURL(r, h.config.TunnelURL) + r.URL.RequestURI()
	if h.validator.Validate(url, params, r.Header.Get(twilioSignatureHeader)) {
		return true
	}

	h.logger.WithFields(logrus.Fields{
		"webhook":     kind,
		"remote_addr": r.RemoteAddr,
	}).Warn("Rejected webhook with invalid Twilio signature")
	metrics.RecordWebhook(kind, "unauthorized")
	errors.WriteError(w, errors.NewInvalidSignature(kind))
	return false
}

func (h *TwilioWebhooks) writeTwiML(w http.ResponseWriter, elements []twiml.Element) {
	body, err := twiml.Voice(elements)
	if err != nil {
		h.logger.WithError(err).Error("Failed to render TwiML")
		body = `<?xml version="1.0" encoding="UTF-8"?><Response><Say>An error occurred. Please try again.</Say></Response>`
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

// streamURL is the websocket address Twilio should stream the call to
func (h *TwilioWebhooks) streamURL(r *http.Request, callSid string) string {
	base := requestBaseURL(r, h.config.TunnelURL)
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/twilio/media/" + callSid
}

// requestBaseURL returns the public http(s) origin of the service: the
// tunnel URL when configured, otherwise one derived from the request
func requestBaseURL(r *http.Request, tunnelURL string) string {
	if tunnelURL != "" {
		return strings.TrimRight(tunnelURL, "/")
	}

	host := r.Host
	if host == "" {
		host = "localhost:8000"
	}
	host = strings.TrimSuffix(strings.TrimSuffix(host, ":80"), ":443")

	scheme := "http"
	lower := strings.ToLower(host)
	switch {
	case r.TLS != nil,
		strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https"),
		strings.Contains(lower, "ngrok"),
		strings.Contains(lower, "trycloudflare"):
		scheme = "https"
	}
	return scheme + "://" + host
}
