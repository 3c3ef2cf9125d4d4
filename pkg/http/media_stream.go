package http

import (
	stderrors "errors"
	"net/http"
	"time"

	"callcoach-server/pkg/errors"
	"callcoach-server/pkg/media"
	"callcoach-server/pkg/metrics"
	"callcoach-server/pkg/session"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const mediaReadTimeout = 30 * time.Second

// MediaStreamHandler accepts Twilio media stream websockets and feeds the
// decoded audio of each call into its coaching session
type MediaStreamHandler struct {
	logger     *logrus.Logger
	sessions   SessionRegistry
	upgrader   websocket.Upgrader
	sampleRate int
}

// NewMediaStreamHandler creates the media stream endpoint. sampleRate is the
// rate the coaching pipeline is configured for.
func NewMediaStreamHandler(logger *logrus.Logger, sessions SessionRegistry, sampleRate int) *MediaStreamHandler {
	return &MediaStreamHandler{
		logger:   logger,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sampleRate: sampleRate,
	}
}

// mediaStream is the state of one media stream connection
type mediaStream struct {
	handler  *MediaStreamHandler
	conn     *websocket.Conn
	logger   *logrus.Entry
	callSid  string
	handle   session.Handle
	started  bool
	decoder  *media.StreamDecoder
	received int
}

// ServeWs runs one media stream until Twilio stops it or the socket closes
func (h *MediaStreamHandler) ServeWs(w http.ResponseWriter, r *http.Request) {
	callSid := r.PathValue("callSid")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).WithField("call_id", callSid).Error("Failed to upgrade media stream connection")
		return
	}
	defer conn.Close()

	metrics.MediaStreamOpened()
	defer metrics.MediaStreamClosed()

	stream := &mediaStream{
		handler: h,
		conn:    conn,
		callSid: callSid,
		logger:  h.logger.WithField("call_id", callSid),
	}
	stream.logger.Info("Media stream connected")

	reason := stream.serve()
	if stream.started {
		h.sessions.Terminate(stream.handle.SessionID, reason)
	}
	stream.logger.WithField("reason", reason).Info("Media stream closed")
}

// serve reads frames until the stream ends and returns why it ended
func (s *mediaStream) serve() string {
	for {
		s.conn.SetReadDeadline(time.Now().Add(mediaReadTimeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).Warn("Media stream read error")
			}
			return "stream_closed"
		}

		msg, err := media.ParseStreamMessage(data)
		if err != nil {
			s.logger.WithError(err).Debug("Ignoring malformed media stream frame")
			continue
		}

		switch msg.Event {
		case media.StreamEventConnected:
			s.logger.WithField("protocol", msg.Protocol).Debug("Media stream handshake")

		case media.StreamEventStart:
			if reason, ok := s.start(msg.Start); !ok {
				return reason
			}

		case media.StreamEventMedia:
			if reason, ok := s.media(msg.Media); !ok {
				return reason
			}

		case media.StreamEventStop:
			s.logger.Info("Media stream stopped by provider")
			return "stream_stopped"

		case media.StreamEventMark:
			if msg.Mark != nil {
				s.logger.WithField("mark", msg.Mark.Name).Debug("Media stream mark")
			}

		default:
			s.logger.WithField("event", msg.Event).Debug("Unhandled media stream event")
		}
	}
}

// start opens the coaching session. A second start on the same socket is
// ignored; a start for a call that already has a session closes the socket.
func (s *mediaStream) start(start *media.StreamStart) (string, bool) {
	if s.started {
		s.logger.Warn("Ignoring repeated start on media stream")
		return "", true
	}

	if start.CallSid != "" {
		if s.callSid != "" && s.callSid != start.CallSid {
			s.logger.WithField("stream_call_id", start.CallSid).Warn("Start event call differs from stream URL")
		}
		s.callSid = start.CallSid
		s.logger = s.handler.logger.WithField("call_id", s.callSid)
	}
	s.logger = s.logger.WithField("stream_sid", start.StreamSid)

	format := start.MediaFormat
	if format.SampleRate > 0 && s.handler.sampleRate > 0 && format.SampleRate != s.handler.sampleRate {
		s.logger.WithFields(logrus.Fields{
			"stream_rate":   format.SampleRate,
			"pipeline_rate": s.handler.sampleRate,
		}).Warn("Media stream sample rate differs from pipeline configuration")
	}

	decoder, err := media.NewStreamDecoder(format, time.Now())
	if err != nil {
		s.logger.WithError(err).Error("Unsupported media stream format")
		s.close(websocket.CloseUnsupportedData, err.Error())
		return "unsupported_format", false
	}

	handle, err := s.handler.sessions.Create(s.callSid)
	if err != nil {
		s.logger.WithError(err).Warn("Rejected media stream start")
		s.close(websocket.ClosePolicyViolation, errors.GetErrorCode(err))
		return "start_rejected", false
	}

	s.decoder = decoder
	s.handle = handle
	s.started = true
	s.logger.WithFields(logrus.Fields{
		"session_id": handle.SessionID,
		"tracks":     start.Tracks,
		"encoding":   format.Encoding,
	}).Info("Media stream started")
	return "", true
}

// media decodes one audio frame and submits it to the session
func (s *mediaStream) media(frame *media.StreamMedia) (string, bool) {
	if !s.started {
		metrics.RecordAudioChunkDropped("no_session")
		return "", true
	}

	chunk, ok, err := s.decoder.Decode(frame, time.Now())
	if err != nil {
		metrics.RecordAudioChunkDropped("decode_error")
		s.logger.WithError(err).Debug("Failed to decode media frame")
		return "", true
	}
	if !ok {
		metrics.RecordAudioChunkDropped("unknown_track")
		return "", true
	}

	s.received++
	if s.received <= 5 {
		s.logger.WithFields(logrus.Fields{
			"track":   chunk.Track,
			"samples": len(chunk.Samples),
		}).Debug("Media frame received")
	}

	err = s.handler.sessions.Submit(s.handle, chunk)
	switch {
	case err == nil, stderrors.Is(err, errors.ErrQueueFull):
		return "", true
	case stderrors.Is(err, errors.ErrSessionNotActive),
		stderrors.Is(err, errors.ErrStaleHandle),
		stderrors.Is(err, errors.ErrSessionNotFound):
		s.logger.WithError(err).Info("Coaching session ended; closing media stream")
		s.close(websocket.CloseNormalClosure, "session ended")
		return "session_ended", false
	default:
		s.logger.WithError(err).Warn("Failed to submit audio")
		return "", true
	}
}

func (s *mediaStream) close(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
