package http

import (
	"net/http"

	"callcoach-server/pkg/realtime"
	"callcoach-server/pkg/session"
)

// SessionDetail is the response body of GET /api/sessions/{sessionID}
type SessionDetail struct {
	session.Info
	Metrics realtime.WindowedMetrics `json:"metrics"`
}

type sessionList struct {
	Count    int            `json:"count"`
	Sessions []session.Info `json:"sessions"`
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	infos := s.sessions.List()
	if infos == nil {
		infos = []session.Info{}
	}
	writeJSON(w, http.StatusOK, sessionList{Count: len(infos), Sessions: infos})
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("sessionID"))
	if err != nil {
		s.ErrorResponse(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SessionDetail{
		Info:    sess.Info(),
		Metrics: sess.Snapshot(),
	})
}
