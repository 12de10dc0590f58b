package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zoom/arlo/internal/broadcast"
	"github.com/zoom/arlo/internal/config"
	"github.com/zoom/arlo/internal/observability"
	"github.com/zoom/arlo/internal/protocol"
	"github.com/zoom/arlo/internal/relay"
	"github.com/zoom/arlo/internal/session"
	"github.com/zoom/arlo/internal/webhook"
)

const maxWebhookBody = 1 << 20

// Relay is the part of the relay the HTTP surface drives.
type Relay interface {
	Start(ctx context.Context, req relay.StartRequest) error
	Stop(meetingKey string) error
	ActiveCount() int
	Sessions() []session.Info
}

// SegmentReader serves stored transcript segments.
type SegmentReader interface {
	ListSegments(ctx context.Context, meetingKey string, afterSeq int64, limit int) ([]protocol.TranscriptSegment, error)
}

type Server struct {
	cfg      config.Config
	relay    Relay
	verifier *webhook.Verifier
	segments SegmentReader
	hub      *broadcast.Hub
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, r Relay, verifier *webhook.Verifier, segments SegmentReader, hub *broadcast.Hub, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		relay:    r,
		verifier: verifier,
		segments: segments,
		hub:      hub,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only watch a meeting from the same origin unless
				// APP_ALLOW_ANY_ORIGIN is set.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/webhook", s.handleWebhook)

	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/perf/dispatch", s.handlePerfDispatch)
	r.Get("/v1/meetings/{meetingKey}/segments", s.handleListSegments)
	r.Get("/v1/meetings/{meetingKey}/live", s.handleLive)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	infos := s.relay.Sessions()
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		keys = append(keys, info.MeetingKey)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"activeSessions": len(keys),
		"sessions":       keys,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": s.relay.Sessions(),
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.webhookResult("unknown", "bad_request")
		respondError(w, http.StatusBadRequest, "invalid_request", "could not read body")
		return
	}

	ev, err := webhook.ParseEvent(body)
	if err != nil {
		s.webhookResult("unknown", "bad_request")
		respondError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	if ev.Event == webhook.EventURLValidation {
		token, err := ev.PlainToken()
		if err != nil {
			s.webhookResult(ev.Event, "bad_request")
			respondError(w, http.StatusBadRequest, "invalid_payload", err.Error())
			return
		}
		s.webhookResult(ev.Event, "ok")
		respondJSON(w, http.StatusOK, webhook.ValidationResponse(token, s.verifier.Secret))
		return
	}

	if err := s.verifier.VerifyRequest(r.Header, body); err != nil {
		log.Printf("webhook signature verification failed event=%s: %v", ev.Event, err)
		s.webhookResult(ev.Event, "unauthorized")
		respondText(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	switch ev.Event {
	case webhook.EventRTMSStarted:
		p, err := ev.RTMS()
		if err != nil {
			s.webhookResult(ev.Event, "bad_request")
			respondError(w, http.StatusBadRequest, "invalid_payload", err.Error())
			return
		}
		err = s.relay.Start(r.Context(), relay.StartRequest{
			MeetingKey: p.MeetingUUID,
			StreamKey:  p.StreamID,
			ServerURLs: p.ServerURLs,
			OperatorID: p.OperatorID,
		})
		if errors.Is(err, relay.ErrClosed) {
			s.webhookResult(ev.Event, "unavailable")
			respondText(w, http.StatusServiceUnavailable, "Service Unavailable")
			return
		}
		if err != nil && !errors.Is(err, session.ErrAlreadyActive) {
			log.Printf("webhook start failed meeting=%s: %v", p.MeetingUUID, err)
		}
	case webhook.EventRTMSStopped:
		p, err := ev.RTMS()
		if err != nil {
			s.webhookResult(ev.Event, "bad_request")
			respondError(w, http.StatusBadRequest, "invalid_payload", err.Error())
			return
		}
		if err := s.relay.Stop(p.MeetingUUID); err != nil {
			log.Printf("webhook stop meeting=%s: %v", p.MeetingUUID, err)
		}
	default:
		log.Printf("unhandled webhook event=%s", ev.Event)
	}

	s.webhookResult(ev.Event, "ok")
	respondText(w, http.StatusOK, "OK")
}

type segmentsResponse struct {
	Segments []protocol.TranscriptSegment `json:"segments"`
	Cursor   *string                      `json:"cursor"`
}

func (s *Server) handleListSegments(w http.ResponseWriter, r *http.Request) {
	meetingKey := strings.TrimSpace(chi.URLParam(r, "meetingKey"))
	if meetingKey == "" {
		respondError(w, http.StatusBadRequest, "invalid_meeting_key", "missing meeting key")
		return
	}
	if s.segments == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "segment storage not configured")
		return
	}

	q := r.URL.Query()
	var afterSeq int64
	if raw := strings.TrimSpace(q.Get("after_seq")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			respondError(w, http.StatusBadRequest, "invalid_after_seq", "after_seq must be a non-negative integer")
			return
		}
		afterSeq = v
	}
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = v
	}

	segments, err := s.segments.ListSegments(r.Context(), meetingKey, afterSeq, limit)
	if err != nil {
		log.Printf("list segments failed meeting=%s: %v", meetingKey, err)
		respondError(w, http.StatusInternalServerError, "list_failed", "could not list segments")
		return
	}

	resp := segmentsResponse{Segments: segments}
	if resp.Segments == nil {
		resp.Segments = []protocol.TranscriptSegment{}
	}
	if n := len(segments); n > 0 {
		cursor := strconv.FormatInt(segments[n-1].SeqNo, 10)
		resp.Cursor = &cursor
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	meetingKey := strings.TrimSpace(chi.URLParam(r, "meetingKey"))
	if meetingKey == "" {
		respondError(w, http.StatusBadRequest, "invalid_meeting_key", "missing meeting key")
		return
	}
	if s.hub == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "live feed not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.sessionEvent("live_connected")
	s.hub.ServeConn(r.Context(), conn, meetingKey)
	s.sessionEvent("live_disconnected")
}

func (s *Server) webhookResult(event, result string) {
	if s.metrics != nil {
		s.metrics.WebhookRequests.WithLabelValues(event, result).Inc()
	}
}

func (s *Server) sessionEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, text)
}
