// Package api exposes the HTTP surface: the Telegram webhook endpoint, the
// health and repair operations, and read access to scraped availability.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	tele "gopkg.in/telebot.v4"

	"slotwatch/internal/delivery"
	"slotwatch/internal/model"
	"slotwatch/internal/notify"
	"slotwatch/internal/runtime/supervisor"
	"slotwatch/internal/store"
	"slotwatch/internal/telegram"
	"slotwatch/pkg/logx"
)

// Supervised loop names, shared with the process wiring so the health
// endpoint can ask the supervisor about each one by name.
const (
	TaskScrape       = "scrape"
	TaskChannelCheck = "channel.check"
	TaskPollLiveness = "poll.liveness"
	TaskHTTP         = "http"
)

type Config struct {
	Addr          string
	WebhookSecret string
	CORSOrigins   []string
}

type Server struct {
	cfg        Config
	mgr        *delivery.Manager
	st         *delivery.State
	gw         *telegram.Gateway
	store      *store.Store
	dispatcher *notify.Dispatcher
	sup        *supervisor.Supervisor
	log        logx.Logger
	started    time.Time

	http *http.Server
}

func NewServer(cfg Config, mgr *delivery.Manager, st *delivery.State, gw *telegram.Gateway,
	db *store.Store, d *notify.Dispatcher, sup *supervisor.Supervisor, log logx.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		mgr:        mgr,
		st:         st,
		gw:         gw,
		store:      db,
		dispatcher: d,
		sup:        sup,
		log:        log,
		started:    time.Now(),
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler)

	r.Post("/api/telegram/webhook/{secret}", s.handleWebhook)
	r.Get("/api/health", s.handleHealth)
	r.Post("/api/telegram/force-reregister", s.handleForceRepair)
	r.Get("/api/telegram/bot-info", s.handleBotInfo)
	r.Get("/api/availability", s.handleAvailability)
	r.Get("/api/availability/history", s.handleHistory)
	r.Post("/api/availability/refresh", s.handleRefresh)
	r.Post("/api/subscribers", s.handleSubscribe)
	r.Put("/api/subscribers/{chatID}/alerts", s.handleAlertToggle)
	r.Get("/api/subscribers/{chatID}/notifications", s.handleNotificationHistory)
	return r
}

// Run serves until ctx is done, then drains with a bounded shutdown.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.http.ListenAndServe() }()
	s.log.Info("http server listening", logx.String("addr", s.cfg.Addr))
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// handleWebhook ingests one Telegram update. The response is always 200
// {"ok":true} regardless of payload validity so Telegram never marks the
// endpoint failing and retries old updates.
func (s *Server) handleWebhook(w http.ResponseWriter, req *http.Request) {
	secret := chi.URLParam(req, "secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.WebhookSecret)) != 1 {
		s.log.Warn("webhook call with bad secret", logx.String("remote", req.RemoteAddr))
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "not found"})
		return
	}
	var u tele.Update
	if err := json.NewDecoder(req.Body).Decode(&u); err != nil {
		s.log.Warn("webhook payload decode failed", logx.Err(err))
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	s.mgr.Dispatch(u)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type healthResponse struct {
	Status        string                 `json:"status"`
	Mode          string                 `json:"delivery_mode"`
	RegisteredURL string                 `json:"registered_webhook_url,omitempty"`
	ConfigBroken  bool                   `json:"webhook_unconfigured,omitempty"`
	UptimeSec     int64                  `json:"uptime_seconds"`
	LastContact   *time.Time             `json:"last_api_contact,omitempty"`
	LastHeartbeat *time.Time             `json:"last_poll_heartbeat,omitempty"`
	IssueSince    *time.Time             `json:"issue_window_open_since,omitempty"`
	Counters      map[string]uint64      `json:"counters"`
	Database      string                 `json:"database"`
	Loops         map[string]bool        `json:"loops"`
	Tasks         []supervisor.TaskStats `json:"tasks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Mode:          s.st.Mode().String(),
		RegisteredURL: s.st.RegisteredURL(),
		ConfigBroken:  s.mgr.ConfigBroken(),
		UptimeSec:     int64(time.Since(s.started).Seconds()),
		Counters: map[string]uint64{
			"updates_received": s.st.Received(),
			"messages_sent":    s.gw.Sent(),
			"send_failures":    s.gw.Failures(),
			"auto_repairs":     s.st.AutoRepairs(),
			"poller_restarts":  s.st.Restarts(),
		},
		Database: "ok",
		Loops: map[string]bool{
			TaskScrape:       s.sup.Alive(TaskScrape),
			TaskChannelCheck: s.sup.Alive(TaskChannelCheck),
			TaskPollLiveness: s.sup.Alive(TaskPollLiveness),
			TaskHTTP:         s.sup.Alive(TaskHTTP),
		},
		Tasks: s.sup.Snapshot(),
	}
	if t := s.st.LastContact(); !t.IsZero() {
		resp.LastContact = &t
	}
	if t := s.st.LastHeartbeat(); !t.IsZero() {
		resp.LastHeartbeat = &t
	}
	if t := s.st.IssueSince(); !t.IsZero() {
		resp.IssueSince = &t
		resp.Status = "degraded"
	}
	if s.mgr.ConfigBroken() {
		resp.Status = "degraded"
	}
	if err := s.store.Ping(req.Context()); err != nil {
		resp.Database = err.Error()
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleForceRepair(w http.ResponseWriter, req *http.Request) {
	mode, ok := s.mgr.ForceRepair(req.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"repaired": ok,
		"mode":     mode.String(),
	})
}

func (s *Server) handleBotInfo(w http.ResponseWriter, req *http.Request) {
	me, ok := s.gw.BotIdentity(req.Context())
	if !ok {
		writeJSON(w, http.StatusBadGateway, map[string]string{"detail": "bot identity unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username":   me.Username,
		"first_name": me.FirstName,
		"id":         me.ID,
	})
}

// handleAvailability returns the latest snapshot, scraping on demand when
// the store is still empty.
func (s *Server) handleAvailability(w http.ResponseWriter, req *http.Request) {
	snap, err := s.store.LatestSnapshot(req.Context())
	if err != nil {
		s.log.Error("snapshot read failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "storage error"})
		return
	}
	if snap == nil {
		res, err := s.dispatcher.RunCycle(req.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
			return
		}
		snap = res.Snapshot
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHistory(w http.ResponseWriter, req *http.Request) {
	limit := 20
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	snaps, err := s.store.RecentSnapshots(req.Context(), limit)
	if err != nil {
		s.log.Error("history read failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "storage error"})
		return
	}
	if snaps == nil {
		snaps = []*model.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps, "count": len(snaps)})
}

func (s *Server) handleRefresh(w http.ResponseWriter, req *http.Request) {
	res, err := s.dispatcher.RunCycle(req.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type subscribeRequest struct {
	ChatID int64 `json:"chat_id"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, req *http.Request) {
	var body subscribeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.ChatID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "chat_id required"})
		return
	}
	if err := s.store.UpsertSubscriber(req.Context(), body.ChatID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "storage error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": body.ChatID, "alert_enabled": true})
}

type alertToggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleAlertToggle(w http.ResponseWriter, req *http.Request) {
	chatID, err := strconv.ParseInt(chi.URLParam(req, "chatID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid chat id"})
		return
	}
	var body alertToggleRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid body"})
		return
	}
	if err := s.store.SetAlertEnabled(req.Context(), chatID, body.Enabled); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "storage error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": chatID, "alert_enabled": body.Enabled})
}

func (s *Server) handleNotificationHistory(w http.ResponseWriter, req *http.Request) {
	chatID, err := strconv.ParseInt(chi.URLParam(req, "chatID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid chat id"})
		return
	}
	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	recs, err := s.store.RecentNotifications(req.Context(), chatID, limit)
	if err != nil {
		s.log.Error("notification history read failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "storage error"})
		return
	}
	if recs == nil {
		recs = []model.NotificationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": recs, "count": len(recs)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
