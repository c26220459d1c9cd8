package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	BansPropagated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cautionbot_bans_propagated_total",
		Help: "Bans successfully propagated into member chats.",
	})
	BanFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cautionbot_ban_failures_total",
		Help: "Ban attempts the platform rejected.",
	})
	ReportsApproved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cautionbot_reports_approved_total",
		Help: "Reports approved by staff.",
	})
	ReportsDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cautionbot_reports_denied_total",
		Help: "Reports denied by staff.",
	})
	AppealsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cautionbot_appeals_resolved_total",
		Help: "Appeals approved or denied by staff.",
	})
	UpdatesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cautionbot_updates_processed_total",
		Help: "Incoming platform updates handled.",
	})
)

// Server exposes the metrics endpoint as a managed component.
type Server struct {
	addr string
	srv  *http.Server
}

func NewServer(addr string) *Server {
	return &Server{addr: addr}
}

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.srv = &http.Server{Addr: s.addr, Handler: mux}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
