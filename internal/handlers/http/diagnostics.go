package http

import (
	"context"
	"net/http"
	"time"

	"streamview/internal/core/domain"
	"streamview/internal/core/services"
	"streamview/internal/infrastructure/monitoring"
	"streamview/pkg/poller"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DiagnosticsServer exposes the viewer's local introspection surface:
// liveness, current session and task state, and prometheus metrics.
// It binds to localhost; it is an operator tool, not a public API.
type DiagnosticsServer struct {
	session *services.AuthSession
	tasks   *poller.Registry
	health  *monitoring.HealthChecker
	logger  *zap.SugaredLogger

	server *http.Server
}

func NewDiagnosticsServer(session *services.AuthSession, tasks *poller.Registry, health *monitoring.HealthChecker, logger *zap.SugaredLogger) *DiagnosticsServer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DiagnosticsServer{session: session, tasks: tasks, health: health, logger: logger}
}

func (d *DiagnosticsServer) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", d.handleHealth)
	router.GET("/status", d.handleStatus)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// Start serves diagnostics on addr until the context is canceled.
func (d *DiagnosticsServer) Start(ctx context.Context, addr string) error {
	d.server = &http.Server{
		Addr:         addr,
		Handler:      d.setupRouter(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Warnw("diagnostics shutdown failed", "error", err)
		}
	}()

	d.logger.Infow("diagnostics listening", "addr", addr)
	if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (d *DiagnosticsServer) handleHealth(c *gin.Context) {
	status := d.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

type statusResponse struct {
	Authenticated bool            `json:"authenticated"`
	UserID        domain.UserID   `json:"user_id,omitempty"`
	Tasks         []poller.Status `json:"tasks"`
}

func (d *DiagnosticsServer) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		Authenticated: d.session.IsAuthenticated(),
		UserID:        d.session.CurrentUserID(),
		Tasks:         d.tasks.StatusAll(),
	})
}
