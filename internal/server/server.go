package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bosondata/badwolf/internal/bitbucket"
	"github.com/bosondata/badwolf/internal/builder"
	"github.com/bosondata/badwolf/internal/ci"
	"github.com/bosondata/badwolf/internal/cloner"
	"github.com/bosondata/badwolf/internal/common"
	"github.com/bosondata/badwolf/internal/janitor"
	"github.com/bosondata/badwolf/internal/notify"
	"github.com/bosondata/badwolf/internal/pipeline"
	"github.com/bosondata/badwolf/internal/scheduler"
	"github.com/bosondata/badwolf/internal/server/handler"
	"github.com/bosondata/badwolf/internal/server/middleware"
	"github.com/bosondata/badwolf/internal/spec"
)

// ShutdownTimeout bounds how long running pipelines are waited for on exit.
const ShutdownTimeout = 30 * time.Second

// Server wires the webhook endpoints to the pipeline worker pool.
type Server struct {
	conf    common.Config
	engine  *gin.Engine
	pool    *scheduler.Pool
	janitor *janitor.Janitor
}

func New(conf common.Config) (*Server, error) {
	bb, err := bitbucket.NewClientFromConfig(conf)
	if err != nil {
		return nil, err
	}
	docker, err := builder.NewDockerClient(conf.DockerHost)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	var decrypter spec.Decrypter
	if conf.SecureTokenIdentity != "" {
		d, err := spec.NewAgeDecrypter(conf.SecureTokenIdentity)
		if err != nil {
			return nil, err
		}
		decrypter = d
	}

	serverName := strings.TrimRight(conf.ServerName, "/")
	signer := middleware.NewSigner(conf.JWTKey)
	svc := &pipeline.Services{
		Bitbucket: bb,
		Cloner:    cloner.New(bb),
		Docker:    docker,
		Notifier:  notify.NewFromConfig(conf),
		Decrypter: decrypter,
		ArtifactURL: func(repository, ref, name string) string {
			return signer.DownloadURL(serverName, repository, ref, name)
		},
		Config: pipeline.ConfigFrom(conf),
	}

	registry := scheduler.NewRegistry()
	pool := scheduler.NewPool(conf.Workers, registry)
	h := handler.New(handler.Options{
		Config:    conf,
		Bitbucket: bb,
		Pool:      pool,
		Canceller: scheduler.NewCanceller(docker, registry),
		Signer:    signer,
		Run: func(ctx context.Context, bctx *ci.Context, f *scheduler.Future) {
			pipeline.New(bctx, svc).Start(ctx, f)
		},
	})

	if conf.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.Logger())
	engine.GET("/", func(c *gin.Context) {
		common.Success(c, gin.H{"running": registry.Len()})
	})
	h.Register(engine)

	return &Server{conf: conf, engine: engine, pool: pool, janitor: janitor.FromConfig(conf)}, nil
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then drains the worker pool.
func (s *Server) Run(ctx context.Context) error {
	logger := common.GetLogger()
	if err := s.janitor.Start(s.conf.JanitorSpec); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	defer s.janitor.Stop()

	srv := &http.Server{
		Addr:    s.conf.ServerAddr,
		Handler: s.engine,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("badwolf server listening", zap.String("addr", s.conf.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if err := s.pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pipelines still running at exit", zap.Error(err))
	}
	return nil
}
