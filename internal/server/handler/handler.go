package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bosondata/badwolf/internal/bitbucket"
	"github.com/bosondata/badwolf/internal/ci"
	"github.com/bosondata/badwolf/internal/common"
	"github.com/bosondata/badwolf/internal/scheduler"
	"github.com/bosondata/badwolf/internal/server/middleware"
)

// RunFunc runs the pipeline of one context on a pool worker.
type RunFunc func(ctx context.Context, bctx *ci.Context, f *scheduler.Future)

type Options struct {
	Config    common.Config
	Bitbucket *bitbucket.Client
	Pool      *scheduler.Pool
	// Canceller may be nil, outdated pipelines then keep running.
	Canceller *scheduler.Canceller
	Signer    *middleware.Signer
	Run       RunFunc
}

// Handler serves webhooks, saved logs and artifact downloads.
type Handler struct {
	conf      common.Config
	bitbucket *bitbucket.Client
	pool      *scheduler.Pool
	canceller *scheduler.Canceller
	signer    *middleware.Signer
	run       RunFunc
}

func New(opts Options) *Handler {
	if opts.Signer == nil {
		opts.Signer = middleware.NewSigner("")
	}
	return &Handler{
		conf:      opts.Config,
		bitbucket: opts.Bitbucket,
		pool:      opts.Pool,
		canceller: opts.Canceller,
		signer:    opts.Signer,
		run:       opts.Run,
	}
}

func (h *Handler) Register(r gin.IRouter) {
	webhook := r.Group("/webhook")
	webhook.POST("/push", h.WebhookPush)
	webhook.POST("/register/:owner/:repo", h.RegisterWebhook)

	r.GET("/log/build/:sha/:task_id", h.BuildLog)
	r.GET("/log/lint/:sha/:task_id", h.LintLog)
	r.GET("/artifacts/:owner/:repo/:ref/:filename", middleware.JWTAuthMiddleware(h.signer), h.DownloadArtifact)
}

// submit queues the pipeline of bctx, cancelling outdated pipelines of the
// same branch or pull request first when cancelOutdated is set.
func (h *Handler) submit(ctx context.Context, bctx *ci.Context, cancelOutdated bool) *scheduler.Future {
	logger := common.GetLogger().With(
		zap.String("repo", bctx.Repository),
		zap.String("commit", bctx.Source.Commit),
		zap.String("task_id", bctx.TaskID),
	)
	if cancelOutdated && h.canceller != nil {
		if n, err := h.canceller.CancelOutdated(ctx, bctx); err != nil {
			logger.Error("cancel outdated pipelines failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("cancelled outdated pipelines", zap.Int("count", n))
		}
	}

	logger.Info("submit pipeline", zap.String("type", string(bctx.Type)), zap.Int("pr", bctx.PRID))
	return h.pool.Submit(bctx.TaskID, func(ctx context.Context, f *scheduler.Future) {
		h.run(ctx, bctx, f)
	})
}

func (h *Handler) newContext(opts ci.Options) *ci.Context {
	opts.CloneDepth = ci.DefaultCloneDepth
	opts.CloneRoot = h.conf.CloneRoot
	return ci.NewContext(opts)
}
