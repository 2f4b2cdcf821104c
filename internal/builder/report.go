package builder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bosondata/badwolf/internal/ci"
	"github.com/bosondata/badwolf/internal/common"
	"github.com/bosondata/badwolf/internal/logpage"
	"github.com/bosondata/badwolf/internal/spec"
)

func stripANSI(s string) string {
	return logpage.StripANSI(s)
}

// LogURL is the public address of the build log of a task.
func LogURL(serverName, commit, taskID string) string {
	return fmt.Sprintf("%s/log/build/%s/%s", strings.TrimRight(serverName, "/"), commit, taskID)
}

func (b *Builder) logURL(bctx *ci.Context) string {
	return LogURL(b.opts.ServerName, bctx.Source.Commit, bctx.TaskID)
}

func resultWord(res Result) string {
	if res.Succeeded() {
		return "succeed"
	}
	return "failed"
}

func summary(bctx *ci.Context, res Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Repository**: %s\n\n", bctx.Repository)
	fmt.Fprintf(&sb, "**Commit**: `%s`", bctx.Source.Commit)
	if bctx.Source.Branch != "" {
		fmt.Fprintf(&sb, " on `%s`", bctx.Source.Branch)
	}
	sb.WriteString("\n\n")
	if bctx.PRID > 0 {
		fmt.Fprintf(&sb, "**Pull request**: #%d\n\n", bctx.PRID)
	}
	if bctx.Actor != "" {
		fmt.Fprintf(&sb, "**Triggered by**: %s\n\n", bctx.Actor)
	}
	if msg := strings.TrimSpace(bctx.Message); msg != "" {
		fmt.Fprintf(&sb, "> %s\n\n", strings.ReplaceAll(msg, "\n", "\n> "))
	}
	switch {
	case res.Cancelled():
		sb.WriteString("Test **cancelled**")
	case res.ExitCode == ExitNoImage:
		sb.WriteString("Build or get Docker image **failed**")
	default:
		fmt.Fprintf(&sb, "Test **%s** with exit code %d", resultWord(res), res.ExitCode)
	}
	fmt.Fprintf(&sb, " in %s.\n", res.Elapsed.Round(time.Second))
	return sb.String()
}

// finish saves the build log and delivers notifications. Cancelled builds
// notify nobody.
func (b *Builder) finish(ctx context.Context, bctx *ci.Context, s *spec.Specification, res Result) {
	logger := common.GetLogger().With(zap.String("repo", bctx.Repository), zap.String("task_id", bctx.TaskID))

	page := logpage.Page{
		Title:   fmt.Sprintf("Build log of %s", bctx.Repository),
		Summary: summary(bctx, res),
	}
	if res.BuildLog != "" {
		page.Sections = append(page.Sections, logpage.Section{Name: "Docker image", Text: res.BuildLog})
	}
	if res.Output != "" {
		page.Sections = append(page.Sections, logpage.Section{Name: "Output", Text: res.Output})
	}
	if b.opts.LogDir != "" {
		if _, err := logpage.Save(b.opts.LogDir, bctx.Source.Commit, bctx.TaskID, logpage.BuildLog, page); err != nil {
			logger.Error("save build log failed", zap.Error(err))
		}
	}

	if res.Cancelled() || b.notifier == nil {
		return
	}
	b.sendMail(ctx, bctx, s, res, page, logger)
	b.triggerSlack(ctx, bctx, s, res, logger)
}

func shouldNotify(res Result, onSuccess, onFailure string) bool {
	if res.Succeeded() {
		return onSuccess == spec.TriggerAlways
	}
	return onFailure == spec.TriggerAlways
}

func (b *Builder) sendMail(ctx context.Context, bctx *ci.Context, s *spec.Specification, res Result, page logpage.Page, logger *zap.Logger) {
	email := s.Notification.Email
	if len(email.Recipients) == 0 || !shouldNotify(res, email.OnSuccess, email.OnFailure) {
		return
	}
	page.Summary += fmt.Sprintf("\n[View build log](%s)\n", b.logURL(bctx))
	html, err := logpage.Render(page)
	if err != nil {
		logger.Error("render notification mail failed", zap.Error(err))
		return
	}
	subject := fmt.Sprintf("Test %s for repository %s", resultWord(res), bctx.Repository)
	if err := b.notifier.SendMail(ctx, email.Recipients, subject, string(html)); err != nil {
		logger.Error("send notification mail failed", zap.Error(err))
	}
}

func (b *Builder) triggerSlack(ctx context.Context, bctx *ci.Context, s *spec.Specification, res Result, logger *zap.Logger) {
	slack := s.Notification.SlackWebhook
	if len(slack.Webhooks) == 0 || !shouldNotify(res, slack.OnSuccess, slack.OnFailure) {
		return
	}
	ref := bctx.Source.Branch
	if bctx.PRID > 0 {
		ref = fmt.Sprintf("pull request #%d", bctx.PRID)
	}
	message := fmt.Sprintf("Test %s for repository %s (%s, commit %s): <%s|view build log>",
		resultWord(res), bctx.Repository, ref, shortCommit(bctx.Source.Commit), b.logURL(bctx))
	if err := b.notifier.TriggerSlack(ctx, slack.Webhooks, message); err != nil {
		logger.Error("trigger slack webhook failed", zap.Error(err))
	}
}

func shortCommit(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
