package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bosondata/badwolf/internal/bitbucket"
	"github.com/bosondata/badwolf/internal/ci"
	"github.com/bosondata/badwolf/internal/common"
)

// autoMergeSkipKeywords keep an approved pull request from being merged.
var autoMergeSkipKeywords = []string{"wip", "merge skip", "working in progress"}

type webhookResult struct {
	TaskIDs []string `json:"task_ids"`
}

// WebhookPush dispatches a Bitbucket webhook by its X-Event-Key header.
func (h *Handler) WebhookPush(c *gin.Context) {
	eventKey := c.GetHeader("X-Event-Key")
	if eventKey == "" {
		common.ErrorWithStatus(c, http.StatusBadRequest, common.NewErrNo(common.RequestInvalid))
		return
	}
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		common.ErrorWithStatus(c, http.StatusBadRequest, common.NewErrNo(common.RequestInvalid))
		return
	}
	common.GetLogger().Debug("incoming webhook", zap.String("event", eventKey), zap.ByteString("payload", body))

	var (
		tasks     []string
		handleErr error
	)
	ctx := c.Request.Context()
	switch eventKey {
	case bitbucket.EventRepoPush:
		var payload pushPayload
		if err = json.Unmarshal(body, &payload); err == nil {
			tasks, handleErr = h.handleRepoPush(ctx, payload)
		}
	case bitbucket.EventPullRequestCreated, bitbucket.EventPullRequestUpdated:
		var payload pullRequestPayload
		if err = json.Unmarshal(body, &payload); err == nil {
			tasks, handleErr = h.handlePullRequest(ctx, payload)
		}
	case bitbucket.EventPullRequestApproved:
		var payload pullRequestPayload
		if err = json.Unmarshal(body, &payload); err == nil {
			h.handlePullRequestApproved(ctx, payload)
		}
	case bitbucket.EventCommitCommentCreated:
		var payload commitCommentPayload
		if err = json.Unmarshal(body, &payload); err == nil {
			tasks = h.handleCommitComment(ctx, payload)
		}
	case bitbucket.EventPullRequestComment:
		var payload pullRequestPayload
		if err = json.Unmarshal(body, &payload); err == nil {
			tasks = h.handlePullRequestComment(ctx, payload)
		}
	default:
		common.GetLogger().Info("ignore unsupported event", zap.String("event", eventKey))
		common.Error(c, common.NewErrNo(common.EventUnsupported))
		return
	}
	if err != nil {
		common.GetLogger().Warn("decode webhook payload failed", zap.String("event", eventKey), zap.Error(err))
		common.ErrorWithStatus(c, http.StatusBadRequest, common.NewErrNo(common.RequestInvalid))
		return
	}
	if handleErr != nil {
		common.Error(c, handleErr)
		return
	}
	common.Success(c, webhookResult{TaskIDs: tasks})
}

func isGit(repo repositoryPayload) bool {
	if repo.SCM != "" && !strings.EqualFold(repo.SCM, "git") {
		common.GetLogger().Info("unsupported version system", zap.String("scm", repo.SCM))
		return false
	}
	return true
}

// handleRepoPush answers PipelineSkipped when every pushed branch asked
// for ci skip.
func (h *Handler) handleRepoPush(ctx context.Context, payload pushPayload) ([]string, error) {
	repo := payload.Repository
	if !isGit(repo) {
		return nil, nil
	}
	logger := common.GetLogger().With(zap.String("repo", repo.FullName))

	var tasks []string
	skipped := 0
	for _, change := range payload.Push.Changes {
		if change.New == nil {
			logger.Info("no new changes found")
			continue
		}
		opts := ci.Options{
			Repository: repo.FullName,
			Actor:      actorName(payload.Actor),
			Source:     ci.Ref{Branch: change.New.Name},
		}
		switch change.New.Type {
		case "tag":
			opts.Type = ci.EventTag
			opts.Source.Commit = change.New.Target.Hash
			opts.Message = change.New.Target.Message
		case "branch":
			if len(change.Commits) == 0 {
				logger.Warn("can not find any commits", zap.String("branch", change.New.Name))
				continue
			}
			opts.Type = ci.EventBranch
			opts.Source.Commit = change.Commits[0].Hash
			opts.Message = change.Commits[0].Message
			if ci.SkipRequested(opts.Message) {
				logger.Info("ci skip found, ignore tests", zap.String("commit", opts.Source.Commit))
				skipped++
				continue
			}
			msg := strings.ToLower(opts.Message)
			opts.Rebuild = strings.Contains(msg, "ci rebuild")
			opts.NoCache = strings.Contains(msg, "no cache")
		default:
			logger.Error("unsupported push type", zap.String("type", change.New.Type))
			continue
		}
		bctx := h.newContext(opts)
		h.submit(ctx, bctx, true)
		tasks = append(tasks, bctx.TaskID)
	}
	if len(tasks) == 0 && skipped > 0 {
		return nil, common.NewErrNo(common.PipelineSkipped)
	}
	return tasks, nil
}

func pullRequestOptions(payload pullRequestPayload) ci.Options {
	pr := payload.PullRequest
	text := strings.ToLower(pr.Title + "\n" + pr.Description)
	return ci.Options{
		Repository: payload.Repository.FullName,
		Actor:      actorName(payload.Actor),
		Type:       ci.EventPullRequest,
		Message:    pr.Title,
		Source: ci.Ref{
			Repository: pr.Source.Repository.FullName,
			Branch:     pr.Source.Branch.Name,
			Commit:     pr.Source.Commit.Hash,
		},
		Target: &ci.Ref{
			Repository: pr.Destination.Repository.FullName,
			Branch:     pr.Destination.Branch.Name,
			Commit:     pr.Destination.Commit.Hash,
		},
		PRID:     pr.ID,
		Rebuild:  strings.Contains(text, "ci rebuild"),
		SkipLint: strings.Contains(text, "lint skip"),
	}
}

func (h *Handler) handlePullRequest(ctx context.Context, payload pullRequestPayload) ([]string, error) {
	if !isGit(payload.Repository) {
		return nil, nil
	}
	pr := payload.PullRequest
	logger := common.GetLogger().With(zap.String("repo", payload.Repository.FullName), zap.Int("pr", pr.ID))
	if ci.SkipRequested(pr.Title) || ci.SkipRequested(pr.Description) {
		logger.Info("ci skip found, ignore tests")
		return nil, common.NewErrNo(common.PipelineSkipped)
	}
	if pr.State != "OPEN" {
		logger.Info("pull request state is not OPEN, ignore tests", zap.String("state", pr.State))
		return nil, nil
	}
	bctx := h.newContext(pullRequestOptions(payload))
	h.submit(ctx, bctx, true)
	return []string{bctx.TaskID}, nil
}

// retryRequest parses "ci retry" / "ci rebuild" / "no cache" out of a comment.
func retryRequest(comment string) (retry, rebuild, noCache bool) {
	content := strings.ToLower(comment)
	return strings.Contains(content, "ci retry"),
		strings.Contains(content, "ci rebuild"),
		strings.Contains(content, "no cache")
}

func (h *Handler) handlePullRequestComment(ctx context.Context, payload pullRequestPayload) []string {
	retry, rebuild, noCache := retryRequest(payload.Comment.Content.Raw)
	if !retry && !rebuild {
		return nil
	}
	pr := payload.PullRequest
	if pr.State != "OPEN" {
		common.GetLogger().Info("pull request state is not OPEN, ignore tests",
			zap.String("repo", payload.Repository.FullName), zap.Int("pr", pr.ID))
		return nil
	}
	opts := pullRequestOptions(payload)
	opts.Rebuild = rebuild
	opts.NoCache = noCache
	bctx := h.newContext(opts)
	h.submit(ctx, bctx, true)
	return []string{bctx.TaskID}
}

func (h *Handler) handleCommitComment(ctx context.Context, payload commitCommentPayload) []string {
	retry, rebuild, noCache := retryRequest(payload.Comment.Content.Raw)
	if !retry && !rebuild {
		return nil
	}
	bctx := h.newContext(ci.Options{
		Repository: payload.Repository.FullName,
		Actor:      actorName(payload.Actor),
		Type:       ci.EventCommit,
		Message:    payload.Commit.Message,
		Source:     ci.Ref{Branch: "master", Commit: payload.Commit.Hash},
		Rebuild:    rebuild,
		NoCache:    noCache,
	})
	h.submit(ctx, bctx, false)
	return []string{bctx.TaskID}
}

// handlePullRequestApproved merges an approved pull request whose tests
// passed, if auto merge is enabled.
func (h *Handler) handlePullRequestApproved(ctx context.Context, payload pullRequestPayload) bool {
	if !h.conf.AutoMergeEnabled {
		return false
	}
	repo := payload.Repository.FullName
	pr := payload.PullRequest
	logger := common.GetLogger().With(zap.String("repo", repo), zap.Int("pr", pr.ID))

	text := strings.ToLower(pr.Title + "\n" + pr.Description)
	for _, keyword := range autoMergeSkipKeywords {
		if strings.Contains(text, keyword) {
			logger.Info("keyword found, ignore auto merge", zap.String("keyword", keyword))
			return false
		}
	}

	pullRequests := bitbucket.NewPullRequests(h.bitbucket, repo)
	info, err := pullRequests.Get(ctx, pr.ID)
	if err != nil {
		logger.Error("get pull request failed", zap.Error(err))
		return false
	}
	if info.State != "OPEN" {
		return false
	}
	if info.Approvals() < h.conf.AutoMergeApprovalCount {
		logger.Info("not enough approvals for auto merge", zap.Int("approvals", info.Approvals()))
		return false
	}

	commit := info.Source.Commit.Hash
	status, err := bitbucket.NewBuildStatus(h.bitbucket, info.Source.Repository.FullName, commit, "badwolf/test", "").Get(ctx)
	if err != nil {
		logger.Error("get build status failed", zap.String("commit", commit), zap.Error(err))
		return false
	}
	if status.State != bitbucket.StateSuccessful {
		logger.Info("tests not passed, ignore auto merge", zap.String("state", string(status.State)))
		return false
	}

	message := fmt.Sprintf("Auto merge pull request #%d: %s", pr.ID, pr.Title)
	if pr.Description != "" {
		message += "\n\n" + pr.Description
	}
	if err := pullRequests.Merge(ctx, pr.ID, message); err != nil {
		logger.Error("auto merge pull request failed", zap.Error(err))
		return false
	}
	logger.Info("auto merged pull request")
	return true
}
