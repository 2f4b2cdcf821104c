package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosondata/badwolf/internal/bitbucket"
	"github.com/bosondata/badwolf/internal/bitbucket/bitbuckettest"
	"github.com/bosondata/badwolf/internal/builder"
	"github.com/bosondata/badwolf/internal/builder/dockertest"
	"github.com/bosondata/badwolf/internal/ci"
	"github.com/bosondata/badwolf/internal/common"
	"github.com/bosondata/badwolf/internal/logpage"
	"github.com/bosondata/badwolf/internal/scheduler"
	"github.com/bosondata/badwolf/internal/server/middleware"
)

const (
	repoName = "deepanalyzer/badwolf"
	sha      = "2cedc1af762b7ae7c4e3e1ff0d1e4d6e6e4a5c3b"
)

type env struct {
	bb      *bitbuckettest.Server
	docker  *dockertest.Fake
	pool    *scheduler.Pool
	router  *gin.Engine
	conf    common.Config
	signer  *middleware.Signer
	handler *Handler

	mu       sync.Mutex
	contexts []*ci.Context
}

func newEnv(t *testing.T) *env {
	gin.SetMode(gin.TestMode)
	bb := bitbuckettest.NewServer()
	t.Cleanup(bb.Close)

	conf := common.DefaultConfig()
	conf.CloneRoot = t.TempDir()
	conf.LogDir = t.TempDir()
	conf.ArtifactsDir = t.TempDir()
	conf.ServerName = "http://badwolf.test"
	conf.AutoMergeEnabled = true

	registry := scheduler.NewRegistry()
	e := &env{
		bb:     bb,
		docker: dockertest.New(),
		pool:   scheduler.NewPool(2, registry),
		conf:   conf,
		signer: middleware.NewSigner("secret"),
	}
	e.handler = New(Options{
		Config:    conf,
		Bitbucket: bb.Client(),
		Pool:      e.pool,
		Canceller: scheduler.NewCanceller(e.docker, registry),
		Signer:    e.signer,
		Run: func(_ context.Context, bctx *ci.Context, _ *scheduler.Future) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.contexts = append(e.contexts, bctx)
		},
	})
	e.router = gin.New()
	e.handler.Register(e.router)
	return e
}

// started waits for submitted pipelines and returns their contexts.
func (e *env) started() []*ci.Context {
	e.pool.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*ci.Context(nil), e.contexts...)
}

type webhookResponse struct {
	Code int           `json:"code"`
	Data webhookResult `json:"data"`
}

func (e *env) post(t *testing.T, event string, payload any) (*httptest.ResponseRecorder, webhookResponse) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhook/push", strings.NewReader(string(body)))
	req.Header.Set("User-Agent", "Bitbucket-Webhooks/2.0")
	if event != "" {
		req.Header.Set("X-Event-Key", event)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var res webhookResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	return w, res
}

func (e *env) get(target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func repository() map[string]any {
	return map[string]any{"full_name": repoName, "scm": "git"}
}

func branchPush(branch, message string) map[string]any {
	return map[string]any{
		"actor":      map[string]any{"display_name": "Messense"},
		"repository": repository(),
		"push": map[string]any{"changes": []any{map[string]any{
			"new":     map[string]any{"type": "branch", "name": branch, "target": map[string]any{"hash": sha}},
			"commits": []any{map[string]any{"hash": sha, "message": message}},
		}}},
	}
}

func pullRequest(state, title string) map[string]any {
	endpoint := func(branch, hash string) map[string]any {
		return map[string]any{
			"repository": map[string]any{"full_name": repoName},
			"branch":     map[string]any{"name": branch},
			"commit":     map[string]any{"hash": hash},
		}
	}
	return map[string]any{
		"actor":      map[string]any{"username": "messense"},
		"repository": repository(),
		"pullrequest": map[string]any{
			"id":          7,
			"title":       title,
			"description": "",
			"state":       state,
			"source":      endpoint("feature", sha),
			"destination": endpoint("master", "abc123"),
		},
	}
}

func TestPushBranch(t *testing.T) {
	e := newEnv(t)
	w, res := e.post(t, bitbucket.EventRepoPush, branchPush("master", "Fix bug\n\nci rebuild, no cache"))
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, res.Data.TaskIDs, 1)

	contexts := e.started()
	require.Len(t, contexts, 1)
	bctx := contexts[0]
	assert.Equal(t, res.Data.TaskIDs[0], bctx.TaskID)
	assert.Equal(t, ci.EventBranch, bctx.Type)
	assert.Equal(t, repoName, bctx.Repository)
	assert.Equal(t, "master", bctx.Source.Branch)
	assert.Equal(t, sha, bctx.Source.Commit)
	assert.Equal(t, "Messense", bctx.Actor)
	assert.True(t, bctx.Rebuild)
	assert.True(t, bctx.NoCache)
	assert.Equal(t, ci.DefaultCloneDepth, bctx.CloneDepth)
	assert.True(t, strings.HasPrefix(bctx.ClonePath, e.conf.CloneRoot))
	assert.Zero(t, e.pool.Registry().Len())
}

func TestPushCISkip(t *testing.T) {
	e := newEnv(t)
	w, res := e.post(t, bitbucket.EventRepoPush, branchPush("master", "fix bug [ci skip]"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, common.PipelineSkipped, res.Code)
	assert.Empty(t, res.Data.TaskIDs)
	assert.Empty(t, e.started())
}

func TestPushTag(t *testing.T) {
	e := newEnv(t)
	payload := map[string]any{
		"repository": repository(),
		"push": map[string]any{"changes": []any{
			map[string]any{"new": map[string]any{"type": "tag", "name": "v1.0", "target": map[string]any{"hash": sha, "message": "release"}}},
			map[string]any{"new": nil},
		}},
	}
	e.post(t, bitbucket.EventRepoPush, payload)
	contexts := e.started()
	require.Len(t, contexts, 1)
	assert.Equal(t, ci.EventTag, contexts[0].Type)
	assert.Equal(t, "v1.0", contexts[0].Source.Branch)
	assert.Equal(t, "v1.0", contexts[0].Environment["BADWOLF_TAG"])
}

func TestPushNotGit(t *testing.T) {
	e := newEnv(t)
	payload := branchPush("master", "fix")
	payload["repository"] = map[string]any{"full_name": repoName, "scm": "hg"}
	e.post(t, bitbucket.EventRepoPush, payload)
	assert.Empty(t, e.started())
}

func TestWebhookBadRequest(t *testing.T) {
	e := newEnv(t)
	w, _ := e.post(t, "", branchPush("master", "fix"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/webhook/push", strings.NewReader("{not json"))
	req.Header.Set("X-Event-Key", bitbucket.EventRepoPush)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, res := e.post(t, "issue:created", map[string]any{"issue": 1})
	assert.Equal(t, common.EventUnsupported, res.Code)
}

func TestPushCancelsOutdatedPipeline(t *testing.T) {
	e := newEnv(t)
	release := make(chan struct{})
	old := e.pool.Submit("old-task", func(context.Context, *scheduler.Future) { <-release })
	containerID := e.docker.AddRunning(map[string]string{
		builder.LabelRepo:   repoName,
		builder.LabelBranch: "master",
		builder.LabelCommit: "0000000",
		builder.LabelTaskID: "old-task",
	})
	other := e.docker.AddRunning(map[string]string{
		builder.LabelRepo:   repoName,
		builder.LabelBranch: "develop",
		builder.LabelTaskID: "other-task",
	})

	e.post(t, bitbucket.EventRepoPush, branchPush("master", "second push"))
	assert.True(t, old.Cancelled())
	c, _ := e.docker.Container(containerID)
	assert.True(t, c.Removed)
	c, _ = e.docker.Container(other)
	assert.False(t, c.Removed)

	close(release)
	assert.Len(t, e.started(), 1)
}

func TestPullRequestCreated(t *testing.T) {
	e := newEnv(t)
	_, res := e.post(t, bitbucket.EventPullRequestCreated, pullRequest("OPEN", "Add feature [lint skip]"))
	require.Len(t, res.Data.TaskIDs, 1)

	contexts := e.started()
	require.Len(t, contexts, 1)
	bctx := contexts[0]
	assert.Equal(t, ci.EventPullRequest, bctx.Type)
	assert.Equal(t, 7, bctx.PRID)
	assert.True(t, bctx.SkipLint)
	assert.False(t, bctx.Rebuild)
	assert.Equal(t, "feature", bctx.Source.Branch)
	require.NotNil(t, bctx.Target)
	assert.Equal(t, "master", bctx.Target.Branch)
	assert.Equal(t, "7", bctx.Environment["BADWOLF_PULL_REQUEST"])
}

func TestPullRequestIgnored(t *testing.T) {
	e := newEnv(t)
	_, res := e.post(t, bitbucket.EventPullRequestUpdated, pullRequest("MERGED", "Add feature"))
	assert.Equal(t, common.SuccessCode, res.Code)
	_, res = e.post(t, bitbucket.EventPullRequestUpdated, pullRequest("OPEN", "WIP [ci skip]"))
	assert.Equal(t, common.PipelineSkipped, res.Code)
	assert.Empty(t, e.started())
}

func TestPullRequestComment(t *testing.T) {
	e := newEnv(t)
	payload := pullRequest("OPEN", "Add feature")
	payload["comment"] = map[string]any{"content": map[string]any{"raw": "looks good"}}
	e.post(t, bitbucket.EventPullRequestComment, payload)
	assert.Empty(t, e.started())

	payload["comment"] = map[string]any{"content": map[string]any{"raw": "CI rebuild, no cache please"}}
	e.post(t, bitbucket.EventPullRequestComment, payload)
	contexts := e.started()
	require.Len(t, contexts, 1)
	assert.True(t, contexts[0].Rebuild)
	assert.True(t, contexts[0].NoCache)
	assert.Equal(t, 7, contexts[0].PRID)
}

func TestCommitComment(t *testing.T) {
	e := newEnv(t)
	payload := map[string]any{
		"repository": repository(),
		"comment":    map[string]any{"content": map[string]any{"raw": "ci retry"}},
		"commit":     map[string]any{"hash": sha, "message": "fix bug"},
	}
	e.post(t, bitbucket.EventCommitCommentCreated, payload)
	contexts := e.started()
	require.Len(t, contexts, 1)
	assert.Equal(t, ci.EventCommit, contexts[0].Type)
	assert.Equal(t, "master", contexts[0].Source.Branch)
	assert.False(t, contexts[0].Rebuild)
}

func approvedPR(e *env, title string, approvals int) {
	var participants []bitbucket.Participant
	for i := 0; i < approvals; i++ {
		participants = append(participants, bitbucket.Participant{Approved: true})
	}
	endpoint := bitbucket.Endpoint{Repository: bitbucket.Repository{FullName: repoName}, Commit: bitbucket.Commit{Hash: sha}}
	e.bb.SetPullRequest(bitbucket.PullRequest{ID: 7, Title: title, State: "OPEN", Source: endpoint, Participants: participants})
}

func setTestStatus(t *testing.T, e *env, state bitbucket.BuildState) {
	status := bitbucket.NewBuildStatus(e.bb.Client(), repoName, sha, "badwolf/test", "")
	require.NoError(t, status.Update(context.Background(), state, "1 of 1 test succeed"))
}

func TestAutoMerge(t *testing.T) {
	e := newEnv(t)
	approvedPR(e, "Add feature", 1)
	setTestStatus(t, e, bitbucket.StateSuccessful)

	payload := pullRequest("OPEN", "Add feature")
	assert.True(t, e.handler.handlePullRequestApproved(context.Background(), decodePR(t, payload)))
	assert.Equal(t, []int{7}, e.bb.Merged())
}

func TestAutoMergeSkipped(t *testing.T) {
	e := newEnv(t)
	approvedPR(e, "Add feature", 1)
	setTestStatus(t, e, bitbucket.StateFailed)
	ctx := context.Background()

	assert.False(t, e.handler.handlePullRequestApproved(ctx, decodePR(t, pullRequest("OPEN", "Add feature"))), "tests failed")
	assert.False(t, e.handler.handlePullRequestApproved(ctx, decodePR(t, pullRequest("OPEN", "WIP: add feature"))), "wip")

	setTestStatus(t, e, bitbucket.StateSuccessful)
	e.handler.conf.AutoMergeApprovalCount = 2
	assert.False(t, e.handler.handlePullRequestApproved(ctx, decodePR(t, pullRequest("OPEN", "Add feature"))), "approvals")

	e.handler.conf.AutoMergeEnabled = false
	e.handler.conf.AutoMergeApprovalCount = 1
	assert.False(t, e.handler.handlePullRequestApproved(ctx, decodePR(t, pullRequest("OPEN", "Add feature"))), "disabled")
	assert.Empty(t, e.bb.Merged())
}

func decodePR(t *testing.T, payload map[string]any) pullRequestPayload {
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	var pr pullRequestPayload
	require.NoError(t, json.Unmarshal(data, &pr))
	return pr
}

func TestBuildLog(t *testing.T) {
	e := newEnv(t)
	_, err := logpage.Save(e.conf.LogDir, sha, "task-1", logpage.BuildLog, logpage.Page{Title: "Build", Summary: "**passed**"})
	require.NoError(t, err)

	w := e.get("/log/build/" + sha + "/task-1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<strong>passed</strong>")

	assert.Equal(t, http.StatusNotFound, e.get("/log/build/"+sha+"/task-2").Code)
	assert.Equal(t, http.StatusNotFound, e.get("/log/lint/"+sha+"/task-1").Code)
}

func TestDownloadArtifact(t *testing.T) {
	e := newEnv(t)
	dir := filepath.Join(e.conf.ArtifactsDir, "deepanalyzer", "badwolf", sha)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "artifacts.tar.gz"), []byte("archive"), 0o644))

	u := e.signer.DownloadURL("", repoName, sha, "artifacts.tar.gz")
	w := e.get(u)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "archive", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, e.get("/artifacts/"+repoName+"/"+sha+"/artifacts.tar.gz").Code)
	missing := e.signer.DownloadURL("", repoName, "master", "artifacts.tar.gz")
	assert.Equal(t, http.StatusNotFound, e.get(missing).Code)
}

func TestRegisterWebhook(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/webhook/register/"+repoName, nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)

	hooks := e.bb.Hooks()
	require.Len(t, hooks, 1)
	assert.Equal(t, "http://badwolf.test/webhook/push", hooks[0].URL)
	assert.Equal(t, bitbucket.WebhookEvents, hooks[0].Events)

	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/register/"+repoName, nil))
	var res common.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, common.WebhookExists, res.Code)
}
