package handler

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bosondata/badwolf/internal/bitbucket"
	"github.com/bosondata/badwolf/internal/common"
	"github.com/bosondata/badwolf/internal/logpage"
)

// safeName rejects path parameters that could leave their directory.
func safeName(names ...string) bool {
	for _, name := range names {
		if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
			return false
		}
	}
	return true
}

func serveFile(c *gin.Context, path string, errCode int) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		common.ErrorWithStatus(c, http.StatusNotFound, common.NewErrNo(errCode))
		return
	}
	c.File(path)
}

func (h *Handler) serveLog(c *gin.Context, name string) {
	sha, taskID := c.Param("sha"), c.Param("task_id")
	if !safeName(sha, taskID) {
		common.ErrorWithStatus(c, http.StatusNotFound, common.NewErrNo(common.LogNotExists))
		return
	}
	serveFile(c, logpage.Path(h.conf.LogDir, sha, taskID, name), common.LogNotExists)
}

func (h *Handler) BuildLog(c *gin.Context) {
	h.serveLog(c, logpage.BuildLog)
}

func (h *Handler) LintLog(c *gin.Context) {
	h.serveLog(c, logpage.LintLog)
}

func (h *Handler) DownloadArtifact(c *gin.Context) {
	owner, repo, ref, filename := c.Param("owner"), c.Param("repo"), c.Param("ref"), c.Param("filename")
	if !safeName(owner, repo, ref, filename) {
		common.ErrorWithStatus(c, http.StatusNotFound, common.NewErrNo(common.ArtifactNotExists))
		return
	}
	path := filepath.Join(h.conf.ArtifactsDir, owner, repo, ref, filename)
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	serveFile(c, path, common.ArtifactNotExists)
}

// RegisterWebhook subscribes this server to the events of a repository.
func (h *Handler) RegisterWebhook(c *gin.Context) {
	repo := c.Param("owner") + "/" + c.Param("repo")
	hookURL := strings.TrimRight(h.conf.ServerName, "/") + "/webhook/push"
	created, err := bitbucket.NewHooks(h.bitbucket, repo).Ensure(c.Request.Context(), "badwolf", hookURL, bitbucket.WebhookEvents)
	if err != nil {
		common.GetLogger().Error("register webhook failed", zap.String("repo", repo), zap.Error(err))
		common.ErrorWithStatus(c, http.StatusBadGateway, err)
		return
	}
	if !created {
		common.Error(c, common.NewErrNo(common.WebhookExists))
		return
	}
	c.JSON(http.StatusCreated, common.Response{Code: common.SuccessCode, Message: "success", Data: gin.H{"url": hookURL}})
}
