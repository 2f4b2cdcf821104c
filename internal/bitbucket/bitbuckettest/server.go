// Package bitbuckettest provides an in-memory Bitbucket API for tests.
package bitbuckettest

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/bosondata/badwolf/internal/bitbucket"
)

type PostedComment struct {
	Repo    string
	PRID    int
	Commit  string
	Comment bitbucket.Comment
}

// Server records statuses, comments and merges posted by the code under test.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	nextID    int
	statuses  map[string][]bitbucket.Status // repo/commit -> history
	comments  map[int][]bitbucket.Comment   // pr id -> live comments
	posted    []PostedComment
	deleted   []int
	diffs     map[int]string
	prs       map[int]bitbucket.PullRequest
	merged    []int
	hooks     []bitbucket.Hook
	failPaths map[string]int
}

func NewServer() *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{
		nextID:    1000,
		statuses:  make(map[string][]bitbucket.Status),
		comments:  make(map[int][]bitbucket.Comment),
		diffs:     make(map[int]string),
		prs:       make(map[int]bitbucket.PullRequest),
		failPaths: make(map[string]int),
	}
	r := gin.New()
	r.UseRawPath = true
	r.Use(s.failures)
	repo := r.Group("/2.0/repositories/:owner/:repo")
	repo.POST("/commit/:sha/statuses/build", s.postStatus)
	repo.GET("/commit/:sha/statuses/build/:key", s.getStatus)
	repo.POST("/commit/:sha/comments", s.postCommitComment)
	repo.GET("/pullrequests/:id", s.getPR)
	repo.POST("/pullrequests/:id/merge", s.merge)
	repo.GET("/pullrequests/:id/diff", s.diff)
	repo.GET("/pullrequests/:id/comments", s.listComments)
	repo.POST("/pullrequests/:id/comments", s.postComment)
	repo.DELETE("/pullrequests/:id/comments/:cid", s.deleteComment)
	repo.GET("/hooks", s.listHooks)
	repo.POST("/hooks", s.addHook)
	s.Server = httptest.NewServer(r)
	return s
}

// Client returns a basic-auth client pointed at the server.
func (s *Server) Client() *bitbucket.Client {
	return bitbucket.NewClient(s.URL, &bitbucket.BasicAuth{Username: "badwolf", Password: "secret"})
}

// FailPath makes requests to path answer with status.
func (s *Server) FailPath(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPaths[path] = status
}

func (s *Server) failures(c *gin.Context) {
	s.mu.Lock()
	status, ok := s.failPaths[c.Request.URL.Path]
	s.mu.Unlock()
	if ok {
		c.AbortWithStatusJSON(status, gin.H{"type": "error", "error": gin.H{"message": "injected failure"}})
		return
	}
	c.Next()
}

func (s *Server) SetDiff(prID int, diff string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diffs[prID] = diff
}

func (s *Server) SetPullRequest(pr bitbucket.PullRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prs[pr.ID] = pr
}

// AddComment seeds an existing pull request comment.
func (s *Server) AddComment(prID int, comment bitbucket.Comment) bitbucket.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	comment.ID = s.nextID
	s.comments[prID] = append(s.comments[prID], comment)
	return comment
}

func (s *Server) Statuses(repo, commit string) []bitbucket.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bitbucket.Status(nil), s.statuses[repo+"/"+commit]...)
}

// LastStatus returns the latest status posted for key.
func (s *Server) LastStatus(repo, commit, key string) (bitbucket.Status, bool) {
	statuses := s.Statuses(repo, commit)
	for i := len(statuses) - 1; i >= 0; i-- {
		if statuses[i].Key == key {
			return statuses[i], true
		}
	}
	return bitbucket.Status{}, false
}

func (s *Server) Posted() []PostedComment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PostedComment(nil), s.posted...)
}

func (s *Server) Deleted() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.deleted...)
}

func (s *Server) Comments(prID int) []bitbucket.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bitbucket.Comment(nil), s.comments[prID]...)
}

func (s *Server) Merged() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.merged...)
}

func (s *Server) Hooks() []bitbucket.Hook {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bitbucket.Hook(nil), s.hooks...)
}

// Reset forgets recorded posts and deletions but keeps seeded state.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posted = nil
	s.deleted = nil
}

func repoName(c *gin.Context) string {
	return c.Param("owner") + "/" + c.Param("repo")
}

func prID(c *gin.Context) int {
	id, _ := strconv.Atoi(c.Param("id"))
	return id
}

func (s *Server) postStatus(c *gin.Context) {
	var status bitbucket.Status
	if err := c.ShouldBindJSON(&status); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	key := repoName(c) + "/" + c.Param("sha")
	s.statuses[key] = append(s.statuses[key], status)
	s.mu.Unlock()
	c.JSON(http.StatusCreated, status)
}

func (s *Server) getStatus(c *gin.Context) {
	status, ok := s.LastStatus(repoName(c), c.Param("sha"), c.Param("key"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"type": "error", "error": gin.H{"message": "not found"}})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) postCommitComment(c *gin.Context) {
	var comment bitbucket.Comment
	if err := c.ShouldBindJSON(&comment); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	s.nextID++
	comment.ID = s.nextID
	s.posted = append(s.posted, PostedComment{Repo: repoName(c), Commit: c.Param("sha"), Comment: comment})
	s.mu.Unlock()
	c.JSON(http.StatusCreated, comment)
}

func (s *Server) getPR(c *gin.Context) {
	s.mu.Lock()
	pr, ok := s.prs[prID(c)]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"type": "error", "error": gin.H{"message": "not found"}})
		return
	}
	c.JSON(http.StatusOK, pr)
}

func (s *Server) merge(c *gin.Context) {
	s.mu.Lock()
	s.merged = append(s.merged, prID(c))
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"state": "MERGED"})
}

func (s *Server) diff(c *gin.Context) {
	s.mu.Lock()
	diff, ok := s.diffs[prID(c)]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"type": "error", "error": gin.H{"message": "not found"}})
		return
	}
	c.String(http.StatusOK, diff)
}

func (s *Server) listComments(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("pagelen", "100"))
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 100
	}
	s.mu.Lock()
	all := append([]bitbucket.Comment(nil), s.comments[prID(c)]...)
	s.mu.Unlock()

	start := (page - 1) * size
	if start > len(all) {
		start = len(all)
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	res := bitbucket.Page[bitbucket.Comment]{Values: all[start:end], Page: page, PageLen: size, Size: len(all)}
	if end < len(all) {
		res.Next = c.Request.URL.Path + "?page=" + strconv.Itoa(page+1)
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) postComment(c *gin.Context) {
	var comment bitbucket.Comment
	if err := c.ShouldBindJSON(&comment); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := prID(c)
	s.mu.Lock()
	s.nextID++
	comment.ID = s.nextID
	s.comments[id] = append(s.comments[id], comment)
	s.posted = append(s.posted, PostedComment{Repo: repoName(c), PRID: id, Comment: comment})
	s.mu.Unlock()
	c.JSON(http.StatusCreated, comment)
}

func (s *Server) deleteComment(c *gin.Context) {
	id := prID(c)
	cid, _ := strconv.Atoi(c.Param("cid"))
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.comments[id][:0]
	found := false
	for _, comment := range s.comments[id] {
		if comment.ID == cid {
			found = true
			continue
		}
		live = append(live, comment)
	}
	s.comments[id] = live
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"type": "error", "error": gin.H{"message": "not found"}})
		return
	}
	s.deleted = append(s.deleted, cid)
	c.Status(http.StatusNoContent)
}

func (s *Server) listHooks(c *gin.Context) {
	s.mu.Lock()
	hooks := append([]bitbucket.Hook(nil), s.hooks...)
	s.mu.Unlock()
	c.JSON(http.StatusOK, bitbucket.Page[bitbucket.Hook]{Values: hooks, Page: 1, Size: len(hooks)})
}

func (s *Server) addHook(c *gin.Context) {
	var hook bitbucket.Hook
	if err := c.ShouldBindJSON(&hook); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	s.nextID++
	hook.UUID = "{" + strconv.Itoa(s.nextID) + "}"
	s.hooks = append(s.hooks, hook)
	s.mu.Unlock()
	c.JSON(http.StatusCreated, hook)
}
