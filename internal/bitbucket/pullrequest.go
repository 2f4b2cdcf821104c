package bitbucket

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// CommentOptions anchors a comment inline or replies to a parent comment.
type CommentOptions struct {
	Path     string
	LineFrom int
	LineTo   int
	ParentID int
}

func (o CommentOptions) body(content string) map[string]any {
	data := map[string]any{"content": Content{Raw: content}}
	if o.Path != "" || o.LineFrom > 0 || o.LineTo > 0 {
		inline := &Inline{Path: o.Path}
		if o.LineFrom > 0 {
			from := o.LineFrom
			inline.From = &from
		}
		if o.LineTo > 0 {
			to := o.LineTo
			inline.To = &to
		}
		data["inline"] = inline
	}
	if o.ParentID > 0 {
		data["parent"] = Parent{ID: o.ParentID}
	}
	return data
}

type PullRequests struct {
	client *Client
	repo   string
}

func NewPullRequests(client *Client, repo string) *PullRequests {
	return &PullRequests{client: client, repo: repo}
}

func (p *PullRequests) path(format string, args ...any) string {
	return fmt.Sprintf("2.0/repositories/%s/pullrequests", p.repo) + fmt.Sprintf(format, args...)
}

func (p *PullRequests) Get(ctx context.Context, id int) (*PullRequest, error) {
	var pr PullRequest
	if err := p.client.Get(ctx, p.path("/%d", id), nil, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

func (p *PullRequests) List(ctx context.Context, state string, page, size int) (*Page[PullRequest], error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("pagelen", strconv.Itoa(size))
	if state != "" {
		query.Set("state", state)
	}
	var res Page[PullRequest]
	if err := p.client.Get(ctx, p.path(""), query, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (p *PullRequests) Merge(ctx context.Context, id int, message string) error {
	return p.client.Post(ctx, p.path("/%d/merge", id), map[string]string{"message": message}, nil)
}

func (p *PullRequests) Comment(ctx context.Context, id int, content string, opts CommentOptions) (*Comment, error) {
	var c Comment
	if err := p.client.Post(ctx, p.path("/%d/comments", id), opts.body(content), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *PullRequests) Comments(ctx context.Context, id, page, size int) (*Page[Comment], error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("pagelen", strconv.Itoa(size))
	var res Page[Comment]
	if err := p.client.Get(ctx, p.path("/%d/comments", id), query, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AllComments follows pagination until the last page.
func (p *PullRequests) AllComments(ctx context.Context, id int) ([]Comment, error) {
	var all []Comment
	page := 1
	for {
		res, err := p.Comments(ctx, id, page, 100)
		if err != nil {
			return nil, err
		}
		all = append(all, res.Values...)
		if res.Next == "" {
			return all, nil
		}
		if res.Page > 0 {
			page = res.Page + 1
		} else {
			page++
		}
	}
}

func (p *PullRequests) DeleteComment(ctx context.Context, id, commentID int) error {
	return p.client.Delete(ctx, p.path("/%d/comments/%d", id, commentID))
}

// Diff returns the unified diff of the pull request.
func (p *PullRequests) Diff(ctx context.Context, id int) (string, error) {
	data, err := p.client.GetRaw(ctx, p.path("/%d/diff", id))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Changesets comments on bare commits.
type Changesets struct {
	client *Client
	repo   string
}

func NewChangesets(client *Client, repo string) *Changesets {
	return &Changesets{client: client, repo: repo}
}

func (c *Changesets) Comment(ctx context.Context, commit, content string, opts CommentOptions) (*Comment, error) {
	var comment Comment
	path := fmt.Sprintf("2.0/repositories/%s/commit/%s/comments", c.repo, commit)
	if err := c.client.Post(ctx, path, opts.body(content), &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

type Hooks struct {
	client *Client
	repo   string
}

func NewHooks(client *Client, repo string) *Hooks {
	return &Hooks{client: client, repo: repo}
}

func (h *Hooks) Add(ctx context.Context, name, hookURL string, events []string) (*Hook, error) {
	hook := Hook{URL: hookURL, Description: name, Events: events, Active: true}
	var created Hook
	if err := h.client.Post(ctx, fmt.Sprintf("2.0/repositories/%s/hooks", h.repo), hook, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (h *Hooks) List(ctx context.Context) ([]Hook, error) {
	var res Page[Hook]
	if err := h.client.Get(ctx, fmt.Sprintf("2.0/repositories/%s/hooks", h.repo), nil, &res); err != nil {
		return nil, err
	}
	return res.Values, nil
}

// Ensure registers hookURL unless a hook with that URL already exists.
// It reports whether a hook was created.
func (h *Hooks) Ensure(ctx context.Context, name, hookURL string, events []string) (bool, error) {
	hooks, err := h.List(ctx)
	if err != nil {
		return false, err
	}
	for _, hook := range hooks {
		if hook.URL == hookURL {
			return false, nil
		}
	}
	if _, err := h.Add(ctx, name, hookURL, events); err != nil {
		return false, err
	}
	return true, nil
}

// Webhook event keys.
const (
	EventRepoPush             = "repo:push"
	EventCommitCommentCreated = "repo:commit_comment_created"
	EventPullRequestCreated   = "pullrequest:created"
	EventPullRequestUpdated   = "pullrequest:updated"
	EventPullRequestApproved  = "pullrequest:approved"
	EventPullRequestComment   = "pullrequest:comment_created"
)

// WebhookEvents are the events a badwolf hook subscribes to.
var WebhookEvents = []string{
	EventRepoPush,
	EventCommitCommentCreated,
	EventPullRequestCreated,
	EventPullRequestUpdated,
	EventPullRequestApproved,
	EventPullRequestComment,
}
