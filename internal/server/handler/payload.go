package handler

import "github.com/bosondata/badwolf/internal/bitbucket"

type repositoryPayload struct {
	FullName string `json:"full_name"`
	SCM      string `json:"scm"`
}

type targetPayload struct {
	Hash    string `json:"hash"`
	Message string `json:"message"`
}

type changePayload struct {
	New *struct {
		Type   string        `json:"type"`
		Name   string        `json:"name"`
		Target targetPayload `json:"target"`
	} `json:"new"`
	Commits []targetPayload `json:"commits"`
}

type pushPayload struct {
	Actor      bitbucket.User    `json:"actor"`
	Repository repositoryPayload `json:"repository"`
	Push       struct {
		Changes []changePayload `json:"changes"`
	} `json:"push"`
}

type commentPayload struct {
	Content bitbucket.Content `json:"content"`
}

type pullRequestPayload struct {
	Actor       bitbucket.User        `json:"actor"`
	Repository  repositoryPayload     `json:"repository"`
	PullRequest bitbucket.PullRequest `json:"pullrequest"`
	Comment     commentPayload        `json:"comment"`
}

type commitCommentPayload struct {
	Actor      bitbucket.User    `json:"actor"`
	Repository repositoryPayload `json:"repository"`
	Comment    commentPayload    `json:"comment"`
	Commit     targetPayload     `json:"commit"`
}

func actorName(u bitbucket.User) string {
	switch {
	case u.DisplayName != "":
		return u.DisplayName
	case u.Username != "":
		return u.Username
	}
	return u.Nickname
}
