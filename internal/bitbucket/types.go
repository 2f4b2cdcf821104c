package bitbucket

type Page[T any] struct {
	Values  []T    `json:"values"`
	Page    int    `json:"page"`
	PageLen int    `json:"pagelen"`
	Size    int    `json:"size"`
	Next    string `json:"next"`
}

type User struct {
	Username    string `json:"username"`
	Nickname    string `json:"nickname"`
	DisplayName string `json:"display_name"`
	UUID        string `json:"uuid"`
}

type Repository struct {
	FullName string `json:"full_name"`
	Name     string `json:"name"`
}

type Commit struct {
	Hash string `json:"hash"`
}

type Branch struct {
	Name string `json:"name"`
}

type Endpoint struct {
	Branch     Branch     `json:"branch"`
	Commit     Commit     `json:"commit"`
	Repository Repository `json:"repository"`
}

type Participant struct {
	User     User   `json:"user"`
	Role     string `json:"role"`
	Approved bool   `json:"approved"`
}

type PullRequest struct {
	ID           int           `json:"id"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	State        string        `json:"state"`
	Author       User          `json:"author"`
	Source       Endpoint      `json:"source"`
	Destination  Endpoint      `json:"destination"`
	Participants []Participant `json:"participants"`
}

// Approvals counts participants who approved the pull request.
func (pr *PullRequest) Approvals() int {
	n := 0
	for _, p := range pr.Participants {
		if p.Approved {
			n++
		}
	}
	return n
}

type Content struct {
	Raw string `json:"raw"`
}

// Inline anchors a comment to a file line. To refers to the new file,
// From to the old one.
type Inline struct {
	Path string `json:"path"`
	From *int   `json:"from,omitempty"`
	To   *int   `json:"to,omitempty"`
}

// Line returns To when set, else From.
func (i *Inline) Line() int {
	switch {
	case i == nil:
		return 0
	case i.To != nil:
		return *i.To
	case i.From != nil:
		return *i.From
	}
	return 0
}

type Parent struct {
	ID int `json:"id"`
}

type Comment struct {
	ID      int     `json:"id"`
	Content Content `json:"content"`
	Inline  *Inline `json:"inline,omitempty"`
	Parent  *Parent `json:"parent,omitempty"`
	Deleted bool    `json:"deleted,omitempty"`
	User    *User   `json:"user,omitempty"`
}

type Hook struct {
	UUID        string   `json:"uuid,omitempty"`
	URL         string   `json:"url"`
	Description string   `json:"description"`
	Events      []string `json:"events,omitempty"`
	Active      bool     `json:"active"`
}
