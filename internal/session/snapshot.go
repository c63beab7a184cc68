package session

import (
	"time"

	"github.com/keithlinneman/linnemanlabs-docview/internal/content"
	"github.com/keithlinneman/linnemanlabs-docview/internal/expiry"
	"github.com/keithlinneman/linnemanlabs-docview/internal/share"
	"github.com/keithlinneman/linnemanlabs-docview/internal/viewer"
)

// Snapshot is the immutable, published state of one session. A new
// Snapshot replaces the old one on every visible change.
type Snapshot struct {
	ID         string    `json:"id"`
	Generation uint64    `json:"generation"`
	Phase      string    `json:"phase"`
	UpdatedAt  time.Time `json:"updated_at"`

	Error     *ErrorView `json:"error,omitempty"`
	Retryable bool       `json:"retryable"`

	Metadata       *share.Metadata `json:"metadata,omitempty"`
	ContentLoading bool            `json:"content_loading"`
	Category       string          `json:"category,omitempty"`
	MediaType      string          `json:"media_type,omitempty"`
	Download       bool            `json:"download_allowed"`

	ScreenGuard bool `json:"screen_guard"`
	Blanked     bool `json:"blanked"`

	Countdown *CountdownView `json:"countdown,omitempty"`
	View      *viewer.View   `json:"view,omitempty"`

	doc      *content.Document
	category content.Category
}

type ErrorView struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type CountdownView struct {
	Display string `json:"display"`
	expiry.Remaining
}

// Settled reports whether the session is waiting on nothing: access has
// been decided and, when Ready, content has arrived or failed.
func (s *Snapshot) Settled() bool {
	return s.Phase != "loading" && !s.ContentLoading
}

// Document is the fetched content, or nil when none may be shown.
func (s *Snapshot) Document() *content.Document { return s.doc }

// ContentCategory is the typed form of Category.
func (s *Snapshot) ContentCategory() content.Category { return s.category }
