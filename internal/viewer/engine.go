// Package viewer holds the interactive viewer engines for images and paged
// documents.
//
// Engines are plain state machines driven by [Event] values. They are not
// safe for concurrent use; the session event loop owns them.
package viewer

import (
	"math"
	"strconv"
)

// Zoomable is the control surface shared by every engine.
type Zoomable interface {
	ZoomIn()
	ZoomOut()
	ZoomLabel() string
}

// Engine renders one category of document.
type Engine interface {
	Zoomable

	// Handle applies e and reports whether the visible state changed.
	Handle(e Event) bool

	View() View
}

type Status string

const (
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

const (
	ErrImageLoadFailed    = "image-load-failed"
	ErrDocumentLoadFailed = "document-load-failed"
)

// View is the published, read-only state of an engine.
type View struct {
	Kind       string   `json:"kind"`
	Status     Status   `json:"status"`
	Error      string   `json:"error,omitempty"`
	Actions    []Action `json:"actions,omitempty"`
	ZoomLabel  string   `json:"zoom_label"`
	CanZoomIn  bool     `json:"can_zoom_in"`
	CanZoomOut bool     `json:"can_zoom_out"`

	Image *ImageView `json:"image,omitempty"`
	Paged *PagedView `json:"paged,omitempty"`
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func clamp(v, lo, hi float64) float64 { return math.Max(lo, math.Min(v, hi)) }

func percent(scale float64) string {
	return strconv.Itoa(int(math.Round(scale*100))) + "%"
}
