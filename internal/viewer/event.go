package viewer

// EventType names a renderer input.
type EventType string

const (
	EventPointerDown      EventType = "pointer_down"
	EventPointerMove      EventType = "pointer_move"
	EventPointerUp        EventType = "pointer_up"
	EventPointerLeave     EventType = "pointer_leave"
	EventTouchStart       EventType = "touch_start"
	EventTouchMove        EventType = "touch_move"
	EventTouchEnd         EventType = "touch_end"
	EventWheel            EventType = "wheel"
	EventKey              EventType = "key"
	EventImageLoaded      EventType = "image_loaded"
	EventImageFailed      EventType = "image_failed"
	EventDocumentLoaded   EventType = "document_loaded"
	EventDocumentFailed   EventType = "document_failed"
	EventPageRenderFailed EventType = "page_render_failed"
	EventPageVisibility   EventType = "page_visibility"
	EventResize           EventType = "resize"
	EventAction           EventType = "action"
)

// Action is a toolbar control carried by an EventAction.
type Action string

const (
	ActionZoomIn    Action = "zoom_in"
	ActionZoomOut   Action = "zoom_out"
	ActionRotate    Action = "rotate"
	ActionReset     Action = "reset"
	ActionFitWidth  Action = "fit_width"
	ActionResetZoom Action = "reset_zoom"
	ActionNextPage  Action = "next_page"
	ActionPrevPage  Action = "prev_page"
	ActionGoToPage  Action = "go_to_page"
	ActionReload    Action = "reload"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) sub(q Point) Point { return Point{X: p.X - q.X, Y: p.Y - q.Y} }

// Event is one decoded renderer input. Only the fields relevant to Type
// are read.
type Event struct {
	Type   EventType `json:"type"`
	Action Action    `json:"action,omitempty"`

	// pointer
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Button int     `json:"button,omitempty"`

	Touches []Point `json:"touches,omitempty"`
	DeltaY  float64 `json:"delta_y,omitempty"`

	// keyboard
	Key   string `json:"key,omitempty"`
	Ctrl  bool   `json:"ctrl,omitempty"`
	Meta  bool   `json:"meta,omitempty"`
	Shift bool   `json:"shift,omitempty"`
	Alt   bool   `json:"alt,omitempty"`

	// paged documents
	Page      int     `json:"page,omitempty"`
	PageCount int     `json:"page_count,omitempty"`
	PageInput string  `json:"page_input,omitempty"`
	Ratio     float64 `json:"ratio,omitempty"`

	// viewport width in CSS pixels
	Width float64 `json:"width,omitempty"`

	Error string `json:"error,omitempty"`
}

func (e Event) point() Point { return Point{X: e.X, Y: e.Y} }

// zoomKey maps Ctrl/Meta shortcuts to +1 (in), -1 (out), 0 (reset).
func zoomKey(e Event) (dir int, ok bool) {
	if !e.Ctrl && !e.Meta {
		return 0, false
	}
	switch e.Key {
	case "=", "+":
		return 1, true
	case "-":
		return -1, true
	case "0":
		return 0, true
	}
	return 0, false
}
