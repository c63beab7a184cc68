package viewer

const (
	ImageMinScale  = 0.1
	ImageMaxScale  = 5.0
	ImageScaleStep = 0.2
)

type ImageView struct {
	Scale    float64 `json:"scale"`
	Offset   Point   `json:"offset"`
	Rotation int     `json:"rotation"`
	Dragging bool    `json:"dragging"`
}

type imageState struct {
	status   Status
	scale    float64
	offset   Point
	rotation int
	dragging bool
}

// ImageEngine pans, zooms and rotates a single image.
type ImageEngine struct {
	st        imageState
	dragStart Point
}

func NewImageEngine() *ImageEngine {
	return &ImageEngine{st: imageState{status: StatusLoading, scale: 1}}
}

func (e *ImageEngine) ready() bool { return e.st.status == StatusReady }

func (e *ImageEngine) setScale(s float64) {
	e.st.scale = clamp(round2(s), ImageMinScale, ImageMaxScale)
}

func (e *ImageEngine) ZoomIn() {
	if e.ready() {
		e.setScale(e.st.scale + ImageScaleStep)
	}
}

func (e *ImageEngine) ZoomOut() {
	if e.ready() {
		e.setScale(e.st.scale - ImageScaleStep)
	}
}

func (e *ImageEngine) ZoomLabel() string { return percent(e.st.scale) }

// RotateClockwise turns by 90 degrees and recenters the image.
func (e *ImageEngine) RotateClockwise() {
	if !e.ready() {
		return
	}
	e.st.rotation = (e.st.rotation + 90) % 360
	e.st.offset = Point{}
}

// ResetView restores scale 1, no offset and no rotation.
func (e *ImageEngine) ResetView() {
	e.st.scale = 1
	e.st.offset = Point{}
	e.st.rotation = 0
	e.st.dragging = false
}

func (e *ImageEngine) beginDrag(p Point) {
	e.st.dragging = true
	e.dragStart = p.sub(e.st.offset)
}

func (e *ImageEngine) dragTo(p Point) {
	if e.st.dragging {
		e.st.offset = p.sub(e.dragStart)
	}
}

func (e *ImageEngine) Handle(ev Event) bool {
	before := e.st

	switch ev.Type {
	case EventImageLoaded:
		e.st.status = StatusReady
		e.ResetView()
	case EventImageFailed:
		e.st.status = StatusFailed
		e.st.dragging = false
	case EventAction:
		e.action(ev.Action)
	default:
		if e.ready() {
			e.input(ev)
		}
	}

	return e.st != before
}

func (e *ImageEngine) action(a Action) {
	switch a {
	case ActionZoomIn:
		e.ZoomIn()
	case ActionZoomOut:
		e.ZoomOut()
	case ActionRotate:
		e.RotateClockwise()
	case ActionReset:
		if e.ready() {
			e.ResetView()
		}
	case ActionReload:
		e.st = imageState{status: StatusLoading, scale: 1}
	}
}

func (e *ImageEngine) input(ev Event) {
	switch ev.Type {
	case EventWheel:
		switch {
		case ev.DeltaY > 0:
			e.ZoomOut()
		case ev.DeltaY < 0:
			e.ZoomIn()
		}
	case EventPointerDown:
		if ev.Button == 0 {
			e.beginDrag(ev.point())
		}
	case EventPointerMove:
		e.dragTo(ev.point())
	case EventPointerUp, EventPointerLeave, EventTouchEnd:
		e.st.dragging = false
	case EventTouchStart:
		if len(ev.Touches) == 1 {
			e.beginDrag(ev.Touches[0])
		}
	case EventTouchMove:
		if len(ev.Touches) == 1 {
			e.dragTo(ev.Touches[0])
		}
	case EventKey:
		if dir, ok := zoomKey(ev); ok {
			switch dir {
			case 1:
				e.ZoomIn()
			case -1:
				e.ZoomOut()
			default:
				e.ResetView()
			}
		}
	}
}

func (e *ImageEngine) View() View {
	v := View{
		Kind:      "image",
		Status:    e.st.status,
		ZoomLabel: e.ZoomLabel(),
		Image: &ImageView{
			Scale:    e.st.scale,
			Offset:   e.st.offset,
			Rotation: e.st.rotation,
			Dragging: e.st.dragging,
		},
	}
	switch e.st.status {
	case StatusReady:
		v.CanZoomIn = e.st.scale < ImageMaxScale
		v.CanZoomOut = e.st.scale > ImageMinScale
	case StatusFailed:
		v.Error = ErrImageLoadFailed
		v.Actions = []Action{ActionReload}
	}
	return v
}
