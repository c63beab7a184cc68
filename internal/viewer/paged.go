package viewer

import (
	"sort"
	"strconv"
	"strings"
)

const (
	PagedMinScale  = 0.5
	PagedMaxScale  = 3.0
	PagedScaleStep = 0.25

	// FitPadding is subtracted from the viewport width when fitting.
	FitPadding = 40.0

	// PageWidth is the nominal page width in points (US Letter).
	PageWidth = 612.0
)

type ZoomMode string

const (
	ZoomFixed      ZoomMode = "fixed"
	ZoomFitToWidth ZoomMode = "fit_width"
)

type PagedView struct {
	Page        int      `json:"page"`
	PageCount   int      `json:"page_count"`
	ZoomMode    ZoomMode `json:"zoom_mode"`
	Scale       float64  `json:"scale"`
	RenderWidth float64  `json:"render_width,omitempty"`
	Continuous  bool     `json:"continuous"`
	FailedPages []int    `json:"failed_pages,omitempty"`
}

type PagedOptions struct {
	// Continuous derives the current page from page visibility reports
	// instead of showing one page at a time.
	Continuous bool
}

type pagedState struct {
	status      Status
	page        int
	pageCount   int
	mode        ZoomMode
	scale       float64
	viewport    float64
	renderWidth float64
	failed      int
}

// PagedEngine navigates and zooms a multi-page document.
type PagedEngine struct {
	st         pagedState
	continuous bool
	failed     map[int]struct{}
	visible    map[int]float64
}

func NewPagedEngine(opts PagedOptions) *PagedEngine {
	e := &PagedEngine{continuous: opts.Continuous}
	e.reset()
	return e
}

func (e *PagedEngine) reset() {
	vw := e.st.viewport
	e.st = pagedState{status: StatusLoading, page: 1, mode: ZoomFixed, scale: 1, viewport: vw}
	e.failed = map[int]struct{}{}
	e.visible = map[int]float64{}
}

func (e *PagedEngine) ready() bool { return e.st.status == StatusReady }

func (e *PagedEngine) setScale(s float64) {
	e.st.mode = ZoomFixed
	e.st.renderWidth = 0
	e.st.scale = clamp(round2(s), PagedMinScale, PagedMaxScale)
}

func (e *PagedEngine) step(delta float64) {
	if !e.ready() {
		return
	}
	if e.st.mode == ZoomFitToWidth {
		e.st.scale = 1
	}
	e.setScale(e.st.scale + delta)
}

func (e *PagedEngine) ZoomIn()  { e.step(PagedScaleStep) }
func (e *PagedEngine) ZoomOut() { e.step(-PagedScaleStep) }

func (e *PagedEngine) ZoomLabel() string {
	if e.st.mode == ZoomFitToWidth {
		if e.st.renderWidth <= 0 {
			return "Fit width"
		}
		return percent(e.st.renderWidth / PageWidth)
	}
	return percent(e.st.scale)
}

// FitToWidth tracks the viewport width until the next fixed zoom.
func (e *PagedEngine) FitToWidth() {
	if !e.ready() {
		return
	}
	e.st.mode = ZoomFitToWidth
	e.refit()
}

func (e *PagedEngine) refit() {
	w := e.st.viewport - FitPadding
	if w < 0 {
		w = 0
	}
	e.st.renderWidth = w
}

func (e *PagedEngine) ResetZoom() {
	if e.ready() {
		e.setScale(1)
	}
}

// GoToPage clamps n into [1, pageCount].
func (e *PagedEngine) GoToPage(n int) {
	if !e.ready() {
		return
	}
	switch {
	case n < 1:
		n = 1
	case n > e.st.pageCount:
		n = e.st.pageCount
	}
	e.st.page = n
}

// GoToPageInput parses user input; anything that is not an integer is ignored.
func (e *PagedEngine) GoToPageInput(s string) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return
	}
	e.GoToPage(n)
}

func (e *PagedEngine) NextPage() {
	if e.ready() && e.st.page < e.st.pageCount {
		e.st.page++
	}
}

func (e *PagedEngine) PrevPage() {
	if e.ready() && e.st.page > 1 {
		e.st.page--
	}
}

func (e *PagedEngine) Handle(ev Event) bool {
	before := e.st

	switch ev.Type {
	case EventDocumentLoaded:
		e.load(ev.PageCount)
	case EventDocumentFailed:
		e.st.status = StatusFailed
	case EventResize:
		if ev.Width >= 0 {
			e.st.viewport = ev.Width
			if e.st.mode == ZoomFitToWidth {
				e.refit()
			}
		}
	case EventAction:
		e.action(ev)
	default:
		if e.ready() {
			e.input(ev)
		}
	}

	return e.st != before
}

func (e *PagedEngine) load(pageCount int) {
	if pageCount < 1 {
		e.st.status = StatusFailed
		return
	}
	e.st.status = StatusReady
	e.st.pageCount = pageCount
	if e.st.page > pageCount {
		e.st.page = pageCount
	}
}

func (e *PagedEngine) action(ev Event) {
	switch ev.Action {
	case ActionZoomIn:
		e.ZoomIn()
	case ActionZoomOut:
		e.ZoomOut()
	case ActionFitWidth:
		e.FitToWidth()
	case ActionResetZoom, ActionReset:
		e.ResetZoom()
	case ActionNextPage:
		e.NextPage()
	case ActionPrevPage:
		e.PrevPage()
	case ActionGoToPage:
		e.GoToPageInput(ev.PageInput)
	case ActionReload:
		e.reset()
	}
}

func (e *PagedEngine) input(ev Event) {
	switch ev.Type {
	case EventKey:
		if dir, ok := zoomKey(ev); ok {
			switch dir {
			case 1:
				e.ZoomIn()
			case -1:
				e.ZoomOut()
			default:
				e.ResetZoom()
			}
			return
		}
		switch ev.Key {
		case "ArrowRight", "ArrowDown", "PageDown":
			e.NextPage()
		case "ArrowLeft", "ArrowUp", "PageUp":
			e.PrevPage()
		case "Home":
			e.GoToPage(1)
		case "End":
			e.GoToPage(e.st.pageCount)
		}
	case EventPageRenderFailed:
		if ev.Page >= 1 && ev.Page <= e.st.pageCount {
			e.failed[ev.Page] = struct{}{}
			e.st.failed = len(e.failed)
		}
	case EventPageVisibility:
		if e.continuous {
			e.observe(ev.Page, ev.Ratio)
		}
	}
}

// observe records a page's visible fraction and moves the current page to
// the most visible one, preferring the lowest page number on ties.
func (e *PagedEngine) observe(page int, ratio float64) {
	if page < 1 || page > e.st.pageCount {
		return
	}
	if ratio <= 0 {
		delete(e.visible, page)
	} else {
		e.visible[page] = ratio
	}

	best, bestRatio := 0, 0.0
	for p, r := range e.visible {
		if r > bestRatio || (r == bestRatio && p < best) {
			best, bestRatio = p, r
		}
	}
	if best > 0 {
		e.st.page = best
	}
}

func (e *PagedEngine) View() View {
	pv := &PagedView{
		Page:        e.st.page,
		PageCount:   e.st.pageCount,
		ZoomMode:    e.st.mode,
		Scale:       e.st.scale,
		RenderWidth: e.st.renderWidth,
		Continuous:  e.continuous,
	}
	if len(e.failed) > 0 {
		pv.FailedPages = make([]int, 0, len(e.failed))
		for p := range e.failed {
			pv.FailedPages = append(pv.FailedPages, p)
		}
		sort.Ints(pv.FailedPages)
	}

	v := View{
		Kind:      "paged",
		Status:    e.st.status,
		ZoomLabel: e.ZoomLabel(),
		Paged:     pv,
	}
	switch e.st.status {
	case StatusReady:
		v.CanZoomIn = e.st.mode == ZoomFitToWidth || e.st.scale < PagedMaxScale
		v.CanZoomOut = e.st.mode == ZoomFitToWidth || e.st.scale > PagedMinScale
	case StatusFailed:
		v.Error = ErrDocumentLoadFailed
		v.Actions = []Action{ActionReload}
	}
	return v
}
