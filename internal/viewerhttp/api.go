// Package viewerhttp is the JSON API a renderer uses to drive viewer
// sessions.
package viewerhttp

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-docview/internal/directory"
	"github.com/keithlinneman/linnemanlabs-docview/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-docview/internal/log"
	"github.com/keithlinneman/linnemanlabs-docview/internal/screenguard"
	"github.com/keithlinneman/linnemanlabs-docview/internal/session"
	"github.com/keithlinneman/linnemanlabs-docview/internal/viewer"
)

const (
	// DefaultOpenWait bounds how long session creation waits for the
	// first settled state before answering with whatever it has.
	DefaultOpenWait = 5 * time.Second

	maxEventBytes = 4 << 10

	contentCSP = "sandbox; default-src 'none'; img-src 'self' data:; style-src 'unsafe-inline'"
)

// Sessions is satisfied by *session.Manager.
type Sessions interface {
	Open(ctx context.Context, token string) (*session.Controller, error)
	Get(id string) (*session.Controller, bool)
	Remove(id string) bool
}

type Options struct {
	Logger   log.Logger
	Sessions Sessions
	OpenWait time.Duration

	// CreateMW wraps session creation only, e.g. a per-ip rate limiter.
	CreateMW func(http.Handler) http.Handler

	// Origins lists the public origins a session may resolve the
	// directory and relative content URLs against. Requests from any
	// other origin get no origin at all.
	Origins *directory.Origins
}

// API implements the viewer session endpoints.
type API struct {
	sessions Sessions
	logger   log.Logger
	openWait time.Duration
	createMW func(http.Handler) http.Handler
	origins  *directory.Origins
}

func NewAPI(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.OpenWait <= 0 {
		opts.OpenWait = DefaultOpenWait
	}
	return &API{
		sessions: opts.Sessions,
		logger:   opts.Logger,
		openWait: opts.OpenWait,
		createMW: opts.CreateMW,
		origins:  opts.Origins,
	}
}

// RegisterRoutes attaches the session endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Use(httpmw.NoStore)

		r.Method(http.MethodPost, "/", httpmw.Chain(http.HandlerFunc(api.HandleCreate),
			api.createMW,
			httpmw.Scope("session.create"),
		))

		r.Route("/{id}", func(r chi.Router) {
			r.With(httpmw.Scope("session.get")).Get("/", api.HandleGet)
			r.With(httpmw.Scope("session.delete")).Delete("/", api.HandleDelete)
			r.With(httpmw.Scope("session.retry")).Post("/retry", api.HandleRetry)
			r.With(httpmw.Scope("session.content")).Get("/content", api.HandleContent)

			r.Group(func(r chi.Router) {
				r.Use(httpmw.MaxBody(maxEventBytes))
				r.With(httpmw.Scope("session.event")).Post("/events", api.HandleEvent)
				r.With(httpmw.Scope("session.guard")).Post("/guard", api.HandleGuard)
			})
		})
	})
}

// HandleCreate opens a session for ?share_id= and waits briefly for its
// first decision.
func (api *API) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if origin := api.origins.FromRequest(r); origin != "" {
		ctx = directory.WithOrigin(ctx, origin)
	} else if api.origins.Len() > 0 {
		api.logger.Debug(ctx, "request origin not in public origins", "host", r.Host)
	}

	c, err := api.sessions.Open(ctx, directory.ShareToken(r))
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}

	wctx, cancel := context.WithTimeout(ctx, api.openWait)
	defer cancel()
	snap, _ := c.Await(wctx)

	w.Header().Set("Location", "/api/v1/sessions/"+c.ID())
	api.writeJSON(ctx, w, http.StatusCreated, snap)
}

// HandleGet returns the session snapshot. With ?wait=1 it first waits
// for the session to settle.
func (api *API) HandleGet(w http.ResponseWriter, r *http.Request) {
	c, ok := api.lookup(w, r)
	if !ok {
		return
	}
	snap := c.Snapshot()
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		ctx, cancel := context.WithTimeout(r.Context(), api.openWait)
		defer cancel()
		snap, _ = c.Await(ctx)
	}
	api.writeJSON(r.Context(), w, http.StatusOK, snap)
}

func (api *API) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if !api.sessions.Remove(chi.URLParam(r, "id")) {
		api.writeError(r.Context(), w, session.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) HandleRetry(w http.ResponseWriter, r *http.Request) {
	c, ok := api.lookup(w, r)
	if !ok {
		return
	}
	if err := c.Retry(r.Context()); err != nil {
		api.writeError(r.Context(), w, err)
		return
	}
	api.writeJSON(r.Context(), w, http.StatusAccepted, c.Snapshot())
}

func (api *API) HandleEvent(w http.ResponseWriter, r *http.Request) {
	c, ok := api.lookup(w, r)
	if !ok {
		return
	}
	var ev viewer.Event
	if !api.decode(w, r, &ev) {
		return
	}
	snap, err := c.Dispatch(r.Context(), ev)
	if err != nil {
		api.writeError(r.Context(), w, err)
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, snap)
}

func (api *API) HandleGuard(w http.ResponseWriter, r *http.Request) {
	c, ok := api.lookup(w, r)
	if !ok {
		return
	}
	var in screenguard.Input
	if !api.decode(w, r, &in) {
		return
	}
	resp, err := c.Guard(r.Context(), in)
	if err != nil {
		api.writeError(r.Context(), w, err)
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

// HandleContent serves the fetched bytes while the session is Ready and
// not blanked. ?download=1 adds an attachment disposition and is only
// honoured when the share allows downloads.
func (api *API) HandleContent(w http.ResponseWriter, r *http.Request) {
	c, ok := api.lookup(w, r)
	if !ok {
		return
	}
	snap := c.Snapshot()
	doc := snap.Document()

	switch {
	case doc == nil:
		api.writeJSON(r.Context(), w, http.StatusConflict, errorBody{Error: "content is not available"})
		return
	case snap.Blanked:
		api.writeJSON(r.Context(), w, http.StatusConflict, errorBody{Error: "content is hidden"})
		return
	}

	download, _ := strconv.ParseBool(r.URL.Query().Get("download"))
	if download {
		if !snap.Download {
			api.writeJSON(r.Context(), w, http.StatusForbidden, errorBody{Error: "downloads are disabled for this document"})
			return
		}
		name := path.Base(doc.URL)
		if snap.Metadata != nil && snap.Metadata.Title != "" {
			name = snap.Metadata.Title + path.Ext(name)
		}
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	} else {
		w.Header().Set("Content-Disposition", "inline")
	}

	// upstream bytes are served same-origin with the upstream type; a
	// sandboxed response cannot run script even when opened directly
	w.Header().Set("Content-Security-Policy", contentCSP)
	w.Header().Set("X-Content-Type-Options", "nosniff")

	ct := doc.MediaType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(doc.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(doc.Data); err != nil {
		api.logger.Debug(r.Context(), "content write failed", "err", err)
	}
}

func (api *API) lookup(w http.ResponseWriter, r *http.Request) (*session.Controller, bool) {
	c, ok := api.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		api.writeError(r.Context(), w, session.ErrNotFound)
		return nil, false
	}
	return c, true
}

func (api *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		status := http.StatusBadRequest
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			status = http.StatusRequestEntityTooLarge
		}
		api.writeJSON(r.Context(), w, status, errorBody{Error: "invalid request body"})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone
	case errors.Is(err, session.ErrNotRetryable), errors.Is(err, session.ErrNoViewer):
		return http.StatusConflict
	case errors.Is(err, session.ErrTooManySessions), errors.Is(err, session.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		api.logger.Error(ctx, err, "viewer api request failed")
		msg = http.StatusText(status)
	}
	api.writeJSON(ctx, w, status, errorBody{Error: msg})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
