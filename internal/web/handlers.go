package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"smartcal/internal/calendar"
	"smartcal/internal/model"
	"smartcal/internal/reconcile"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.svc.Health(r.Context())
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleParserStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ParserStatus())
}

type addEventRequest struct {
	Prompt   string `json:"prompt" validate:"required,max=2000"`
	Timezone string `json:"timezone" validate:"omitempty,max=64"`
}

func (s *Server) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	var req addEventRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, "add-event", err)
		return
	}
	res, err := s.svc.AddEvent(r.Context(), req.Prompt, req.Timezone)
	if errors.Is(err, calendar.ErrConflict) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Conflicts: &res.Conflicts})
		return
	}
	if err != nil {
		s.fail(w, "add-event", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type listResponse struct {
	Events []model.Event `json:"events"`
	Start  time.Time     `json:"start"`
	End    time.Time     `json:"end"`
	Count  int           `json:"count"`
}

// handleListEvents serves GET /events?start_date=&end_date=. Dates are
// RFC 3339 or YYYY-MM-DD in the configured zone; the default range is the
// next seven days.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	loc := s.svc.Policy().Location
	q := r.URL.Query()

	now := s.now().In(loc)
	from, err := parseDateParam(q.Get("start_date"), loc, now)
	if err != nil {
		s.fail(w, "events", err)
		return
	}
	to, err := parseDateParam(q.Get("end_date"), loc, from.AddDate(0, 0, defaultListDays))
	if err != nil {
		s.fail(w, "events", err)
		return
	}

	events, err := s.svc.ListEvents(r.Context(), from, to)
	if err != nil {
		s.fail(w, "events", err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Events: events, Start: from, End: to, Count: len(events)})
}

func parseDateParam(v string, loc *time.Location, def time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, v, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q is neither RFC 3339 nor YYYY-MM-DD", model.ErrValidation, v)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.svc.GetEvent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, "get-event", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type patchEventRequest struct {
	Title       *string    `json:"title" validate:"omitempty,min=1,max=200"`
	Description *string    `json:"description" validate:"omitempty,max=4000"`
	Location    *string    `json:"location" validate:"omitempty,max=500"`
	Start       *time.Time `json:"start"`
	End         *time.Time `json:"end"`
	Timezone    *string    `json:"timezone" validate:"omitempty,max=64"`
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	var req patchEventRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, "update-event", err)
		return
	}
	res, err := s.svc.UpdateEvent(r.Context(), mux.Vars(r)["id"], calendar.EventPatch{
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		Start:       req.Start,
		End:         req.End,
		Timezone:    req.Timezone,
	})
	if errors.Is(err, calendar.ErrConflict) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Conflicts: &res.Conflicts})
		return
	}
	if err != nil {
		s.fail(w, "update-event", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteEvent(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.fail(w, "delete-event", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="smartcal.ics"`)
	if err := s.svc.ExportICS(r.Context(), w); err != nil {
		s.fail(w, "export", err)
	}
}

type importURLRequest struct {
	URL string `json:"url" validate:"required,http_url"`
}

// handleImport accepts either a text/calendar body or {"url": "..."}.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var (
		res calendar.ImportResult
		err error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req importURLRequest
		if err = s.decode(w, r, &req); err == nil {
			res, err = s.svc.ImportURL(r.Context(), req.URL)
		}
	} else {
		res, err = s.svc.ImportICS(r.Context(), io.LimitReader(r.Body, maxICSBodyBytes))
	}
	if err != nil {
		s.fail(w, "import", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// abortedSync carries the partial result of a run stopped by a fatal
// remote error.
type abortedSync struct {
	Error string `json:"error"`
	reconcile.Result
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Sync(r.Context())
	if errors.Is(err, reconcile.ErrAborted) {
		writeJSON(w, http.StatusBadGateway, abortedSync{Error: err.Error(), Result: res})
		return
	}
	if err != nil {
		s.fail(w, "sync", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.PendingConflicts())
}

type resolveRequest struct {
	Keep string `json:"keep" validate:"required,oneof=local remote"`
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, "resolve", err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.svc.ResolveConflict(r.Context(), id, req.Keep); err != nil {
		s.fail(w, "resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "resolution": req.Keep})
}
