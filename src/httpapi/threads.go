package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/elee1766/threadloom/src/executor"
	"github.com/elee1766/threadloom/src/thread"
)

type createThreadRequest struct {
	ContextKey *string `json:"contextKey,omitempty"`
}

type messageRequest struct {
	Content        []thread.ContentPart `json:"content"`
	ComponentState map[string]any       `json:"componentState,omitempty"`
}

type advanceRequest struct {
	Message             messageRequest     `json:"message"`
	LastObservedMessage *thread.MessageRef `json:"lastObservedMessage,omitempty"`
	Stream              bool               `json:"stream"`
}

func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

func (a *API) createThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	t := &thread.Thread{
		ProjectID:  chi.URLParam(r, "projectID"),
		ContextKey: req.ContextKey,
	}
	if err := a.opts.Store.CreateThread(r.Context(), t); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) listThreads(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest))
			return
		}
		limit = n
	}
	threads, err := a.opts.Store.ListThreads(r.Context(), chi.URLParam(r, "projectID"), limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if threads == nil {
		threads = []*thread.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

func (a *API) getThread(w http.ResponseWriter, r *http.Request) {
	t, err := a.opts.Store.GetThread(r.Context(), chi.URLParam(r, "threadID"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.opts.Store.ListMessages(r.Context(), chi.URLParam(r, "threadID"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*thread.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) getMessage(w http.ResponseWriter, r *http.Request) {
	m, err := a.opts.Store.GetMessage(r.Context(), chi.URLParam(r, "threadID"), chi.URLParam(r, "messageID"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// advance admits a turn and either streams its deltas or waits for the final
// message. Admission errors are returned before any stream output. The turn
// keeps running if the client goes away.
func (a *API) advance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, err)
		return
	}

	run, err := a.opts.Service.Begin(r.Context(), executor.AdvanceRequest{
		ThreadID:       chi.URLParam(r, "threadID"),
		Content:        req.Message.Content,
		ComponentState: req.Message.ComponentState,
		LastObserved:   req.LastObservedMessage,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}

	if !req.Stream {
		run.Deltas().Close()
		msg, err := run.Execute()
		if err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
		return
	}

	sse := newSSEWriter(w)
	run.Start()
	deltas := run.Deltas()
	for {
		d, err := deltas.Next(r.Context())
		switch {
		case errors.Is(err, io.EOF):
			sse.done()
			return
		case r.Context().Err() != nil:
			a.logger.Debug("stream consumer gone", "thread_id", run.Thread().ID)
			deltas.Close()
			return
		case err != nil:
			sse.fail(err)
			return
		}
		if err := sse.data(d); err != nil {
			deltas.Close()
			return
		}
	}
}

func (a *API) cancel(w http.ResponseWriter, r *http.Request) {
	t, err := a.opts.Service.Cancel(r.Context(), chi.URLParam(r, "threadID"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
