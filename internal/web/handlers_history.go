package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/bulkops/internal/engine"
)

// historyFilterFromQuery builds a history filter from shared query params.
func (s *Server) historyFilterFromQuery(r *http.Request) (engine.HistoryFilter, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return engine.HistoryFilter{}, err
	}
	from, err := queryTime(r, "from")
	if err != nil {
		return engine.HistoryFilter{}, err
	}
	to, err := queryTime(r, "to")
	if err != nil {
		return engine.HistoryFilter{}, err
	}
	return engine.HistoryFilter{
		OperationID: r.URL.Query().Get("operationId"),
		Kind:        engine.OperationKind(r.URL.Query().Get("kind")),
		Status:      engine.OperationStatus(r.URL.Query().Get("status")),
		CreatedBy:   r.URL.Query().Get("createdBy"),
		From:        from,
		To:          to,
		Limit:       limit,
	}, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := s.historyFilterFromQuery(r)
	if err != nil {
		s.respondParamError(w, r, err)
		return
	}
	entries := s.engine.History(filter)
	respondJSON(w, http.StatusOK, map[string]any{
		"history": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	filter, err := s.historyFilterFromQuery(r)
	if err != nil {
		s.respondParamError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Statistics(filter))
}

// handleArchive serves persisted history entries from the database sink,
// reaching past the in-memory horizon.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		respondErrorJSON(w, archiveUnavailableMessage, http.StatusServiceUnavailable)
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		s.respondParamError(w, r, err)
		return
	}

	entries, err := s.archive.RecentEntries(r.Context(), limit)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"history": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	active, scheduled := s.engine.QueueDepth()

	lanes := make(map[string]any, 3)
	for _, priority := range engine.Lanes() {
		lanes[string(priority)] = map[string]any{
			"paused": s.engine.LanePaused(priority),
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"queuedItems":    active,
		"scheduledItems": scheduled,
		"activeRuns":     s.engine.ActiveRuns(),
		"lanes":          lanes,
	})
}

func (s *Server) handlePauseLane(w http.ResponseWriter, r *http.Request) {
	priority, err := parsePriority(chi.URLParam(r, "priority"))
	if err != nil {
		s.respondParamError(w, r, err)
		return
	}
	s.engine.PauseLane(priority)
	respondJSON(w, http.StatusOK, map[string]any{
		"priority": string(priority),
		"paused":   true,
	})
}

func (s *Server) handleResumeLane(w http.ResponseWriter, r *http.Request) {
	priority, err := parsePriority(chi.URLParam(r, "priority"))
	if err != nil {
		s.respondParamError(w, r, err)
		return
	}
	s.engine.ResumeLane(priority)
	respondJSON(w, http.StatusOK, map[string]any{
		"priority": string(priority),
		"paused":   false,
	})
}
