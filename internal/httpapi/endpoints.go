package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/rcswitch/api"
	"pkt.systems/rcswitch/internal/outcome"
)

func (h *Handler) handleCapability(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodGet:
		h.writeJSON(w, http.StatusOK, h.coord.Snapshot().StatusResponse(), nil)
		return nil
	case http.MethodPost:
		return h.handleReassign(w, r)
	default:
		return methodNotAllowed("GET, POST")
	}
}

func (h *Handler) handleReassign(w http.ResponseWriter, r *http.Request) error {
	var req api.ReassignRequest
	if err := decodeRequest(r, reassignBodyLimit, &req); err != nil {
		return err
	}
	ticket, err := h.coord.RequestReassignment(r.Context(), req.Capabilities)
	if err != nil {
		return convertCoordinatorError(err)
	}
	if logger := pslog.LoggerFromContext(r.Context()); logger != nil {
		logger.Info("rcswitch.http.reassign.accepted", "txn_id", ticket.TxnID, "session", ticket.Session)
	}
	h.writeJSON(w, http.StatusAccepted, api.ReassignResponse{TxnID: ticket.TxnID, Session: ticket.Session}, nil)
	return nil
}

func (h *Handler) handleNotify(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return methodNotAllowed("POST")
	}
	var req api.NotifyRequest
	if err := decodeRequest(r, notifyBodyLimit, &req); err != nil {
		return err
	}
	if req.Capability.Phase != api.PhaseUnsolRsp {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_notification", Detail: "capability phase must be unsol_rsp (3)"}
	}
	var notifyErr error
	if req.Error != "" {
		notifyErr = errors.New(req.Error)
	}
	h.coord.Notify(req.Capability, notifyErr)
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return methodNotAllowed("GET, HEAD")
	}
	h.writeJSON(w, http.StatusOK, api.HealthResponse{
		Status: "ok",
		Phones: len(h.coord.Snapshot().Endpoints),
		Active: h.coord.IsTransactionActive(),
	}, nil)
	return nil
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return methodNotAllowed("GET")
	}
	if h.outcomes == nil {
		return httpError{Status: http.StatusNotImplemented, Code: "events_unavailable", Detail: "outcome stream is disabled"}
	}
	sub, replay, err := h.outcomes.Subscribe(lastEventID(r))
	if err != nil {
		if errors.Is(err, outcome.ErrClosed) {
			return httpError{Status: http.StatusServiceUnavailable, Code: "shutting_down", Detail: "outcome stream closed"}
		}
		return err
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, ": rcswitch outcomes\n\n"); err != nil {
		return nil
	}
	for _, o := range replay {
		if err := outcome.WriteSSE(w, o); err != nil {
			return nil
		}
	}
	_ = rc.Flush()

	logger := pslog.LoggerFromContext(r.Context())
	if logger == nil {
		logger = h.logger
	}
	logger.Debug("rcswitch.http.events.subscribed", "replayed", len(replay))
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return nil
		case o, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := outcome.WriteSSE(w, o); err != nil {
				return nil
			}
			_ = rc.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return nil
			}
			_ = rc.Flush()
		}
	}
}
