package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// inboundHandler accepts Twilio's inbound WhatsApp message webhook.
func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.inboundHandler: processing inbound webhook", "path", r.URL.Path)
	hook, err := messaging.ParseInboundWebhook(r)
	if err != nil {
		slog.Warn("Server.inboundHandler: invalid webhook", "error", err)
		s.metrics.ObserveWebhook("message", "invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := messaging.ValidateAndCanonicalizeRecipient(hook.From)
	if err != nil {
		slog.Warn("Server.inboundHandler: invalid sender", "from", hook.From, "error", err)
		s.metrics.ObserveWebhook("message", "invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.flows.HandleInbound(r.Context(), flow.InboundMessage{
		MessageSid:    hook.MessageSid,
		From:          from,
		To:            hook.To,
		Body:          hook.Body,
		ButtonPayload: hook.ButtonPayload,
		ProfileName:   hook.ProfileName,
	})
	switch {
	case errors.Is(err, flow.ErrUnknownOrganization):
		slog.Warn("Server.inboundHandler: message to unknown number", "to", hook.To, "messageSid", hook.MessageSid)
		s.metrics.ObserveWebhook("message", "unknown_org")
		writeError(w, http.StatusNotFound, "Unknown organization number")
		return
	case err != nil:
		slog.Error("Server.inboundHandler: failed to handle message", "messageSid", hook.MessageSid, "userID", from, "error", err)
		s.metrics.ObserveWebhook("message", "error")
		writeError(w, http.StatusInternalServerError, "Failed to handle message")
		return
	}
	slog.Debug("Server.inboundHandler: message handled", "messageSid", hook.MessageSid, "action", res.Action, "trackedFlowID", res.TrackedFlowID)
	s.metrics.ObserveWebhook("message", res.Action)
	w.WriteHeader(http.StatusNoContent)
}

// statusHandler accepts Twilio's delivery status callback.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	hook, err := messaging.ParseStatusWebhook(r)
	if err != nil {
		slog.Warn("Server.statusHandler: invalid webhook", "error", err)
		s.metrics.ObserveWebhook("status", "invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.flows.HandleStatus(r.Context(), hook.MessageSid, hook.MessageStatus); err != nil {
		slog.Error("Server.statusHandler: failed to apply status", "messageSid", hook.MessageSid, "status", hook.MessageStatus, "error", err)
		s.metrics.ObserveWebhook("status", "error")
		writeError(w, http.StatusInternalServerError, "Failed to apply status")
		return
	}
	s.metrics.ObserveWebhook("status", "ok")
	w.WriteHeader(http.StatusNoContent)
}

// BulkStartRequest is the body of POST /flows/bulk.
type BulkStartRequest struct {
	OrgID      string   `json:"orgId"`
	FlowName   string   `json:"flowName"`
	Contacts   []string `json:"contacts"`
	IsReminder bool     `json:"isReminder"`
}

// bulkHandler starts one flow type for a list of contacts. Per-contact
// failures are reported in the result rather than failing the request.
func (s *Server) bulkHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req BulkStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.bulkHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	req.OrgID = strings.TrimSpace(req.OrgID)
	req.FlowName = strings.TrimSpace(req.FlowName)
	if req.OrgID == "" || req.FlowName == "" || len(req.Contacts) == 0 {
		writeError(w, http.StatusBadRequest, "orgId, flowName and contacts are required")
		return
	}

	contacts := make([]string, 0, len(req.Contacts))
	for _, c := range req.Contacts {
		canonical, err := messaging.ValidateAndCanonicalizeRecipient(c)
		if err != nil {
			slog.Warn("Server.bulkHandler: invalid contact", "contact", c, "error", err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		contacts = append(contacts, canonical)
	}

	res, err := s.flows.BulkStart(r.Context(), flow.BulkRequest{
		OrgID:      req.OrgID,
		FlowName:   req.FlowName,
		Contacts:   contacts,
		IsReminder: req.IsReminder,
	})
	if errors.Is(err, models.ErrPermissionDenied) && len(res.Started)+len(res.Skipped)+len(res.Failed) == 0 {
		slog.Warn("Server.bulkHandler: flow not enabled", "orgID", req.OrgID, "flowName", req.FlowName)
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	if err != nil {
		slog.Warn("Server.bulkHandler: some flows failed to start", "orgID", req.OrgID, "flowName", req.FlowName, "error", err)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// activeFlowHandler returns the user's active flow state.
func (s *Server) activeFlowHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := messaging.ValidateAndCanonicalizeRecipient(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := s.flows.GetActiveFlow(r.Context(), userID)
	if err != nil {
		slog.Error("Server.activeFlowHandler: lookup failed", "userID", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load flow state")
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "No active flow")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}
