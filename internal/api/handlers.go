// Package api exposes the service's REST surface: the call-initiation
// webhook consumed by the CRM and the status callback endpoint Twilio posts
// call lifecycle updates to.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/postak/lead-agent/internal/config"
	"github.com/postak/lead-agent/internal/lead"
	"github.com/postak/lead-agent/internal/observability"
	"github.com/postak/lead-agent/internal/session"
)

// CallPlacer places outbound calls; implemented by telephony.Placer.
type CallPlacer interface {
	PlaceCall(ctx context.Context, req *lead.CallRequest) (string, error)
}

// Terminal Twilio call statuses; a session still live when one of these
// arrives has lost its media stream and is torn down.
var terminalCallStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"busy":      true,
	"no-answer": true,
	"canceled":  true,
}

// Handlers bundles the REST endpoints and their dependencies.
type Handlers struct {
	cfg      *config.Config
	placer   CallPlacer
	registry *session.Registry
	logger   zerolog.Logger
}

// NewHandlers creates the REST endpoint set.
func NewHandlers(cfg *config.Config, placer CallPlacer, reg *session.Registry) *Handlers {
	return &Handlers{
		cfg:      cfg,
		placer:   placer,
		registry: reg,
		logger:   observability.GetLogger().With().Str("component", "api").Logger(),
	}
}

type initiateResponse struct {
	Status  string `json:"status"`
	LeadID  string `json:"lead_id"`
	Message string `json:"message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// InitiateCall accepts a lead payload, validates it, and places the
// outbound call asynchronously. The webhook answers 202 as soon as the
// payload is accepted; call progress is reported through the status
// callback, not this response.
func (h *Handlers) InitiateCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable body"})
		return
	}
	req, err := lead.ParseRequest(body)
	if err != nil {
		h.logger.Warn().Err(err).Msg("rejected lead payload")
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}

	go h.placeCall(req)

	h.logger.Info().Str("lead_id", req.LeadID).Msg("call initiation accepted")
	writeJSON(w, http.StatusAccepted, initiateResponse{
		Status: "accepted",
		LeadID: req.LeadID,
	})
}

func (h *Handlers) placeCall(req *lead.CallRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.TwilioTimeout()*2)
	defer cancel()

	callSid, err := h.placer.PlaceCall(ctx, req)
	if err != nil {
		h.logger.Error().Err(err).Str("lead_id", req.LeadID).Msg("async call placement failed")
		return
	}
	h.logger.Info().
		Str("lead_id", req.LeadID).
		Str("call_sid", callSid).
		Msg("outbound call in flight")
}

// TwilioStatus receives Twilio's form-encoded call lifecycle callbacks. A
// terminal status for a call whose session is still registered means the
// media stream died without a stop event; the session is torn down here.
func (h *Handlers) TwilioStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unparseable form"})
		return
	}

	callSid := r.PostForm.Get("CallSid")
	callStatus := r.PostForm.Get("CallStatus")
	if callSid == "" || callStatus == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "CallSid and CallStatus required"})
		return
	}

	observability.RecordCallStatusCallback(callStatus)
	h.logger.Info().
		Str("call_sid", callSid).
		Str("call_status", callStatus).
		Msg("call status update")

	if terminalCallStatuses[callStatus] {
		if sess, err := h.registry.Lookup(callSid); err == nil {
			h.logger.Warn().
				Str("call_sid", callSid).
				Str("call_status", callStatus).
				Msg("terminal status for live session, tearing down")
			sess.Terminate(session.ReasonChannelError)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
