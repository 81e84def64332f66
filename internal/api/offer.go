package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ashureev/interview-bot/internal/domain"
	"github.com/ashureev/interview-bot/internal/transport"
)

const maxOfferBytes = 1 << 20

// SignalingError reports an offer the server refuses to negotiate.
type SignalingError struct {
	Field  string
	Reason string
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

type interviewRequest struct {
	domain.InterviewDetails
	TransitionAfter string `json:"transition_after,omitempty"`
}

type offerRequest struct {
	SDP       string            `json:"sdp"`
	Type      string            `json:"type"`
	UserID    string            `json:"user_id"`
	ChatID    string            `json:"chat_id"`
	Interview *interviewRequest `json:"interview,omitempty"`
}

type offerResponse struct {
	SDP          string `json:"sdp"`
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

func (req offerRequest) validate() error {
	switch {
	case req.SDP == "":
		return &SignalingError{Field: "sdp", Reason: "required"}
	case req.Type == "":
		return &SignalingError{Field: "type", Reason: "required"}
	case req.Type != transport.SDPTypeOffer:
		return &SignalingError{Field: "type", Reason: fmt.Sprintf("must be %q", transport.SDPTypeOffer)}
	case req.UserID == "":
		return &SignalingError{Field: "user_id", Reason: "required"}
	case req.ChatID == "":
		return &SignalingError{Field: "chat_id", Reason: "required"}
	}
	return nil
}

func (req offerRequest) details() (domain.InterviewDetails, error) {
	if req.Interview == nil {
		return domain.InterviewDetails{}, nil
	}
	details := req.Interview.InterviewDetails
	if req.Interview.TransitionAfter != "" {
		d, err := time.ParseDuration(req.Interview.TransitionAfter)
		if err != nil || d <= 0 {
			return domain.InterviewDetails{}, &SignalingError{Field: "interview.transition_after", Reason: "must be a positive duration"}
		}
		details.TransitionAfter = d
	}
	return details, nil
}

// Offer negotiates a connection for a chat. The first offer for a chat starts
// its interview session; later offers renegotiate the live connection.
func (h *Handler) Offer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOfferBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	details, err := req.details()
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, created, err := h.connections.Resolve(r.Context(), transport.Offer{
		SessionDescription: transport.SessionDescription{SDP: req.SDP, Type: req.Type},
		UserID:             req.UserID,
		ChatID:             req.ChatID,
	})
	if err != nil {
		if errors.Is(err, transport.ErrInvalidOffer) {
			h.logger.Warn("[API] Rejected offer", "user_id", req.UserID, "chat_id", req.ChatID, "error", err)
			serr := &SignalingError{Field: "sdp", Reason: "offer could not be negotiated"}
			Error(w, http.StatusBadRequest, serr.Error())
			return
		}
		h.logger.Error("[API] Failed to resolve offer", "user_id", req.UserID, "chat_id", req.ChatID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to negotiate connection")
		return
	}

	if created {
		h.sessions.Start(conn, details)
		h.logger.Info("[API] Session started", "user_id", req.UserID, "chat_id", req.ChatID, "connection_id", conn.ID())
	} else {
		h.logger.Info("[API] Connection renegotiated", "user_id", req.UserID, "chat_id", req.ChatID, "connection_id", conn.ID())
	}

	answer := conn.Answer()
	JSON(w, http.StatusOK, offerResponse{
		SDP:          answer.SDP,
		Type:         answer.Type,
		ConnectionID: conn.ID(),
	})
}
