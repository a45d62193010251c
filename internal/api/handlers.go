// Package api provides HTTP handlers for Secretaria endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/saudezap/secretaria/internal/inbound"
	"github.com/saudezap/secretaria/internal/models"
)

// inboundHandler runs the full intake pipeline for one webhook delivery:
// normalize, guard, extract, advance the dialogue, dispatch at most one reply.
func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.inboundHandler: processing webhook delivery", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.inboundHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		slog.Warn("Server.inboundHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	msg, err := inbound.Normalize(payload)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientData) {
			slog.Warn("Server.inboundHandler: unresolvable payload shape")
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.inboundHandler: normalization failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	outcome, err := s.pipeline.Process(r.Context(), msg, time.Now())
	if err != nil {
		slog.Error("Server.inboundHandler: pipeline failed", "error", err, "phone", msg.Phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}
	if outcome.Ignored != "" {
		writeJSONResponse(w, http.StatusOK, models.IgnoredResponse(outcome.Ignored))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.APIResponse{
		OK:        true,
		Record:    outcome.Record,
		Extracted: outcome.Extracted,
	})
}

// paymentCallbackRequest is the payment-provider confirmation payload. Provider
// parameters beyond these are opaque and ignored.
type paymentCallbackRequest struct {
	Phone   string `json:"phone"`
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

func (s *Server) paymentCallbackHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.paymentCallbackHandler: processing callback", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req paymentCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.paymentCallbackHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	phone, err := inbound.CanonicalizePhone(req.Phone)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	rec, err := s.regs.Get(phone)
	if err != nil {
		slog.Error("Server.paymentCallbackHandler: failed to load record", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load registration"))
		return
	}
	if rec == nil || rec.Payment == nil {
		slog.Warn("Server.paymentCallbackHandler: no payment awaiting confirmation", "phone", phone)
		writeJSONResponse(w, http.StatusNotFound, models.Error("No payment found for phone"))
		return
	}
	if req.OrderID != "" && req.OrderID != rec.Payment.OrderID {
		slog.Warn("Server.paymentCallbackHandler: order id mismatch", "phone", phone, "order_id", req.OrderID)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown order"))
		return
	}

	status := req.Status
	if status == "" {
		status = "confirmed"
	}
	updated, err := s.regs.Upsert(phone, func(rec *models.RegistrationRecord) error {
		if rec.Payment == nil {
			return errors.New("payment vanished during confirmation")
		}
		rec.Payment.Status = status
		rec.Status = models.RegistrationCreated
		if rec.CompletedAt == 0 {
			rec.CompletedAt = time.Now().Unix()
		}
		return nil
	})
	if err != nil {
		slog.Error("Server.paymentCallbackHandler: failed to confirm payment", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to confirm payment"))
		return
	}

	// Confirmation send is best effort; the durable state already reflects
	// the payment.
	if err := s.msgService.SendMessage(r.Context(), phone, "Pagamento confirmado! Seu cadastro está finalizado."); err != nil {
		slog.Error("Server.paymentCallbackHandler: confirmation send failed", "error", err, "phone", phone)
	}

	slog.Info("Server.paymentCallbackHandler: payment confirmed", "phone", phone, "status", status)
	writeJSONResponse(w, http.StatusOK, models.APIResponse{OK: true, Record: updated})
}

// sendRequest is the staff direct-send payload.
type sendRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.sendHandler: processing send request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.sendHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sendHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Message == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: message"))
		return
	}

	phone, err := s.msgService.ValidateAndCanonicalizeRecipient(req.Phone)
	if err != nil {
		slog.Warn("Server.sendHandler: recipient validation failed", "error", err, "original_to", req.Phone)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.msgService.SendMessage(r.Context(), phone, req.Message); err != nil {
		slog.Error("Server.sendHandler: failed to send message", "error", err, "to", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send message"))
		return
	}

	slog.Info("Server.sendHandler: message sent successfully", "to", phone)
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// registerRequest is the staff pre-registration payload.
type registerRequest struct {
	Phone string `json:"phone"`
}

func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.registerHandler: processing registration request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.registerHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	phone, err := inbound.CanonicalizePhone(req.Phone)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	rec, err := s.regs.Upsert(phone, func(rec *models.RegistrationRecord) error {
		if rec.InitiatedBy == "" {
			rec.InitiatedBy = "staff"
		}
		return nil
	})
	if err != nil {
		slog.Error("Server.registerHandler: failed to create registration", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create registration"))
		return
	}

	slog.Info("Server.registerHandler: registration created", "phone", phone)
	writeJSONResponse(w, http.StatusCreated, models.APIResponse{OK: true, Record: rec})
}

func (s *Server) listRegistrationsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.listRegistrationsHandler: listing registrations", "method", r.Method)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	records, err := s.regs.List()
	if err != nil {
		slog.Error("Server.listRegistrationsHandler: failed to list registrations", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list registrations"))
		return
	}
	slog.Debug("Server.listRegistrationsHandler: registrations fetched", "count", len(records))
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

func (s *Server) pingHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success("pong"))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := s.regs.List(); err != nil {
		slog.Warn("Health check: store unavailable", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to reach registration store"
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}
