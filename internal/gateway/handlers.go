package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/medibridge/dicom-bridge/pkg/types"
)

// handleHealth handles health check requests
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
	})
}

// handleListAliases lists all alias entries
func (s *Service) handleListAliases(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"aliases": s.aliases.List(),
	})
}

// handlePutAlias creates or replaces one alias entry
func (s *Service) handlePutAlias(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	var req struct {
		PatientID string `json:"patient_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PatientID == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "patient_id is required")
		return
	}

	entry, err := s.aliases.Put(address, req.PatientID)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	s.auditAdmin(r, http.StatusOK, entry.Address)
	s.writeJSONResponse(w, http.StatusOK, entry)
}

// handleDeleteAlias removes one alias entry
func (s *Service) handleDeleteAlias(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	removed, err := s.aliases.Delete(address)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	if !removed {
		s.writeErrorResponse(w, http.StatusNotFound, "alias not found")
		return
	}
	s.auditAdmin(r, http.StatusOK, address)
	s.writeJSONResponse(w, http.StatusOK, map[string]string{"deleted": address})
}

// handleListClinics lists merged clinic configuration, credentials redacted
func (s *Service) handleListClinics(w http.ResponseWriter, r *http.Request) {
	clinics := s.clinics.List()
	out := make([]types.DicomNodeConfig, 0, len(clinics))
	for _, c := range clinics {
		out = append(out, redactClinic(c))
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"clinics": out})
}

// handleGetClinic returns one clinic's configuration
func (s *Service) handleGetClinic(w http.ResponseWriter, r *http.Request) {
	clinicID := mux.Vars(r)["id"]

	clinic, ok := s.clinics.Get(clinicID)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, "clinic not found")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, redactClinic(clinic))
}

// handlePutClinic creates or replaces one clinic's override configuration
func (s *Service) handlePutClinic(w http.ResponseWriter, r *http.Request) {
	clinicID := mux.Vars(r)["id"]

	var clinic types.DicomNodeConfig
	if err := json.NewDecoder(r.Body).Decode(&clinic); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	clinic.ClinicID = clinicID

	if err := s.clinics.Put(clinic); err != nil {
		s.writeBridgeError(w, err)
		return
	}
	s.auditAdmin(r, http.StatusOK, "")
	s.writeJSONResponse(w, http.StatusOK, redactClinic(clinic))
}

// handleDeleteClinic removes one clinic's override configuration.
// Bootstrap entries from static configuration cannot be deleted.
func (s *Service) handleDeleteClinic(w http.ResponseWriter, r *http.Request) {
	clinicID := mux.Vars(r)["id"]

	removed, err := s.clinics.Delete(clinicID)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	if !removed {
		s.writeErrorResponse(w, http.StatusNotFound, "no override configuration for clinic")
		return
	}
	s.auditAdmin(r, http.StatusOK, "")
	s.writeJSONResponse(w, http.StatusOK, map[string]string{"deleted": clinicID})
}

// handleListCopyEvents lists transfer progress records, most recent first
func (s *Service) handleListCopyEvents(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"copy_events": s.events.List(),
	})
}

// handleGetCopyEvent returns the transfer record for one request id
func (s *Service) handleGetCopyEvent(w http.ResponseWriter, r *http.Request) {
	requestID, err := strconv.ParseUint(mux.Vars(r)["requestId"], 10, 64)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid request id")
		return
	}

	event, ok := s.events.Get(requestID)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, "no copy event for request")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, event)
}

// handleReadAuditLogs returns audit entries, newest last
func (s *Service) handleReadAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	entries, err := s.audit.Read(limit)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleDicomWebConfig issues viewer configuration for one approved
// request: the gateway-relative DICOMweb root the viewer should load
// studies from. The consent gate runs here exactly as it does on the
// proxy itself.
func (s *Service) handleDicomWebConfig(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("requestId")
	if raw == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "requestId query parameter is required")
		return
	}
	requestID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid request id")
		return
	}

	req, clinic, bridgeErr := s.authorizeRequest(r, requestID)
	if bridgeErr != nil {
		s.auditDecision(r, requestID, statusForError(bridgeErr), 0, bridgeErr.Message)
		s.writeBridgeError(w, bridgeErr)
		return
	}

	s.auditDecision(r, requestID, http.StatusOK, 0, "")
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"request_id": requestID,
		"status":     req.Status.String(),
		"clinic_id":  clinic.ClinicID,
		"base_url":   fmt.Sprintf("/secure/%d", requestID),
	})
}

// handleProviderPush accepts a signed push envelope from a provider agent
func (s *Service) handleProviderPush(w http.ResponseWriter, r *http.Request) {
	var env types.PushEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.metrics.RecordPushVerification("malformed")
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.verifier.Process(r.Context(), &env)
	if err != nil {
		status := statusForError(err)
		s.metrics.RecordPushVerification("rejected")
		s.auditDecision(r, env.RequestID, status, 0, err.Error())
		s.writeBridgeError(w, err)
		return
	}

	s.metrics.RecordPushVerification("accepted")
	s.auditDecision(r, env.RequestID, http.StatusOK, 0, "")
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"request_id":    env.RequestID,
		"manifest_hash": result.ManifestHash,
		"succeeded":     len(result.Manifest.Success),
		"failed":        len(result.Manifest.Failed),
		"confirmation":  result.Confirmation,
	})
}

// authorizeRequest runs the consent gate: the request must exist on the
// ledger with status patient-approved or fulfilled, and its requester
// clinic must be one this gateway operates for. Evaluated on every call.
func (s *Service) authorizeRequest(r *http.Request, requestID uint64) (*types.AccessRequest, types.DicomNodeConfig, *types.BridgeError) {
	req, err := s.reader.Request(r.Context(), requestID)
	if err != nil {
		s.metrics.RecordConsentDenial("ledger_error")
		return nil, types.DicomNodeConfig{}, types.NewExternalError(types.ErrCodeExternalError, "ledger lookup failed", err)
	}
	if req.Status != types.StatusPatientApproved && req.Status != types.StatusFulfilled {
		s.metrics.RecordConsentDenial("not_approved")
		return nil, types.DicomNodeConfig{}, types.NewAuthorizationError(types.ErrCodeConsentRequired,
			"request status is "+req.Status.String())
	}

	clinic, ok := s.clinics.FindByKey(req.RequesterKey)
	if !ok || !s.clinics.Operated(clinic.ClinicID) {
		s.metrics.RecordConsentDenial("not_operated")
		return nil, types.DicomNodeConfig{}, types.NewAuthorizationError(types.ErrCodeForbidden,
			"requester clinic is not operated by this gateway")
	}
	return req, clinic, nil
}

// auditAdmin records one admin mutation
func (s *Service) auditAdmin(r *http.Request, status int, patientRef string) {
	entry := types.AuditLogEntry{
		Method:   r.Method,
		Path:     r.URL.Path,
		Status:   status,
		ClientIP: clientIP(r),
	}
	if patientRef != "" {
		entry.PatientRefs = []string{patientRef}
	}
	if principal, ok := principalFrom(r.Context()); ok {
		entry.Subject = principal.Subject
		entry.Roles = principal.Roles
	}
	s.audit.Record(entry)
}

// auditDecision records one request-scoped gateway decision
func (s *Service) auditDecision(r *http.Request, requestID uint64, status, upstreamStatus int, errMsg string) {
	entry := types.AuditLogEntry{
		Method:         r.Method,
		Path:           r.URL.Path,
		RequestID:      requestID,
		Status:         status,
		UpstreamStatus: upstreamStatus,
		Error:          errMsg,
		ClientIP:       clientIP(r),
	}
	if principal, ok := principalFrom(r.Context()); ok {
		entry.Subject = principal.Subject
		entry.Roles = principal.Roles
	}
	s.audit.Record(entry)
}

// redactClinic strips credentials from API responses
func redactClinic(c types.DicomNodeConfig) types.DicomNodeConfig {
	c.Password = ""
	return c
}

// writeJSONResponse writes a JSON response
func (s *Service) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithComponent("gateway").WithError(err).Error("Failed to encode JSON response")
	}
}

// writeErrorResponse writes a structured error body for a plain message
func (s *Service) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSONResponse(w, statusCode, &types.BridgeError{
		Type:    errorTypeForStatus(statusCode),
		Code:    http.StatusText(statusCode),
		Message: message,
	})
}

// writeBridgeError maps a workflow error onto its HTTP status
func (s *Service) writeBridgeError(w http.ResponseWriter, err error) {
	var bridgeErr *types.BridgeError
	if !errors.As(err, &bridgeErr) {
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSONResponse(w, statusForError(bridgeErr), bridgeErr)
}

// statusForError maps error categories onto HTTP status codes
func statusForError(err error) int {
	var bridgeErr *types.BridgeError
	if !errors.As(err, &bridgeErr) {
		return http.StatusInternalServerError
	}
	switch bridgeErr.Type {
	case types.ErrorTypeValidation:
		return http.StatusBadRequest
	case types.ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case types.ErrorTypeAuthorization:
		return http.StatusForbidden
	case types.ErrorTypeNotFound:
		return http.StatusNotFound
	case types.ErrorTypeConflict:
		return http.StatusConflict
	case types.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case types.ErrorTypeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorTypeForStatus(statusCode int) types.ErrorType {
	switch statusCode {
	case http.StatusBadRequest:
		return types.ErrorTypeValidation
	case http.StatusUnauthorized:
		return types.ErrorTypeAuthentication
	case http.StatusForbidden, http.StatusTooManyRequests:
		return types.ErrorTypeAuthorization
	case http.StatusNotFound:
		return types.ErrorTypeNotFound
	case http.StatusConflict:
		return types.ErrorTypeConflict
	default:
		return types.ErrorTypeInternal
	}
}
