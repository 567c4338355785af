package gateway

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// hopByHopHeaders are never forwarded from upstream per RFC 7230. CORS
// headers are also dropped because the gateway sets its own.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// binaryRetrievalPath reports whether a DICOMweb path fetches binary
// content. Searches and metadata reads get JSON; instance and frame
// retrievals get multipart DICOM.
func binaryRetrievalPath(path string) bool {
	if strings.HasSuffix(path, "/metadata") {
		return false
	}
	return strings.Contains(path, "/frames/") ||
		(strings.Contains(path, "/instances/") && !strings.HasSuffix(path, "/instances"))
}

// handleSecureProxy forwards a DICOMweb request to the requester clinic's
// imaging endpoint after re-evaluating the consent gate. The request id
// segment is stripped; the remaining path, query and Accept header pass
// through unchanged. One audit entry is written per call, denied or not.
func (s *Service) handleSecureProxy(w http.ResponseWriter, r *http.Request) {
	requestID, err := strconv.ParseUint(mux.Vars(r)["requestId"], 10, 64)
	if err != nil {
		s.auditDecision(r, 0, http.StatusBadRequest, 0, "invalid request id")
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid request id")
		return
	}

	_, clinic, bridgeErr := s.authorizeRequest(r, requestID)
	if bridgeErr != nil {
		status := statusForError(bridgeErr)
		s.auditDecision(r, requestID, status, 0, bridgeErr.Message)
		s.writeBridgeError(w, bridgeErr)
		return
	}

	prefix := "/secure/" + strconv.FormatUint(requestID, 10)
	upstreamPath := strings.TrimPrefix(r.URL.Path, prefix)
	if upstreamPath == "" {
		upstreamPath = "/"
	}

	upstreamURL := strings.TrimSuffix(clinic.DicomWebURL, "/") + upstreamPath
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, nil)
	if err != nil {
		s.auditDecision(r, requestID, http.StatusInternalServerError, 0, err.Error())
		s.writeErrorResponse(w, http.StatusInternalServerError, "failed to build upstream request")
		return
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	} else if binaryRetrievalPath(upstreamPath) {
		req.Header.Set("Accept", `multipart/related; type="application/dicom"`)
	} else {
		req.Header.Set("Accept", "application/dicom+json")
	}
	if clinic.Username != "" {
		req.SetBasicAuth(clinic.Username, clinic.Password)
	}

	start := time.Now()
	resp, err := s.upstream.Do(req)
	if err != nil {
		s.logger.WithRequestID(requestID).WithError(err).Error("Upstream DICOMweb call failed")
		s.auditDecision(r, requestID, http.StatusBadGateway, 0, err.Error())
		s.writeErrorResponse(w, http.StatusBadGateway, "imaging endpoint unavailable")
		return
	}
	defer resp.Body.Close()
	s.metrics.RecordProxyUpstream(resp.StatusCode, time.Since(start))

	for key, values := range resp.Header {
		if hopByHopHeaders[http.CanonicalHeaderKey(key)] || strings.HasPrefix(key, "Access-Control-") {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.WithRequestID(requestID).WithError(err).Warn("Proxy body copy interrupted")
	}

	s.auditDecision(r, requestID, resp.StatusCode, resp.StatusCode, "")
}
