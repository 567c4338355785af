package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medibridge/dicom-bridge/internal/audit"
	"github.com/medibridge/dicom-bridge/internal/ledger"
	"github.com/medibridge/dicom-bridge/internal/store"
	"github.com/medibridge/dicom-bridge/pkg/config"
	"github.com/medibridge/dicom-bridge/pkg/logger"
	"github.com/medibridge/dicom-bridge/pkg/types"
)

// fakeLedger serves requests from a fixed map
type fakeLedger struct {
	requests map[uint64]*types.AccessRequest
}

func (f *fakeLedger) HeadBlock(ctx context.Context) (uint64, error) { return 0, nil }

func (f *fakeLedger) Request(ctx context.Context, id uint64) (*types.AccessRequest, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, fmt.Errorf("no request %d", id)
	}
	return req, nil
}

func (f *fakeLedger) ClinicOperator(ctx context.Context, clinicKey [32]byte) (common.Address, error) {
	return common.Address{}, nil
}

func (f *fakeLedger) ApprovalEvents(ctx context.Context, fromBlock, toBlock uint64) ([]ledger.Approval, error) {
	return nil, nil
}

func newTestService(t *testing.T, reader ledger.Reader, clinics *store.ClinicStore) *Service {
	t.Helper()

	cfg := &config.Config{
		Auth:     testAuthConfig(),
		Transfer: config.TransferConfig{HTTPTimeout: 5},
	}

	if clinics == nil {
		clinics = store.NewClinicStore(filepath.Join(t.TempDir(), "clinics.json"), nil)
	}

	svc, err := NewService(cfg, Deps{
		Aliases: store.NewAliasStore(filepath.Join(t.TempDir(), "aliases.json")),
		Clinics: clinics,
		Events:  store.NewCopyEventStore(10, nil),
		Reader:  reader,
		Audit:   audit.New(config.AuditConfig{Path: filepath.Join(t.TempDir(), "audit.log")}, logger.New("error")),
	}, logger.New("error"))
	require.NoError(t, err)
	return svc
}

func doRequest(t *testing.T, svc *Service, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)
	return rec
}

func tokenWithRoles(t *testing.T, clinicID string, roles ...string) string {
	t.Helper()
	claims := baseClaims()
	claims["roles"] = roles
	if clinicID != "" {
		claims["clinic_id"] = clinicID
	} else {
		delete(claims, "clinic_id")
	}
	return mintToken(t, "k1", claims)
}

func TestService_HealthIsOpen(t *testing.T) {
	svc := newTestService(t, &fakeLedger{}, nil)

	rec := doRequest(t, svc, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestService_MissingTokenRejected(t *testing.T) {
	svc := newTestService(t, &fakeLedger{}, nil)

	rec := doRequest(t, svc, "GET", "/aliases", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestService_RoleEnforcement(t *testing.T) {
	svc := newTestService(t, &fakeLedger{}, nil)

	rec := doRequest(t, svc, "GET", "/aliases", tokenWithRoles(t, "", types.RoleViewer), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, svc, "GET", "/aliases", tokenWithRoles(t, "", types.RoleAdministrator), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestService_AliasLifecycle(t *testing.T) {
	svc := newTestService(t, &fakeLedger{}, nil)
	admin := tokenWithRoles(t, "", types.RoleAdministrator)
	address := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

	body, _ := json.Marshal(map[string]string{"patient_id": "patient-001"})
	rec := doRequest(t, svc, "PUT", "/aliases/"+address, admin, body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, svc, "GET", "/aliases", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "patient-001")

	rec = doRequest(t, svc, "DELETE", "/aliases/"+address, admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, svc, "DELETE", "/aliases/"+address, admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestService_ClinicSelfAccess(t *testing.T) {
	clinics := store.NewClinicStore(filepath.Join(t.TempDir(), "clinics.json"), []types.DicomNodeConfig{
		{ClinicID: "clinic-a", RestURL: "http://a.example", Password: "hunter2"},
		{ClinicID: "clinic-b", RestURL: "http://b.example"},
	})
	svc := newTestService(t, &fakeLedger{}, clinics)

	own := tokenWithRoles(t, "clinic-a", types.RoleViewer)
	rec := doRequest(t, svc, "GET", "/clinics/config/clinic-a", own, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2", "credentials must be redacted")

	rec = doRequest(t, svc, "GET", "/clinics/config/clinic-b", own, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin := tokenWithRoles(t, "", types.RoleAdministrator)
	rec = doRequest(t, svc, "GET", "/clinics/config/clinic-b", admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestService_SecureProxyConsentGate(t *testing.T) {
	var upstreamCalls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
		assert.Equal(t, "/studies", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "bridge", user)
		assert.Equal(t, "secret", pass)
		w.Header().Set("Content-Type", "application/dicom+json")
		w.Write([]byte(`[{"0020000D":{"Value":["1.2.3"]}}]`))
	}))
	defer upstream.Close()

	clinics := store.NewClinicStore(filepath.Join(t.TempDir(), "clinics.json"), []types.DicomNodeConfig{
		{ClinicID: "clinic-b", DicomWebURL: upstream.URL, Username: "bridge", Password: "secret", Operated: true},
	})
	reader := &fakeLedger{requests: map[uint64]*types.AccessRequest{
		7: {ID: 7, Status: types.StatusRequested, RequesterKey: ledger.ClinicKey("clinic-b")},
		8: {ID: 8, Status: types.StatusPatientApproved, RequesterKey: ledger.ClinicKey("clinic-b")},
	}}
	svc := newTestService(t, reader, clinics)
	viewer := tokenWithRoles(t, "clinic-b", types.RoleViewer)

	rec := doRequest(t, svc, "GET", "/secure/7/studies", viewer, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, upstreamCalls, "denied requests must never reach the imaging endpoint")

	rec = doRequest(t, svc, "GET", "/secure/8/studies", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, upstreamCalls)
	assert.Contains(t, rec.Body.String(), "1.2.3")
	assert.Equal(t, "application/dicom+json", rec.Header().Get("Content-Type"))
}

func TestService_SecureProxyRequiresOperatedClinic(t *testing.T) {
	clinics := store.NewClinicStore(filepath.Join(t.TempDir(), "clinics.json"), []types.DicomNodeConfig{
		{ClinicID: "clinic-b", DicomWebURL: "http://b.example", Operated: false},
	})
	reader := &fakeLedger{requests: map[uint64]*types.AccessRequest{
		8: {ID: 8, Status: types.StatusPatientApproved, RequesterKey: ledger.ClinicKey("clinic-b")},
	}}
	svc := newTestService(t, reader, clinics)

	rec := doRequest(t, svc, "GET", "/secure/8/studies", tokenWithRoles(t, "clinic-b", types.RoleViewer), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestService_DicomWebConfig(t *testing.T) {
	clinics := store.NewClinicStore(filepath.Join(t.TempDir(), "clinics.json"), []types.DicomNodeConfig{
		{ClinicID: "clinic-b", DicomWebURL: "http://b.example", Operated: true},
	})
	reader := &fakeLedger{requests: map[uint64]*types.AccessRequest{
		8: {ID: 8, Status: types.StatusPatientApproved, RequesterKey: ledger.ClinicKey("clinic-b")},
	}}
	svc := newTestService(t, reader, clinics)

	rec := doRequest(t, svc, "GET", "/dicom-web-config?requestId=8", tokenWithRoles(t, "clinic-b", types.RoleViewer), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		BaseURL  string `json:"base_url"`
		Status   string `json:"status"`
		ClinicID string `json:"clinic_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "/secure/8", resp.BaseURL)
	assert.Equal(t, "patient_approved", resp.Status)
	assert.Equal(t, "clinic-b", resp.ClinicID)

	rec = doRequest(t, svc, "GET", "/dicom-web-config?requestId=999", tokenWithRoles(t, "clinic-b", types.RoleViewer), nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestService_ProviderPushMalformedBody(t *testing.T) {
	svc := newTestService(t, &fakeLedger{}, nil)

	rec := doRequest(t, svc, "POST", "/provider-push", tokenWithRoles(t, "", types.RolePushAgent), []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestService_CopyEventsEndpoint(t *testing.T) {
	svc := newTestService(t, &fakeLedger{}, nil)
	svc.events.Start(42)

	reader := tokenWithRoles(t, "", types.RoleReader)
	rec := doRequest(t, svc, "GET", "/copy-events/42", reader, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var event types.CopyEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))
	assert.Equal(t, uint64(42), event.RequestID)

	rec = doRequest(t, svc, "GET", "/copy-events/99", reader, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestService_AuditLogsEndpoint(t *testing.T) {
	svc := newTestService(t, &fakeLedger{}, nil)
	admin := tokenWithRoles(t, "", types.RoleAdministrator)
	address := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

	body, _ := json.Marshal(map[string]string{"patient_id": "patient-001"})
	rec := doRequest(t, svc, "PUT", "/aliases/"+address, admin, body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, svc, "GET", "/audit-logs", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Entries []types.AuditLogEntry `json:"entries"`
		Count   int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.GreaterOrEqual(t, resp.Count, 1)
	assert.Equal(t, "PUT", resp.Entries[0].Method)
}

func TestService_RateLimitEnforced(t *testing.T) {
	cfg := &config.Config{
		Auth:      testAuthConfig(),
		Transfer:  config.TransferConfig{HTTPTimeout: 5},
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMin: 2},
	}
	svc, err := NewService(cfg, Deps{
		Aliases: store.NewAliasStore(filepath.Join(t.TempDir(), "aliases.json")),
		Clinics: store.NewClinicStore(filepath.Join(t.TempDir(), "clinics.json"), nil),
		Events:  store.NewCopyEventStore(10, nil),
		Reader:  &fakeLedger{},
		Audit:   audit.New(config.AuditConfig{Path: filepath.Join(t.TempDir(), "audit.log")}, logger.New("error")),
	}, logger.New("error"))
	require.NoError(t, err)

	admin := tokenWithRoles(t, "", types.RoleAdministrator)
	for i := 0; i < 2; i++ {
		rec := doRequest(t, svc, "GET", "/aliases", admin, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := doRequest(t, svc, "GET", "/aliases", admin, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
