package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RequestStatus mirrors the consent contract's request lifecycle enum.
type RequestStatus uint8

const (
	StatusRequested RequestStatus = iota
	StatusPatientApproved
	StatusFulfilled
	StatusExpired
	StatusCanceled
)

// String returns a human-readable status name
func (s RequestStatus) String() string {
	switch s {
	case StatusRequested:
		return "requested"
	case StatusPatientApproved:
		return "patient_approved"
	case StatusFulfilled:
		return "fulfilled"
	case StatusExpired:
		return "expired"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status admits no further transitions
func (s RequestStatus) Terminal() bool {
	return s == StatusFulfilled || s == StatusExpired || s == StatusCanceled
}

// AccessRequest is the read-only view of one consent request on the ledger.
// Mutation happens exclusively through ledger transactions issued by the
// fulfillment signer; this process never writes it directly.
type AccessRequest struct {
	ID           uint64         `json:"id"`
	Patient      common.Address `json:"patient"`
	ProviderKey  [32]byte       `json:"provider_key"`
	RequesterKey [32]byte       `json:"requester_key"`
	Status       RequestStatus  `json:"status"`
	ManifestHash [32]byte       `json:"manifest_hash"`
}

// AliasEntry maps a checksummed wallet address to an opaque patient identifier
type AliasEntry struct {
	Address   string    `json:"address"`
	PatientID string    `json:"patient_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DicomNodeConfig describes one clinic's imaging endpoints and credentials.
// Bootstrap values come from static configuration; admin API writes are
// merged on top and take precedence on conflict.
type DicomNodeConfig struct {
	ClinicID     string `json:"clinic_id" mapstructure:"clinic_id"`
	RestURL      string `json:"rest_url" mapstructure:"rest_url"`
	DicomWebURL  string `json:"dicom_web_url" mapstructure:"dicom_web_url"`
	Username     string `json:"username" mapstructure:"username"`
	Password     string `json:"password" mapstructure:"password"`
	TransferMode string `json:"transfer_mode" mapstructure:"transfer_mode"`
	Operator     string `json:"operator" mapstructure:"operator"`
	Operated     bool   `json:"operated" mapstructure:"operated"`
}

// PushMode reports whether transfers from this clinic arrive as signed
// provider pushes instead of being pulled by the engine
func (c *DicomNodeConfig) PushMode() bool {
	return c.TransferMode == "push"
}

// CopyStatus is the per-request transfer state
type CopyStatus string

const (
	CopyStatusPending   CopyStatus = "pending"
	CopyStatusCopying   CopyStatus = "copying"
	CopyStatusCompleted CopyStatus = "completed"
	CopyStatusPartial   CopyStatus = "partial"
	CopyStatusError     CopyStatus = "error"
)

// InstanceFailure records one instance that could not be transferred
type InstanceFailure struct {
	InstanceID string `json:"instance_id"`
	Message    string `json:"message"`
}

// CopyEvent tracks the progress of one request's transfer.
// pending -> copying -> {completed | partial | error}; error is reachable
// from any state on an unrecoverable exception.
type CopyEvent struct {
	RequestID    uint64            `json:"request_id"`
	Status       CopyStatus        `json:"status"`
	Total        int               `json:"total"`
	Succeeded    int               `json:"succeeded"`
	Failed       int               `json:"failed"`
	Failures     []InstanceFailure `json:"failures,omitempty"`
	ManifestHash string            `json:"manifest_hash,omitempty"`
	Error        string            `json:"error,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// PendingPush parks an approved push-mode request until the provider's
// signed envelope arrives. One entry per request id; consumed on the first
// matching envelope whether or not processing succeeds.
type PendingPush struct {
	RequestID uint64    `json:"request_id"`
	ProviderID string   `json:"provider_id"`
	Patient   string    `json:"patient"`
	PatientID string    `json:"patient_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PushInstance is one imaging instance inside a provider push envelope.
// Payload carries the base64-encoded DICOM bytes, treated as opaque.
type PushInstance struct {
	InstanceID string `json:"instance_id"`
	StudyUID   string `json:"study_uid,omitempty"`
	SeriesUID  string `json:"series_uid,omitempty"`
	Payload    string `json:"payload"`
}

// PushEnvelope is the signed payload a provider agent posts for a
// push-mode transfer. Signature is a 65-byte hex secp256k1 signature over
// the envelope's signing message.
type PushEnvelope struct {
	ClinicID  string         `json:"clinic_id"`
	RequestID uint64         `json:"request_id"`
	Expiry    int64          `json:"expiry"`
	Instances []PushInstance `json:"instances"`
	Signature string         `json:"signature"`
}

// AuditLogEntry is the immutable record of one gateway decision
type AuditLogEntry struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	RequestID      uint64    `json:"request_id,omitempty"`
	PatientRefs    []string  `json:"patient_refs,omitempty"`
	Status         int       `json:"status"`
	UpstreamStatus int       `json:"upstream_status,omitempty"`
	Error          string    `json:"error,omitempty"`
	Subject        string    `json:"subject,omitempty"`
	Roles          []string  `json:"roles,omitempty"`
	ClientIP       string    `json:"client_ip,omitempty"`
}

// Principal is derived per request from a verified bearer token
type Principal struct {
	Subject  string
	Roles    []string
	ClinicID string
	Claims   map[string]interface{}
}

// HasRole reports whether the principal carries the given role
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Gateway roles
const (
	RoleAdministrator = "administrator"
	RoleReader        = "reader"
	RoleViewer        = "viewer"
	RolePushAgent     = "push-agent"
)
