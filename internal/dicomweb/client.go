package dicomweb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/medibridge/dicom-bridge/pkg/logger"
	"github.com/medibridge/dicom-bridge/pkg/types"
)

// Client speaks the imaging server's REST API for one clinic node.
// DICOM payloads are treated as opaque byte blobs throughout.
type Client struct {
	node   types.DicomNodeConfig
	http   *http.Client
	logger *logger.Logger
}

// NewClient creates a client for one clinic's imaging node
func NewClient(node types.DicomNodeConfig, timeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		node:   node,
		http:   &http.Client{Timeout: timeout},
		logger: log,
	}
}

// findResult is one match returned by the node's search endpoint
type findResult struct {
	ID   string `json:"ID"`
	Type string `json:"Type"`
}

// FindInstances searches the node for all instance identifiers belonging
// to a patient
func (c *Client) FindInstances(ctx context.Context, patientID string) ([]string, error) {
	query := map[string]interface{}{
		"Level": "Instance",
		"Query": map[string]string{
			"PatientID": patientID,
		},
	}

	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to encode find query: %w", err)
	}

	data, err := c.do(ctx, http.MethodPost, "/tools/find", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	// The search endpoint returns either bare identifiers or expanded
	// result objects depending on server version.
	var ids []string
	if err := json.Unmarshal(data, &ids); err == nil {
		return ids, nil
	}

	var results []findResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, types.NewExternalError(types.ErrCodeExternalError, "unexpected find response shape", err)
	}
	ids = make([]string, 0, len(results))
	for _, result := range results {
		ids = append(ids, result.ID)
	}
	return ids, nil
}

// FetchInstance retrieves the raw DICOM bytes of one instance
func (c *Client) FetchInstance(ctx context.Context, instanceID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/instances/"+instanceID+"/file", "", nil)
}

// LookupAndFetch resolves an instance by its SOP instance UID and fetches
// it. This is the fallback path when direct retrieval by node identifier
// fails, typically after the node re-indexed its storage.
func (c *Client) LookupAndFetch(ctx context.Context, sopInstanceUID string) ([]byte, error) {
	data, err := c.do(ctx, http.MethodPost, "/tools/lookup", "text/plain", strings.NewReader(sopInstanceUID))
	if err != nil {
		return nil, err
	}

	var results []findResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, types.NewExternalError(types.ErrCodeExternalError, "unexpected lookup response shape", err)
	}

	for _, result := range results {
		if result.Type == "Instance" {
			return c.FetchInstance(ctx, result.ID)
		}
	}
	return nil, types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("no instance found for SOP UID %s", sopInstanceUID))
}

// UploadInstance stores raw DICOM bytes on the node
func (c *Client) UploadInstance(ctx context.Context, payload []byte) error {
	_, err := c.do(ctx, http.MethodPost, "/instances", "application/dicom", bytes.NewReader(payload))
	return err
}

// do executes one node request with the clinic's credentials
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.node.RestURL, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build node request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.node.Username != "" {
		req.SetBasicAuth(c.node.Username, c.node.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, types.NewExternalError(types.ErrCodeExternalError,
			fmt.Sprintf("node request %s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewExternalError(types.ErrCodeExternalError, "failed to read node response", err)
	}

	if resp.StatusCode >= 400 {
		return nil, types.NewExternalError(types.ErrCodeExternalError,
			fmt.Sprintf("node returned %d for %s %s", resp.StatusCode, method, path), nil)
	}
	return data, nil
}
