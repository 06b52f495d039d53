package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ledgerline/be-approval-engine/internal/repository"
	"github.com/ledgerline/be-approval-engine/internal/service"
)

// DirectoryClient resolves approver eligibility against the organization
// directory service, implementing service.ActorAuthorizer. It is consulted
// only for rules without an explicit eligible-actor set.
type DirectoryClient struct {
	baseURL string
	http    *http.Client
}

// NewDirectoryClient creates a directory client with the given base URL.
func NewDirectoryClient(baseURL string, timeout time.Duration) *DirectoryClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DirectoryClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type eligibilityRequest struct {
	ActorID      string `json:"actor_id"`
	RuleCode     string `json:"rule_code"`
	ApprovalType string `json:"approval_type"`
	DocumentType string `json:"document_type"`
	DocumentID   int64  `json:"document_id"`
	StepSequence int    `json:"step_sequence"`
	Amount       int64  `json:"amount"`
}

type eligibilityResponse struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// IsEligible asks the directory service whether the actor may vote on the
// step governed by the rule.
func (c *DirectoryClient) IsEligible(ctx context.Context, actorID string, rule *repository.ApprovalRule, step service.StepContext) (bool, error) {
	reqBody := eligibilityRequest{
		ActorID:      actorID,
		RuleCode:     rule.RuleCode,
		ApprovalType: rule.ApprovalType,
		DocumentType: step.DocumentType,
		DocumentID:   step.DocumentID,
		StepSequence: step.StepSequence,
		Amount:       step.Amount,
	}

	var resp eligibilityResponse
	if err := c.postJSON(ctx, "/api/v1/approvers/eligibility", reqBody, &resp); err != nil {
		return false, fmt.Errorf("checking approver eligibility: %w", err)
	}
	return resp.Eligible, nil
}

func (c *DirectoryClient) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("directory service returned %d: %s", resp.StatusCode, string(b))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
