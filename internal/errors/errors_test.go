package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeNotFound, CodeOf(NotFound("approval_rule", "r1")))
	assert.Equal(t, ErrCodeInvalidInput, CodeOf(InvalidInput("amount", "must not be negative")))
	assert.Equal(t, ErrCodeInternal, CodeOf(fmt.Errorf("some driver error")))
}

func TestWrapPreservesChain(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(cause, ErrCodeInternal, "failed to query approval rules")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "failed to query approval rules")
}

func TestCodeSurvivesWrapping(t *testing.T) {
	inner := Newf(ErrCodeDuplicateAction, "actor %s already acted", "mgr-01")
	outer := fmt.Errorf("recording action: %w", inner)

	assert.Equal(t, ErrCodeDuplicateAction, CodeOf(outer))
	assert.True(t, Is(outer, ErrCodeDuplicateAction))
	assert.False(t, Is(outer, ErrCodeNotFound))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		ErrCodeNotFound:           http.StatusNotFound,
		ErrCodeNoApprovalPath:     http.StatusNotFound,
		ErrCodeDuplicateWorkflow:  http.StatusConflict,
		ErrCodeWorkflowNotPending: http.StatusConflict,
		ErrCodeDuplicateAction:    http.StatusConflict,
		ErrCodeUnauthorized:       http.StatusForbidden,
		ErrCodeInvalidInput:       http.StatusBadRequest,
		ErrCodeMissingReason:      http.StatusBadRequest,
		ErrCodeEscalationTarget:   http.StatusUnprocessableEntity,
		ErrCodeInternal:           http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), string(code))
	}
}
