package protocol

import (
	"encoding/json"

	"github.com/agentctl/hub/internal/core"
)

// Request types recognized by the router.
const (
	TypeAuth                = "auth"
	TypePing                = "ping"
	TypeSendMessage         = "send_message"
	TypeReadMessages        = "read_messages"
	TypeCountUnread         = "count_unread"
	TypeListAccounts        = "list_accounts"
	TypeHandoffTask         = "handoff_task"
	TypeHandoffAccept       = "handoff_accept"
	TypeUpdateTaskStatus    = "update_task_status"
	TypeReportProgress      = "report_progress"
	TypeArchiveMessages     = "archive_messages"
	TypeGetTrust            = "get_trust"
	TypeSuggestAssignee     = "suggest_assignee"
	TypeAdaptiveSLACheck    = "adaptive_sla_check"
	TypeCheckCircuitBreaker = "check_circuit_breaker"
	TypeReinstateAgent      = "reinstate_agent"
	TypeConfigReload        = "config_reload"
	TypeHealthCheck         = "health_check"
	TypeSearchKnowledge     = "search_knowledge"
)

// Reply types.
const (
	TypeResult     = "result"
	TypeError      = "error"
	TypeAuthOK     = "auth_ok"
	TypeAuthFail   = "auth_fail"
	TypePong       = "pong"
	TypeSuperseded = "superseded"
)

// Stable error codes surfaced to clients.
const (
	CodeValidation        = "validation"
	CodeSanitizationBlock = "sanitization-block"
	CodeDepthExceeded     = "depth_exceeded"
	CodeUnauthorized      = "unauthorized"
	CodeNotFound          = "not-found"
	CodeInvalidTransition = "invalid-state-transition"
	CodeRateLimited       = "rate-limited"
	CodeDedup             = "dedup"
	CodeCircuitOpen       = "circuit-open"
	CodeTimeout           = "timeout"
	CodeIO                = "io"
	CodeInternal          = "internal"
	CodeUnknownType       = "unknown-type"
)

// Request is the generic envelope decoded from each wire line. Raw
// retains the full line so handlers can unmarshal their own params.
type Request struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`

	Raw json.RawMessage `json:"-"`
}

// ParseRequest decodes the envelope fields of a raw line.
func ParseRequest(raw json.RawMessage) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	req.Raw = raw
	return &req, nil
}

// Reply is a dynamic NDJSON reply object. Every reply carries "type"
// and "requestId".
type Reply map[string]any

// NewResult builds a result reply with the given payload fields.
func NewResult(requestID string, fields map[string]any) Reply {
	r := Reply{"type": TypeResult, "requestId": requestID}
	for k, v := range fields {
		r[k] = v
	}
	return r
}

// NewError builds a typed error reply with a stable code.
func NewError(requestID, code, msg string) Reply {
	return Reply{"type": TypeError, "requestId": requestID, "code": code, "error": msg}
}

// Per-type request parameters.

type AuthParams struct {
	Account string `json:"account"`
	Token   string `json:"token"`
}

type SendMessageParams struct {
	To      string            `json:"to"`
	Content string            `json:"content"`
	Context map[string]string `json:"context,omitempty"`
}

type ReadMessagesParams struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

type HandoffTaskParams struct {
	To      string              `json:"to"`
	Payload core.HandoffPayload `json:"payload"`
	Context map[string]string   `json:"context,omitempty"`
}

type HandoffAcceptParams struct {
	HandoffID string `json:"handoffId"`
}

type UpdateTaskStatusParams struct {
	TaskID          string `json:"taskId"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	WorkspacePath   string `json:"workspacePath,omitempty"`
	WorkspaceBranch string `json:"workspaceBranch,omitempty"`
	WorkspaceID     string `json:"workspaceId,omitempty"`
}

type ReportProgressParams struct {
	TaskID                    string   `json:"taskId"`
	Percent                   float64  `json:"percent"`
	CurrentStep               string   `json:"currentStep"`
	Blockers                  []string `json:"blockers,omitempty"`
	EstimatedRemainingMinutes float64  `json:"estimatedRemainingMinutes,omitempty"`
	ArtifactsProduced         []string `json:"artifactsProduced,omitempty"`
}

type ArchiveMessagesParams struct {
	OlderThanDays int `json:"olderThanDays"`
}

type GetTrustParams struct {
	Account string `json:"account"`
}

type SuggestAssigneeParams struct {
	RequiredSkills []string `json:"required_skills"`
	Exclude        []string `json:"exclude,omitempty"`
}

type CheckCircuitBreakerParams struct {
	Target string `json:"target"`
}

type ReinstateAgentParams struct {
	Target string `json:"target"`
}

type SearchKnowledgeParams struct {
	Query    string `json:"query"`
	Category string `json:"category,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}
