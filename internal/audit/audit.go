// Package audit is the append-only forensic trail of the verification
// workflow. Every state-changing operation records exactly one entry per
// attempt, including failed attempts, so support staff can reconstruct what
// happened even when the end user saw only a generic failure.
package audit

import (
	"context"
	"time"

	"matricula/pkg/domain"
)

// Action names the workflow operation that produced an entry.
type Action string

const (
	ActionUpload         Action = "upload"
	ActionBeginReview    Action = "begin_review"
	ActionAutoVerify     Action = "auto_verify"
	ActionManualApprove  Action = "manual_approve"
	ActionManualReject   Action = "manual_reject"
	ActionExpire         Action = "expire"
	ActionAppealOpen     Action = "appeal_open"
	ActionAppealResolve  Action = "appeal_resolve"
	ActionAppealWithdraw Action = "appeal_withdraw"
)

// Result records the outcome of the action.
type Result string

const (
	ResultSuccess  Result = "success"
	ResultApproved Result = "approved"
	ResultPending  Result = "pending"
	ResultDenied   Result = "denied"
	ResultError    Result = "error"
)

// Entry is one immutable audit record. Created, never mutated or deleted.
type Entry struct {
	ID         domain.AuditEntryID
	IdentityID domain.IdentityID
	Action     Action
	Result     Result
	Details    map[string]string
	// PerformedBy is empty for system actions.
	PerformedBy string
	OccurredAt  time.Time
}

// Store is the append-only persistence contract. There is deliberately no
// update or delete operation.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	// ListByIdentity returns entries newest first.
	ListByIdentity(ctx context.Context, identityID domain.IdentityID) ([]Entry, error)
}
