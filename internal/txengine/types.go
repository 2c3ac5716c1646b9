// Package txengine owns the transaction queue and drives each
// transaction from draft through approval, signing, and broadcast to a
// terminal status, with a background receipt tracker per broadcast
// transaction.
package txengine

import (
	"time"

	"github.com/keelwallet/keel/internal/network"
	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// Status is a transaction's lifecycle state.
type Status string

// Lifecycle states. A transaction starts pending and never re-enters
// it; confirmed, failed, and replaced are terminal.
const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusSigned    Status = "signed"
	StatusBroadcast Status = "broadcast"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusReplaced  Status = "replaced"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusReplaced:
		return true
	default:
		return false
	}
}

// TxRequest is the caller-submitted transaction payload. Quantity
// fields are hex-encoded per the JSON-RPC convention; empty fields are
// resolved by the namespace adapter while drafting.
type TxRequest struct {
	From                 string `json:"from,omitempty"`
	To                   string `json:"to,omitempty"`
	Value                string `json:"value,omitempty"`
	Data                 string `json:"data,omitempty"`
	Nonce                string `json:"nonce,omitempty"`
	Gas                  string `json:"gas,omitempty"`
	GasPrice             string `json:"gasPrice,omitempty"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
}

// Issue is a data-carrying diagnostic discovered while drafting. An
// issue blocks approval UX-side but never crashes the engine.
type Issue struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Issue codes produced by drafting.
const (
	IssueDraftFailed       = "draft_failed"
	IssueGasZero           = "gas_zero"
	IssueGasEstimateFailed = "gas_estimate_failed"
	IssueInsufficientFunds = "insufficient_funds"
	IssueFeeConflict       = "fee_conflict"
	IssueInvalidQuantity   = "invalid_quantity"
	IssueInvalidAddress    = "invalid_address"
	IssueChecksumMismatch  = "checksum_mismatch"
)

// Receipt is the chain's record of an executed transaction.
type Receipt struct {
	TxHash      string `json:"transactionHash"`
	BlockHash   string `json:"blockHash"`
	BlockNumber string `json:"blockNumber"`
	GasUsed     string `json:"gasUsed"`
	Status      string `json:"status"`
}

// Succeeded reports whether the receipt marks on-chain success.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == "0x1"
}

// MetaError is the terminal error attached to a failed transaction.
type MetaError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RPCCode      int    `json:"rpcCode,omitempty"`
	UserRejected bool   `json:"userRejected,omitempty"`
}

// metaErrorFrom normalizes an error into the stored form.
func metaErrorFrom(err error) *MetaError {
	if err == nil {
		return nil
	}
	me := &MetaError{
		Code:         keelerr.Code(err),
		Message:      err.Error(),
		UserRejected: keelerr.IsUserRejection(err),
	}
	var ke *keelerr.KeelError
	if keelerr.As(err, &ke) {
		me.RPCCode = ke.RPCCode
	}
	return me
}

// Meta is a transaction's full record. It is owned exclusively by the
// engine; callers only ever see clones.
type Meta struct {
	ID        string            `json:"id"`
	Namespace network.Namespace `json:"namespace"`
	ChainRef  network.Ref       `json:"chainRef"`
	Origin    string            `json:"origin"`
	From      string            `json:"from"`
	Request   TxRequest         `json:"request"`
	Status    Status            `json:"status"`
	Hash      string            `json:"hash,omitempty"`
	Receipt   *Receipt          `json:"receipt,omitempty"`
	Error     *MetaError        `json:"error,omitempty"`
	Warnings  []Issue           `json:"warnings,omitempty"`
	Issues    []Issue           `json:"issues,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy of the meta.
func (m *Meta) Clone() *Meta {
	if m == nil {
		return nil
	}
	out := *m
	if m.Receipt != nil {
		r := *m.Receipt
		out.Receipt = &r
	}
	if m.Error != nil {
		e := *m.Error
		out.Error = &e
	}
	out.Warnings = cloneIssues(m.Warnings)
	out.Issues = cloneIssues(m.Issues)
	return &out
}

func cloneIssues(in []Issue) []Issue {
	if in == nil {
		return nil
	}
	out := make([]Issue, len(in))
	for i, issue := range in {
		cp := issue
		if issue.Details != nil {
			cp.Details = make(map[string]string, len(issue.Details))
			for k, v := range issue.Details {
				cp.Details[k] = v
			}
		}
		out[i] = cp
	}
	return out
}

// Draft holds the adapter-computed fields for a transaction awaiting
// approval and signing. Drafts are ephemeral: discarded once signing
// succeeds or the transaction fails before broadcast.
type Draft struct {
	Prepared TxRequest `json:"prepared"`
	Summary  string    `json:"summary,omitempty"`
	Warnings []Issue   `json:"warnings,omitempty"`
	Issues   []Issue   `json:"issues,omitempty"`
}

// Blocked reports whether the draft carries issues that prevent
// processing.
func (d *Draft) Blocked() bool {
	return d != nil && len(d.Issues) > 0
}

// SignedTx is an adapter's signing result.
type SignedTx struct {
	Raw  []byte
	Hash string
}

// ReceiptResolutionKind classifies terminal tracker outcomes.
type ReceiptResolutionKind string

// Tracker resolution kinds.
const (
	ResolutionConfirmed       ReceiptResolutionKind = "confirmed"
	ResolutionExecutionFailed ReceiptResolutionKind = "execution_failed"
	ResolutionTimeout         ReceiptResolutionKind = "timeout"
)

// ReceiptResolution is a terminal outcome the tracker reports back.
type ReceiptResolution struct {
	Kind    ReceiptResolutionKind
	Receipt *Receipt
}

// ReplacementResolution reports that the sender/nonce pair was
// consumed by a different transaction hash.
type ReplacementResolution struct {
	NewHash string
}

// StatusChange is the discrete event emitted when a transaction's
// status transitions.
type StatusChange struct {
	ID   string
	Prev Status
	Next Status
	Meta *Meta
}
