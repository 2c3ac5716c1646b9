package txengine

import (
	"context"

	"github.com/keelwallet/keel/internal/network"
)

// ApprovalTask is handed to the approval collaborator when a
// transaction needs user sign-off.
type ApprovalTask struct {
	ID        string
	Type      string
	Origin    string
	Namespace network.Namespace
	ChainRef  network.Ref
	Draft     *Draft
	Meta      *Meta
}

// Approver is the external approval/consent collaborator. A nil error
// means the user approved; any error is treated as a rejection, with
// the canonical user-rejected error (or JSON-RPC code 4001) marking
// an explicit user decline.
type Approver interface {
	RequestApproval(ctx context.Context, task ApprovalTask) error
}

// PermissionStore is consulted as a side effect after a successful
// sign, e.g. to grant the origin a "sign" scope. Not required for
// core correctness.
type PermissionStore interface {
	Grant(origin string, scope string, ref network.Ref)
}

// AccountSource supplies the active account pointer used when a
// request omits the sender.
type AccountSource interface {
	ActiveAccount(ns network.Namespace) string
}

// Adapter is the per-namespace transaction plug-in. BuildDraft must
// not fail for expected estimation problems, which become issues and
// warnings on the draft. It should only return an error for
// infrastructural failures such as being unable to reach the chain's
// RPC surface.
type Adapter interface {
	BuildDraft(ctx context.Context, meta *Meta) (*Draft, error)
	SignTransaction(ctx context.Context, meta *Meta, draft *Draft) (*SignedTx, error)
	BroadcastTransaction(ctx context.Context, meta *Meta, signed *SignedTx) (string, error)
}

// ReceiptProbe is the optional tracker-facing side of an adapter: a
// single poll of the chain for the state of a broadcast transaction.
type ReceiptProbe interface {
	// ProbeReceipt checks the broadcast transaction once. Exactly one
	// of the result fields is set when the chain has resolved it;
	// a zero result means "still pending, keep polling".
	ProbeReceipt(ctx context.Context, meta *Meta) (ProbeResult, error)
}

// ProbeResult is one poll's view of a broadcast transaction.
type ProbeResult struct {
	// Receipt is non-nil once the transaction is mined.
	Receipt *Receipt

	// ReplacementHash is set when the sender/nonce pair was consumed
	// by a different transaction.
	ReplacementHash string
}
