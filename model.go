package bridge

import (
	"time"
)

type OperationType uint8

const (
	OperationTypeCreateUTXOs OperationType = iota + 1
	OperationTypeIssuance
	OperationTypeSendRGB
	OperationTypeSendBTC
	OperationTypeInflation
	OperationTypeBlindReceive
	OperationTypeWitnessReceive
)

func (t OperationType) Valid() bool {
	return t >= OperationTypeCreateUTXOs && t <= OperationTypeWitnessReceive
}

// AutoApproved reports whether operations of this type skip the voting
// round entirely. Receives and issuances touch no shared funds, so they
// are recorded as approved the moment they are proposed.
func (t OperationType) AutoApproved() bool {
	switch t {
	case OperationTypeIssuance, OperationTypeBlindReceive, OperationTypeWitnessReceive:
		return true
	default:
		return false
	}
}

// Colored reports whether the type moves RGB assets and is therefore
// governed by the colored threshold rather than the vanilla one.
func (t OperationType) Colored() bool {
	return t == OperationTypeSendRGB || t == OperationTypeInflation
}

func (t OperationType) String() string {
	switch t {
	case OperationTypeCreateUTXOs:
		return "create_utxos"
	case OperationTypeIssuance:
		return "issuance"
	case OperationTypeSendRGB:
		return "send_rgb"
	case OperationTypeSendBTC:
		return "send_btc"
	case OperationTypeInflation:
		return "inflation"
	case OperationTypeBlindReceive:
		return "blind_receive"
	case OperationTypeWitnessReceive:
		return "witness_receive"
	default:
		return "unknown"
	}
}

type OperationStatus uint8

const (
	OperationStatusPending OperationStatus = iota + 1
	OperationStatusApproved
	OperationStatusDiscarded
	OperationStatusProcessed
	OperationStatusSkipped
)

// Resolved reports whether the voting round is over, one way or the
// other. A resolved operation never returns to pending.
func (s OperationStatus) Resolved() bool {
	return s != OperationStatusPending
}

func (s OperationStatus) String() string {
	switch s {
	case OperationStatusPending:
		return "pending"
	case OperationStatusApproved:
		return "approved"
	case OperationStatusDiscarded:
		return "discarded"
	case OperationStatusProcessed:
		return "processed"
	case OperationStatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

type FileType uint8

const (
	FileTypeConsignment FileType = iota + 1
	FileTypeMedia
	FileTypeOperationData
	FileTypePSBT
)

// File is a reference to a blob attached to an operation at proposal
// time. The ID is the content hash under which the blob store keeps it.
type File struct {
	ID   string   `json:"id"`
	Type FileType `json:"type"`
}

// Response is one cosigner's vote on a pending operation. Approvals
// carry the partially signed transaction the cosigner produced.
type Response struct {
	Approve     bool      `json:"approve"`
	RespondedAt time.Time `json:"responded_at"`
	PSBT        string    `json:"psbt,omitempty"`
}

// Operation is a single entry of the ledger. Responses and Acks are
// keyed by cosigner xpub; both maps only ever grow.
type Operation struct {
	Index     uint64               `json:"index"`
	Type      OperationType        `json:"type"`
	Proposer  string               `json:"proposer"`
	Status    OperationStatus      `json:"status"`
	CreatedAt time.Time            `json:"created_at"`
	Files     []File               `json:"files,omitempty"`
	Responses map[string]*Response `json:"responses,omitempty"`
	Acks      map[string]time.Time `json:"acks,omitempty"`
}

func (op *Operation) Approvals() int {
	n := 0
	for _, r := range op.Responses {
		if r.Approve {
			n++
		}
	}
	return n
}

func (op *Operation) Denials() int {
	return len(op.Responses) - op.Approvals()
}

func (op *Operation) Responded(xpub string) bool {
	_, ok := op.Responses[xpub]
	return ok
}

func (op *Operation) Acked(xpub string) bool {
	_, ok := op.Acks[xpub]
	return ok
}

// AddressIndex holds the next free derivation indices of one cosigner.
// Zero means no address of that chain has been handed out yet.
type AddressIndex struct {
	Internal uint32 `json:"internal"`
	External uint32 `json:"external"`
}

// FileMetadata is the wire description of one attached blob, size read
// from the blob store at render time.
type FileMetadata struct {
	FileID       string   `json:"file_id"`
	Type         FileType `json:"type"`
	PostedByXPub string   `json:"posted_by_xpub"`
	SizeBytes    uint64   `json:"size_bytes"`
}

// OperationView is the caller-specific rendering of an operation:
// my_response and processed_at reflect the viewing cosigner, threshold
// is null for auto-approved types, and files include the proposer's
// attachments plus every other cosigner's PSBT.
type OperationView struct {
	OperationIdx  uint64          `json:"operation_idx"`
	InitiatorXPub string          `json:"initiator_xpub"`
	CreatedAt     int64           `json:"created_at"`
	OperationType OperationType   `json:"operation_type"`
	Status        OperationStatus `json:"status"`
	AckedBy       []string        `json:"acked_by"`
	NackedBy      []string        `json:"nacked_by"`
	Threshold     *uint8          `json:"threshold"`
	MyResponse    *bool           `json:"my_response"`
	ProcessedAt   *int64          `json:"processed_at"`
	Files         []FileMetadata  `json:"files"`
}
