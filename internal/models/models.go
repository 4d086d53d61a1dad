package models

import (
	"sort"
	"time"

	"github.com/marcus/medsync/internal/cursor"
)

// RecordState is the delivery lifecycle state shared by change records,
// per-peer server records and import records.
type RecordState string

const (
	StateNew                          RecordState = "new"
	StatePendingSend                  RecordState = "pending_send"
	StateSent                         RecordState = "sent"
	StateSentAgain                    RecordState = "sent_again"
	StateSendFailed                   RecordState = "send_failed"
	StateCommitted                    RecordState = "committed"
	StateAlreadyCommitted             RecordState = "already_committed"
	StateCommittedAndConfirmationSent RecordState = "committed_and_confirmation_sent"
	StateFailed                       RecordState = "failed"
	StateFailedAndStopped             RecordState = "failed_and_stopped"
	StateRejected                     RecordState = "rejected"
	StateNotSupposedToSync            RecordState = "not_supposed_to_sync"
)

// AllStates lists every state in lifecycle order.
var AllStates = []RecordState{
	StateNew, StatePendingSend, StateSent, StateSentAgain, StateSendFailed,
	StateCommitted, StateAlreadyCommitted, StateCommittedAndConfirmationSent,
	StateFailed, StateFailedAndStopped, StateRejected, StateNotSupposedToSync,
}

// IsValid reports whether s is a known state.
func (s RecordState) IsValid() bool {
	for _, st := range AllStates {
		if s == st {
			return true
		}
	}
	return false
}

// IsFinal reports whether delivery succeeded. Everything else is in flight.
func (s RecordState) IsFinal() bool {
	switch s {
	case StateCommitted, StateAlreadyCommitted, StateCommittedAndConfirmationSent:
		return true
	}
	return false
}

// IsSettled reports whether no further automatic delivery will happen.
func (s RecordState) IsSettled() bool {
	switch s {
	case StateRejected, StateNotSupposedToSync, StateFailedAndStopped:
		return true
	}
	return s.IsFinal()
}

// IsEligible reports whether extraction may pick the record up.
func (s RecordState) IsEligible() bool {
	switch s {
	case StateNew, StatePendingSend, StateSent, StateSentAgain, StateSendFailed, StateFailed:
		return true
	}
	return false
}

// Delivery is the mutable part of a record: its state and retry counter.
// The same type sits on the global change record and on each server record.
type Delivery struct {
	State        RecordState `json:"state"`
	RetryCount   int         `json:"retry_count"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// ItemAction is the mutation an item performs on its entity.
type ItemAction string

const (
	ActionCreate ItemAction = "create"
	ActionUpdate ItemAction = "update"
	ActionDelete ItemAction = "delete"
)

// IsValid reports whether a is a known action.
func (a ItemAction) IsValid() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// Item is one serialized entity mutation.
type Item struct {
	Class   string     `json:"class"`
	UUID    string     `json:"uuid"`
	Action  ItemAction `json:"action"`
	Payload string     `json:"payload,omitempty"`
}

// ChangeRecord is the unit of replication. Items never change after creation.
type ChangeRecord struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	OriginalID string    `json:"original_id"`
	Timestamp  time.Time `json:"timestamp"`
	Delivery
	Classes       []string       `json:"classes"`
	Items         []Item         `json:"items"`
	ServerRecords []ServerRecord `json:"server_records,omitempty"`
}

// Position implements cursor.Positioned.
func (r *ChangeRecord) Position() cursor.Cursor {
	return cursor.At(r.Timestamp, r.Seq)
}

// Key returns the idempotency key peers use for this record.
func (r *ChangeRecord) Key() string {
	if r.OriginalID != "" {
		return r.OriginalID
	}
	return r.ID
}

// ServerRecord returns the delivery sub-record for a peer, or nil.
func (r *ChangeRecord) ServerRecord(peerID string) *ServerRecord {
	for i := range r.ServerRecords {
		if r.ServerRecords[i].PeerID == peerID {
			return &r.ServerRecords[i]
		}
	}
	return nil
}

// ItemClasses returns the sorted distinct classes of items.
func ItemClasses(items []Item) []string {
	seen := make(map[string]bool, len(items))
	var classes []string
	for _, it := range items {
		if !seen[it.Class] {
			seen[it.Class] = true
			classes = append(classes, it.Class)
		}
	}
	sort.Strings(classes)
	return classes
}

// ServerRecord tracks delivery of one change record to one peer.
type ServerRecord struct {
	RecordSeq int64  `json:"record_seq"`
	PeerID    string `json:"peer_id"`
	Delivery
	UpdatedAt time.Time `json:"updated_at"`
}

// ImportRecord is the receiving side's ledger entry for an incoming record.
type ImportRecord struct {
	OriginalID   string `json:"original_id"`
	SourcePeerID string `json:"source_peer_id"`
	Delivery
	Items      []Item    `json:"items,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TransmissionState summarizes the outcome of one exchange.
type TransmissionState string

const (
	TransmissionOK                TransmissionState = "OK"
	TransmissionNothingToDo       TransmissionState = "OK_NOTHING_TO_DO"
	TransmissionPending           TransmissionState = "PENDING"
	TransmissionFailed            TransmissionState = "FAILED"
	TransmissionFailedRecords     TransmissionState = "FAILED_RECORDS"
	TransmissionMaxRetryReached   TransmissionState = "MAX_RETRY_REACHED"
	TransmissionCannotRunParallel TransmissionState = "ERROR_CANNOT_RUN_PARALLEL"
	TransmissionResponseNotParsed TransmissionState = "RESPONSE_NOT_UNDERSTOOD"
	TransmissionRequestNotParsed  TransmissionState = "TRANSMISSION_NOT_UNDERSTOOD"
	TransmissionUnknownPeer       TransmissionState = "UNKNOWN_PEER"
)

// Role is a peer's position in the topology relative to this server.
type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleParent || r == RoleChild
}

// ClassPolicy controls whether an entity class flows to or from a peer.
type ClassPolicy struct {
	SendTo      bool `json:"send_to"`
	ReceiveFrom bool `json:"receive_from"`
}

// DefaultClassPolicy applies to classes without an explicit policy.
var DefaultClassPolicy = ClassPolicy{SendTo: true, ReceiveFrom: true}

// Peer is a configured parent or child server.
type Peer struct {
	ID               string                 `json:"id"`
	Nickname         string                 `json:"nickname"`
	Role             Role                   `json:"role"`
	Address          string                 `json:"address,omitempty"`
	OutboundToken    string                 `json:"-"`
	InboundTokenHash string                 `json:"-"`
	Disabled         bool                   `json:"disabled"`
	LastSyncAt       *time.Time             `json:"last_sync_at,omitempty"`
	LastSyncState    TransmissionState      `json:"last_sync_state,omitempty"`
	Cursor           cursor.Cursor          `json:"cursor"`
	MaxBatchWeb      int                    `json:"max_batch_web,omitempty"`
	MaxBatchFile     int                    `json:"max_batch_file,omitempty"`
	Policies         map[string]ClassPolicy `json:"policies,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Policy returns the policy for class, falling back to DefaultClassPolicy.
func (p *Peer) Policy(class string) ClassPolicy {
	if pol, ok := p.Policies[class]; ok {
		return pol
	}
	return DefaultClassPolicy
}

// CanSend reports whether every class may be sent to p.
func (p *Peer) CanSend(classes []string) bool {
	for _, c := range classes {
		if !p.Policy(c).SendTo {
			return false
		}
	}
	return true
}

// CanReceive reports whether every class may be accepted from p.
func (p *Peer) CanReceive(classes []string) bool {
	for _, c := range classes {
		if !p.Policy(c).ReceiveFrom {
			return false
		}
	}
	return true
}

// Entity is a row in the generic entity store.
type Entity struct {
	Class     string    `json:"class"`
	UUID      string    `json:"uuid"`
	Payload   string    `json:"payload"`
	UpdatedAt time.Time `json:"updated_at"`
	Seq       int64     `json:"-"`
}

// Position implements cursor.Positioned.
func (e *Entity) Position() cursor.Cursor {
	return cursor.At(e.UpdatedAt, e.Seq)
}

// ExchangeDirection distinguishes history entries.
type ExchangeDirection string

const (
	DirectionPush     ExchangeDirection = "push"
	DirectionPull     ExchangeDirection = "pull"
	DirectionExport   ExchangeDirection = "export"
	DirectionImport   ExchangeDirection = "import"
	DirectionResponse ExchangeDirection = "response"
)

// HistoryEntry records one exchange, import or export.
type HistoryEntry struct {
	ID             int64             `json:"id"`
	PeerID         string            `json:"peer_id"`
	Direction      ExchangeDirection `json:"direction"`
	TransmissionID string            `json:"transmission_id"`
	State          TransmissionState `json:"state"`
	Sent           int               `json:"sent"`
	Received       int               `json:"received"`
	Committed      int               `json:"committed"`
	Failed         int               `json:"failed"`
	Error          string            `json:"error,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
}

// StateCounts maps states to record counts.
type StateCounts map[RecordState]int

// InFlight sums every non-final state.
func (c StateCounts) InFlight() int {
	n := 0
	for st, v := range c {
		if !st.IsFinal() {
			n += v
		}
	}
	return n
}
