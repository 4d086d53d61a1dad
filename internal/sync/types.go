package sync

import (
	"context"

	"github.com/marcus/medsync/internal/cursor"
	"github.com/marcus/medsync/internal/models"
)

// Transport carries packed payloads to a peer. Send delivers a transmission
// and returns the peer's packed response. Confirm delivers the response for
// records the peer embedded in its reply.
type Transport interface {
	Send(ctx context.Context, peer *models.Peer, payload []byte) ([]byte, error)
	Confirm(ctx context.Context, peer *models.Peer, payload []byte) error
}

// Batch is one extraction result for a peer.
type Batch struct {
	// Records are sendable, in ascending (timestamp, seq) order.
	Records []*models.ChangeRecord
	// Excluded records carry a class the peer must not receive.
	Excluded []*models.ChangeRecord
	// Next is the position of the last record in Records, or the input
	// cursor when Records is empty.
	Next cursor.Cursor
}

// Empty reports whether nothing is to be sent.
func (b *Batch) Empty() bool {
	return len(b.Records) == 0
}

// ApplyResult summarises ingestion of one transmission.
type ApplyResult struct {
	Received         int `json:"received"`
	Committed        int `json:"committed"`
	AlreadyCommitted int `json:"already_committed"`
	Failed           int `json:"failed"`
	Rejected         int `json:"rejected"`
}

// ResponseResult summarises consumption of one transmission response.
type ResponseResult struct {
	PeerID    string                   `json:"peer_id"`
	InReplyTo string                   `json:"in_reply_to"`
	State     models.TransmissionState `json:"state"`
	Committed int                      `json:"committed"`
	Failed    int                      `json:"failed"`
	Rejected  int                      `json:"rejected"`
	Stopped   int                      `json:"stopped"`
	Unknown   int                      `json:"unknown"`
	Cursor    cursor.Cursor            `json:"cursor"`

	// Applied is set when the response embedded a reverse transmission.
	Applied *ApplyResult `json:"applied,omitempty"`
	// Confirmation is the packed response for the embedded records. The
	// file channel hands it to the operator; HTTP exchanges send it with
	// Transport.Confirm.
	Confirmation     []byte `json:"-"`
	ConfirmationName string `json:"confirmation_name,omitempty"`
}

// ExchangeResult summarises a full exchange with a peer.
type ExchangeResult struct {
	PeerID         string                   `json:"peer_id"`
	TransmissionID string                   `json:"transmission_id"`
	State          models.TransmissionState `json:"state"`
	Sent           int                      `json:"sent"`
	Excluded       int                      `json:"excluded"`
	Response       *ResponseResult          `json:"response,omitempty"`
}

// Export is a transmission packaged as a file.
type Export struct {
	PeerID         string `json:"peer_id"`
	TransmissionID string `json:"transmission_id"`
	FileName       string `json:"file_name"`
	Payload        []byte `json:"-"`
	Records        int    `json:"records"`
}

// Import is the result of ingesting an uploaded transmission.
type Import struct {
	PeerID         string                   `json:"peer_id"`
	TransmissionID string                   `json:"transmission_id"`
	State          models.TransmissionState `json:"state"`
	Result         ApplyResult              `json:"result"`
	// Embedded counts our own records packed into the response.
	Embedded int    `json:"embedded"`
	FileName string `json:"file_name"`
	Response []byte `json:"-"`

	// committed holds the ledger keys acknowledged by Response.
	committed []string
}

func (r *ApplyResult) add(state models.RecordState) {
	r.Received++
	switch state {
	case models.StateCommitted:
		r.Committed++
	case models.StateAlreadyCommitted, models.StateCommittedAndConfirmationSent:
		r.AlreadyCommitted++
	case models.StateRejected:
		r.Rejected++
	default:
		r.Failed++
	}
}
