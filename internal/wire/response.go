package wire

import (
	"encoding/xml"
	"time"

	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/syncerr"
)

// Response reports the outcome of every record of a transmission. It is
// written from the recipient's point of view: Source is the peer that
// applied the records and Target is the peer that sent them.
type Response struct {
	XMLName   xml.Name  `xml:"transmissionResponse"`
	Version   string    `xml:"version,attr"`
	ID        string    `xml:"id,attr"`
	InReplyTo string    `xml:"inReplyTo,attr"`
	Source    string    `xml:"source,attr"`
	Target    string    `xml:"target,attr"`
	Timestamp time.Time `xml:"timestamp,attr"`
	State     string    `xml:"state,attr"`
	Error     string    `xml:"error,omitempty"`
	Outcomes  Outcomes  `xml:"outcomes"`

	// Transmission carries the responder's own pending records when the
	// request asked for them.
	Transmission *Transmission `xml:"transmission,omitempty"`
}

// Outcomes wraps the outcome list with its count.
type Outcomes struct {
	Count int       `xml:"count,attr"`
	Items []Outcome `xml:"outcome"`
}

// Outcome is the result of applying one record.
type Outcome struct {
	RecordID   string    `xml:"recordId,attr"`
	State      string    `xml:"state,attr"`
	RetryCount int       `xml:"retryCount,attr"`
	Timestamp  time.Time `xml:"timestamp,attr"`
	Error      string    `xml:"error,omitempty"`
}

// NewResponse starts a response to req, with source and target swapped.
func NewResponse(id string, req *Transmission, ts time.Time) *Response {
	return &Response{
		Version:   Version,
		ID:        id,
		InReplyTo: req.ID,
		Source:    req.Target,
		Target:    req.Source,
		Timestamp: ts.UTC(),
		State:     string(models.TransmissionNothingToDo),
	}
}

// Add appends an outcome and keeps the count in step.
func (r *Response) Add(o Outcome) {
	r.Outcomes.Items = append(r.Outcomes.Items, o)
	r.Outcomes.Count = len(r.Outcomes.Items)
}

// Summarize sets State from the outcomes: OK_NOTHING_TO_DO when empty,
// FAILED_RECORDS when any record failed or was rejected, OK otherwise.
func (r *Response) Summarize() models.TransmissionState {
	state := models.TransmissionNothingToDo
	if len(r.Outcomes.Items) > 0 {
		state = models.TransmissionOK
	}
	for _, o := range r.Outcomes.Items {
		switch models.RecordState(o.State) {
		case models.StateFailed, models.StateRejected, models.StateFailedAndStopped:
			state = models.TransmissionFailedRecords
		}
	}
	r.State = string(state)
	return state
}

// FileName is the suggested attachment name for the response file.
func (r *Response) FileName() string {
	return "sync_response_" + shortID(r.Source) + "_to_" + shortID(r.Target) + "_" +
		r.Timestamp.UTC().Format("20060102T150405Z") + ".xml"
}

// PackResponse encodes a response.
func PackResponse(r *Response) ([]byte, error) {
	return marshal(r)
}

// UnpackResponse decodes and validates a response, including any embedded
// transmission.
func UnpackResponse(data []byte) (*Response, error) {
	var r Response
	if err := xml.Unmarshal(data, &r); err != nil {
		return nil, syncerr.Wrap(syncerr.MalformedTransmission, err, "decode transmission response")
	}
	if err := checkEnvelope("transmission response", r.Version, r.ID, r.Source, r.Target, r.Timestamp); err != nil {
		return nil, err
	}
	if r.InReplyTo == "" {
		return nil, syncerr.New(syncerr.MalformedTransmission, "transmission response %s is missing inReplyTo", r.ID)
	}
	if r.Outcomes.Count != len(r.Outcomes.Items) {
		return nil, syncerr.New(syncerr.MalformedTransmission,
			"transmission response %s declares %d outcomes but carries %d", r.ID, r.Outcomes.Count, len(r.Outcomes.Items))
	}
	for i, o := range r.Outcomes.Items {
		if o.RecordID == "" || !models.RecordState(o.State).IsValid() {
			return nil, syncerr.New(syncerr.MalformedTransmission, "outcome %d of response %s is incomplete", i, r.ID)
		}
	}
	if r.Transmission != nil {
		if err := r.Transmission.validate(); err != nil {
			return nil, err
		}
	}
	return &r, nil
}
