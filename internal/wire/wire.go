// Package wire is the versioned XML format for transmissions and
// transmission responses, the payloads exchanged between peers as files
// or HTTP bodies.
package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/medsync/internal/cursor"
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/syncerr"
)

// Version is the only schema version this build reads and writes.
const Version = "1"

// ContentType is used for HTTP bodies and file downloads.
const ContentType = "text/xml; charset=utf-8"

// Transmission is a batch of change records addressed to one peer.
type Transmission struct {
	XMLName                xml.Name  `xml:"transmission"`
	Version                string    `xml:"version,attr"`
	ID                     string    `xml:"id,attr"`
	Source                 string    `xml:"source,attr"`
	Target                 string    `xml:"target,attr"`
	Timestamp              time.Time `xml:"timestamp,attr"`
	RequestingTransmission bool      `xml:"requestingTransmission,attr,omitempty"`
	MaxRetryReached        bool      `xml:"maxRetryReached,attr,omitempty"`
	CursorTimestamp        string    `xml:"cursorTs,attr,omitempty"`
	CursorID               string    `xml:"cursorId,attr,omitempty"`
	Records                Records   `xml:"records"`
}

// Records wraps the record list with its count, so truncation is detectable.
type Records struct {
	Count int      `xml:"count,attr"`
	Items []Record `xml:"record"`
}

// Record is one change record on the wire.
type Record struct {
	ID         string    `xml:"id,attr"`
	OriginalID string    `xml:"originalId,attr"`
	Timestamp  time.Time `xml:"timestamp,attr"`
	RetryCount int       `xml:"retryCount,attr"`
	State      string    `xml:"state,attr"`
	Classes    string    `xml:"classes,attr"`
	Items      []Item    `xml:"item"`
}

// Item is one entity mutation, identified by class and UUID. Content
// travels base64-encoded so any payload survives XML unchanged, including
// characters XML cannot carry and CR LF line endings.
type Item struct {
	Class   string
	UUID    string
	Action  string
	Content string
}

const encodingBase64 = "base64"

type xmlItem struct {
	Class    string `xml:"class,attr"`
	UUID     string `xml:"uuid,attr"`
	Action   string `xml:"action,attr"`
	Encoding string `xml:"encoding,attr,omitempty"`
	Content  string `xml:",chardata"`
}

// MarshalXML implements xml.Marshaler.
func (it Item) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	x := xmlItem{Class: it.Class, UUID: it.UUID, Action: it.Action}
	if it.Content != "" {
		x.Encoding = encodingBase64
		x.Content = base64.StdEncoding.EncodeToString([]byte(it.Content))
	}
	return e.EncodeElement(x, start)
}

// UnmarshalXML implements xml.Unmarshaler.
func (it *Item) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var x xmlItem
	if err := d.DecodeElement(&x, &start); err != nil {
		return err
	}
	*it = Item{Class: x.Class, UUID: x.UUID, Action: x.Action}
	switch x.Encoding {
	case encodingBase64:
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(x.Content))
		if err != nil {
			return fmt.Errorf("item %s %s content: %w", x.Class, x.UUID, err)
		}
		it.Content = string(raw)
	case "":
		it.Content = x.Content
	default:
		return fmt.Errorf("item %s %s has unknown encoding %q", x.Class, x.UUID, x.Encoding)
	}
	return nil
}

// Key returns the idempotency key of the record.
func (r *Record) Key() string {
	if r.OriginalID != "" {
		return r.OriginalID
	}
	return r.ID
}

// ModelItems converts the record's items.
func (r *Record) ModelItems() []models.Item {
	items := make([]models.Item, len(r.Items))
	for i, it := range r.Items {
		items[i] = models.Item{
			Class:   it.Class,
			UUID:    it.UUID,
			Action:  models.ItemAction(it.Action),
			Payload: it.Content,
		}
	}
	return items
}

// FromChangeRecord converts a record, using d as the delivery state sent
// along (the per-peer state of the target).
func FromChangeRecord(rec *models.ChangeRecord, d models.Delivery) Record {
	r := Record{
		ID:         rec.ID,
		OriginalID: rec.Key(),
		Timestamp:  rec.Timestamp.UTC(),
		RetryCount: d.RetryCount,
		State:      string(d.State),
		Classes:    strings.Join(rec.Classes, ","),
		Items:      make([]Item, len(rec.Items)),
	}
	for i, it := range rec.Items {
		r.Items[i] = Item{Class: it.Class, UUID: it.UUID, Action: string(it.Action), Content: it.Payload}
	}
	return r
}

// NewTransmission builds the envelope for a batch. next is the cursor
// position after the last record.
func NewTransmission(id, source, target string, ts time.Time, records []Record, next cursor.Cursor) *Transmission {
	t := &Transmission{
		Version:   Version,
		ID:        id,
		Source:    source,
		Target:    target,
		Timestamp: ts.UTC(),
		Records:   Records{Count: len(records), Items: records},
	}
	if !next.IsZero() {
		t.CursorTimestamp = next.Timestamp.Format(time.RFC3339Nano)
		t.CursorID = next.ID
	}
	return t
}

// NextCursor returns the cursor carried by the envelope, if any.
func (t *Transmission) NextCursor() (cursor.Cursor, bool) {
	if t.CursorTimestamp == "" {
		return cursor.Cursor{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, t.CursorTimestamp)
	if err != nil {
		return cursor.Cursor{}, false
	}
	c, err := cursor.New(ts, t.CursorID)
	return c, err == nil
}

// Empty reports whether the transmission carries no records.
func (t *Transmission) Empty() bool {
	return len(t.Records.Items) == 0
}

// FileName is the suggested attachment name when the transmission travels as a file.
func (t *Transmission) FileName() string {
	return fmt.Sprintf("sync_%s_to_%s_%s.xml", shortID(t.Source), shortID(t.Target), t.Timestamp.UTC().Format("20060102T150405Z"))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Pack encodes a transmission.
func Pack(t *Transmission) ([]byte, error) {
	return marshal(t)
}

// Unpack decodes and validates a transmission. Missing envelope fields, an
// unknown version or a record count mismatch are MalformedTransmission.
func Unpack(data []byte) (*Transmission, error) {
	var t Transmission
	if err := xml.Unmarshal(data, &t); err != nil {
		return nil, syncerr.Wrap(syncerr.MalformedTransmission, err, "decode transmission")
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Transmission) validate() error {
	if err := checkEnvelope("transmission", t.Version, t.ID, t.Source, t.Target, t.Timestamp); err != nil {
		return err
	}
	if t.Records.Count != len(t.Records.Items) {
		return syncerr.New(syncerr.MalformedTransmission,
			"transmission %s declares %d records but carries %d", t.ID, t.Records.Count, len(t.Records.Items))
	}
	for i, r := range t.Records.Items {
		if r.ID == "" || r.Timestamp.IsZero() {
			return syncerr.New(syncerr.MalformedTransmission, "record %d of transmission %s has no id or timestamp", i, t.ID)
		}
		if len(r.Items) == 0 {
			return syncerr.New(syncerr.MalformedTransmission, "record %s has no items", r.ID)
		}
	}
	if t.CursorTimestamp != "" {
		if _, err := time.Parse(time.RFC3339Nano, t.CursorTimestamp); err != nil {
			return syncerr.Wrap(syncerr.MalformedTransmission, err, "transmission %s cursor", t.ID)
		}
	}
	return nil
}

func checkEnvelope(kind, version, id, source, target string, ts time.Time) error {
	var missing []string
	if id == "" {
		missing = append(missing, "id")
	}
	if source == "" {
		missing = append(missing, "source")
	}
	if target == "" {
		missing = append(missing, "target")
	}
	if ts.IsZero() {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return syncerr.New(syncerr.MalformedTransmission, "%s is missing %s", kind, strings.Join(missing, ", "))
	}
	if version != Version {
		return syncerr.New(syncerr.MalformedTransmission, "%s %s has unsupported version %q", kind, id, version)
	}
	return nil
}

func marshal(v any) ([]byte, error) {
	body, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode xml: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(xml.Header) + len(body) + 1)
	buf.WriteString(xml.Header)
	buf.Write(body)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
