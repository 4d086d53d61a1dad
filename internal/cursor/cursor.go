// Package cursor defines the bookmark used for incremental extraction: an
// immutable position (timestamp, id) in the local change stream.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/medsync/internal/syncerr"
)

// seqIDWidth is the zero-padded width of ids derived from ordering keys, so
// that lexical order matches numeric order.
const seqIDWidth = 20

// Cursor is a position in the change stream. The zero Cursor is invalid;
// construct with New or Start.
type Cursor struct {
	Timestamp time.Time `json:"ts"`
	ID        string    `json:"id,omitempty"`
}

// Positioned is anything that occupies a position in the change stream.
type Positioned interface {
	Position() Cursor
}

// New builds a cursor. An empty id sorts before every id at the same timestamp.
func New(ts time.Time, id string) (Cursor, error) {
	if ts.IsZero() {
		return Cursor{}, syncerr.New(syncerr.InvalidArgument, "cursor timestamp is required")
	}
	return Cursor{Timestamp: ts.UTC(), ID: id}, nil
}

// Start returns the cursor that precedes every record.
func Start() Cursor {
	return Cursor{Timestamp: time.Unix(0, 0).UTC()}
}

// At returns the position of the record with the given creation time and ordering key.
func At(ts time.Time, seq int64) Cursor {
	return Cursor{Timestamp: ts.UTC(), ID: SeqID(seq)}
}

// IsZero reports whether c was never set.
func (c Cursor) IsZero() bool {
	return c.Timestamp.IsZero()
}

// Compare returns -1, 0 or 1 as a is before, equal to, or after b.
func Compare(a, b Cursor) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// After reports whether c is strictly after other.
func (c Cursor) After(other Cursor) bool {
	return Compare(c, other) > 0
}

// Equal reports whether both fields match.
func (c Cursor) Equal(other Cursor) bool {
	return Compare(c, other) == 0
}

// Advance moves c to p's position if that position is strictly later.
// Cursors never regress.
func Advance(c Cursor, p Positioned) Cursor {
	pos := p.Position()
	if pos.After(c) {
		return pos
	}
	return c
}

func (c Cursor) String() string {
	id := c.ID
	if id == "" {
		id = "-"
	}
	return c.Timestamp.Format(time.RFC3339Nano) + "/" + id
}

// Encode returns an opaque token suitable for query strings and files.
func (c Cursor) Encode() string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// Decode parses a token produced by Encode.
func Decode(token string) (Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, syncerr.Wrap(syncerr.InvalidArgument, err, "decode cursor token")
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, syncerr.Wrap(syncerr.InvalidArgument, err, "decode cursor token")
	}
	return New(c.Timestamp, c.ID)
}

// SeqID formats an ordering key as a cursor id.
func SeqID(seq int64) string {
	return fmt.Sprintf("%0*d", seqIDWidth, seq)
}

// ParseSeqID returns the ordering key encoded by SeqID. An empty id is 0.
func ParseSeqID(id string) (int64, error) {
	if id == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(id, 10, 64)
	if err != nil || seq < 0 {
		return 0, syncerr.New(syncerr.InvalidArgument, "cursor id %q is not an ordering key", id)
	}
	return seq, nil
}
