// Package models provides the data model for firehose ingestion: the raw
// inbound message envelope, the validated Record projection, and the
// microsecond Cursor used to resume and bound stream sessions.
package models

import (
	"strconv"
	"time"

	gojson "github.com/goccy/go-json"
)

// Kind discriminates the three event families on the firehose.
type Kind string

const (
	// KindCommit is a repository commit event (post, like, follow, ...)
	KindCommit Kind = "commit"
	// KindIdentity is an identity-update event
	KindIdentity Kind = "identity"
	// KindAccount is an account-status event
	KindAccount Kind = "account"
)

// Valid reports whether k is one of the known event kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCommit, KindIdentity, KindAccount:
		return true
	}
	return false
}

// Cursor is a microseconds-since-epoch position in the stream. The source
// emits cursors in non-decreasing order within one connection; that ordering
// is relied upon but never enforced here.
type Cursor int64

// String returns the decimal form used in subscribe URIs and reports.
func (c Cursor) String() string {
	return strconv.FormatInt(int64(c), 10)
}

// Time converts the cursor to a wall-clock time.
func (c Cursor) Time() time.Time {
	return time.UnixMicro(int64(c))
}

// CursorFromTime converts a wall-clock time to a stream cursor.
func CursorFromTime(t time.Time) Cursor {
	return Cursor(t.UnixMicro())
}

// UnmarshalJSON accepts both the numeric form the wire uses and the quoted
// decimal form older producers emit.
func (c *Cursor) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*c = Cursor(v)
	return nil
}

// MarshalJSON emits the numeric form.
func (c Cursor) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(c), 10)), nil
}

// CommitPayload carries the commit-specific fields of a message.
type CommitPayload struct {
	Rev        string            `json:"rev,omitempty"`
	Operation  string            `json:"operation,omitempty"`
	Collection string            `json:"collection"`
	RKey       string            `json:"rkey,omitempty"`
	Record     gojson.RawMessage `json:"record,omitempty"`
	CID        string            `json:"cid,omitempty"`
}

// RawMessage is a decoded but unvalidated firehose message. Exactly one of
// the kind-specific payload fields is expected to be set, matching Kind.
type RawMessage struct {
	DID      string            `json:"did"`
	TimeUS   Cursor            `json:"time_us"`
	Kind     string            `json:"kind"`
	Commit   *CommitPayload    `json:"commit,omitempty"`
	Identity gojson.RawMessage `json:"identity,omitempty"`
	Account  gojson.RawMessage `json:"account,omitempty"`
}

// DecodeRawMessage parses one wire frame into a RawMessage.
func DecodeRawMessage(data []byte) (*RawMessage, error) {
	var msg RawMessage
	if err := gojson.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Record is the validated, typed projection of a RawMessage. It is created
// once by the extractor, is immutable afterwards, and is consumed exactly
// once by the batch writer. The kind-specific payload fields follow Kind;
// only commit records carry Collection.
type Record struct {
	DID         string            `json:"did"`
	Cursor      Cursor            `json:"cursor"`
	Kind        Kind              `json:"kind"`
	ProcessedAt time.Time         `json:"processed_at"`
	Collection  string            `json:"collection,omitempty"`
	Commit      *CommitPayload    `json:"commit,omitempty"`
	Identity    gojson.RawMessage `json:"identity,omitempty"`
	Account     gojson.RawMessage `json:"account,omitempty"`
}

// Serialize encodes the record for queue hand-off.
func (r *Record) Serialize() ([]byte, error) {
	return gojson.Marshal(r)
}
