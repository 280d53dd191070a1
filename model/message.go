package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultSubject is used when a message carries no subject.
const DefaultSubject = "--"

// naiveLayout is the wire format of send and delivery times. The archive stores
// wall clock values without a zone, so none is written.
const naiveLayout = "2006-01-02T15:04:05"

// Document is the normalised record submitted to the search index for one archived message.
type Document struct {
	ID             string    `json:"id"`
	Subject        string    `json:"subject"`
	Sender         Agent     `json:"sender"`
	Recipients     []Agent   `json:"recipients"`
	Body           *Body     `json:"body,omitempty"`
	SendTime       NaiveTime `json:"send_time,omitzero"`
	DeliveryTime   NaiveTime `json:"delivery_time,omitzero"`
	HasAttachments bool      `json:"has_attachments"`
	Attachments    []string  `json:"attachments,omitempty"`
}

// MarshalJSON keeps recipients an array even when empty.
func (d Document) MarshalJSON() ([]byte, error) {
	type plain Document
	if d.Recipients == nil {
		d.Recipients = []Agent{}
	}
	return json.Marshal(plain(d))
}

// Agent is a sender or recipient. Either field may be missing in the archive.
type Agent struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
}

// NewAgent builds an Agent, treating empty strings as absent.
func NewAgent(name, email string) Agent {
	var a Agent
	if name = strings.TrimSpace(name); name != "" {
		a.Name = &name
	}
	if email = strings.TrimSpace(email); email != "" {
		a.Email = &email
	}
	return a
}

// String renders the agent the way a mail client would.
func (a Agent) String() string {
	switch {
	case a.Name != nil && a.Email != nil:
		return fmt.Sprintf("%s <%s>", *a.Name, *a.Email)
	case a.Email != nil:
		return *a.Email
	case a.Name != nil:
		return *a.Name
	default:
		return ""
	}
}

// BodyType tags the format of a message body.
type BodyType string

const (
	BodyPlainText BodyType = "plain-text"
	BodyHTML      BodyType = "html"
	BodyRTF       BodyType = "rtf"
)

// Valid reports whether t is one of the known body types.
func (t BodyType) Valid() bool {
	switch t {
	case BodyPlainText, BodyHTML, BodyRTF:
		return true
	}
	return false
}

// Body is the decoded text of a message together with its format.
type Body struct {
	Type  BodyType `json:"type"`
	Value string   `json:"value"`
}

// NaiveTime is a timestamp without a zone.
type NaiveTime struct {
	time.Time
}

// NewNaiveTime drops the zone of t, keeping its UTC wall clock.
func NewNaiveTime(t time.Time) NaiveTime {
	if t.IsZero() {
		return NaiveTime{}
	}
	return NaiveTime{Time: t.UTC()}
}

func (n NaiveTime) IsZero() bool {
	return n.Time.IsZero()
}

func (n NaiveTime) MarshalJSON() ([]byte, error) {
	if n.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(n.UTC().Format(naiveLayout))
}

func (n *NaiveTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*n = NaiveTime{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	t, err := time.Parse(naiveLayout, s)
	if err != nil {
		return fmt.Errorf("parse naive time %q: %w", s, err)
	}
	n.Time = t
	return nil
}

// Envelope carries one walked message to the indexing stage. A nil Document
// means the message could not be extracted; Err then says why.
type Envelope struct {
	ID       ID
	Document *Document
	Err      error
}
