package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// idSeparator joins the segments of a composite id.
const idSeparator = "_"

// ErrParse is matched by every id parsing failure.
var ErrParse = errors.New("invalid message id")

// ParseError describes why an id string was rejected.
type ParseError struct {
	Input   string
	Segment int
	Reason  string
}

func (e *ParseError) Error() string {
	if e.Segment < 0 {
		return fmt.Sprintf("invalid message id %q: %s", e.Input, e.Reason)
	}
	return fmt.Sprintf("invalid message id %q: segment %d: %s", e.Input, e.Segment+1, e.Reason)
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// ID is the composite id of a message: the folder ids from just below the
// root folder followed by the message's own id. It is unique within one archive.
type ID []uint32

// NewID appends the message id to a copy of the folder path.
func NewID(folders []uint32, message uint32) ID {
	id := make(ID, 0, len(folders)+1)
	id = append(id, folders...)
	return append(id, message)
}

// ParseID parses an underscore-joined list of unsigned decimal numbers.
func ParseID(s string) (ID, error) {
	if s == "" {
		return nil, &ParseError{Input: s, Segment: -1, Reason: "empty"}
	}
	parts := strings.Split(s, idSeparator)
	id := make(ID, 0, len(parts))
	for i, part := range parts {
		if part == "" {
			return nil, &ParseError{Input: s, Segment: i, Reason: "empty segment"}
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return nil, &ParseError{Input: s, Segment: i, Reason: "not a decimal number"}
			}
		}
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, &ParseError{Input: s, Segment: i, Reason: "out of range"}
		}
		id = append(id, uint32(v))
	}
	return id, nil
}

// String renders the id in its wire form, e.g. 8354_8514_7029316.
func (id ID) String() string {
	var sb strings.Builder
	for i, v := range id {
		if i > 0 {
			sb.WriteString(idSeparator)
		}
		sb.WriteString(strconv.FormatUint(uint64(v), 10))
	}
	return sb.String()
}

// Folders returns the folder path part of the id.
func (id ID) Folders() []uint32 {
	if len(id) == 0 {
		return nil
	}
	return id[:len(id)-1]
}

// Message returns the message's own id.
func (id ID) Message() uint32 {
	if len(id) == 0 {
		return 0
	}
	return id[len(id)-1]
}
