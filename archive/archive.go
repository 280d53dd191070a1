// Package archive defines the read-only message archive contract shared by the
// indexing pipeline, the lookup service and the export commands.
//
// A Store handle is not safe for concurrent use and every method may block on
// file I/O. Exactly one goroutine owns a handle at any time; the walker and the
// lookup manager each open their own.
package archive

import (
	"errors"
	"fmt"

	"github.com/dhcgn/pst-index/model"
)

var (
	// ErrNotFound is returned when a folder or message of an id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoBody is returned by Message.Body when no renderable body exists.
	ErrNoBody = errors.New("message has no body")
)

// Store is an opened archive.
type Store interface {
	Root() (Folder, error)
	Close() error
}

// Folder is a node of the archive's folder tree.
type Folder interface {
	ID() uint32
	Name() string
	SubFolders() ([]Folder, error)
	// Messages calls fn for every direct message in store order. An error
	// returned by fn stops the iteration and is returned as is.
	Messages(fn func(Message) error) error
}

// Message gives access to one archived item. Fields are decoded lazily.
type Message interface {
	ID() uint32
	Fields() (Fields, error)
	// Body returns the preferred body: html, then plain text, then rtf.
	Body() (model.BodyType, string, error)
	Attachments() ([]Attachment, error)
}

// Attachment is a file carried by a message.
type Attachment interface {
	// Name is the display name, empty when the archive has none.
	Name() string
	Data() ([]byte, error)
}

// Fields are the header level properties of a message.
type Fields struct {
	Subject      string
	SenderName   string
	SenderEmail  string
	Recipients   []model.Agent
	SendTime     model.NaiveTime
	DeliveryTime model.NaiveTime
}

// Locate resolves a composite id by walking from the root folder.
func Locate(store Store, id model.ID) (Message, error) {
	if len(id) == 0 {
		return nil, fmt.Errorf("locate empty id: %w", ErrNotFound)
	}
	folder, err := store.Root()
	if err != nil {
		return nil, fmt.Errorf("open root folder: %w", err)
	}

	for depth, want := range id.Folders() {
		subs, err := folder.SubFolders()
		if err != nil {
			return nil, fmt.Errorf("list sub folders of %q: %w", folder.Name(), err)
		}
		var next Folder
		for _, sub := range subs {
			if sub.ID() == want {
				next = sub
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("folder %d at depth %d: %w", want, depth+1, ErrNotFound)
		}
		folder = next
	}

	var found Message
	err = folder.Messages(func(msg Message) error {
		if msg.ID() == id.Message() {
			found = msg
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, fmt.Errorf("list messages of %q: %w", folder.Name(), err)
	}
	if found == nil {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return found, nil
}

var errStop = errors.New("stop iteration")
