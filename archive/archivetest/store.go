// Package archivetest provides an in-memory archive.Store for tests.
package archivetest

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/dhcgn/pst-index/archive"
	"github.com/dhcgn/pst-index/model"
)

// Store is an in-memory archive. It counts body reads and records whether two
// goroutines ever used it at the same time.
type Store struct {
	root *Folder

	busy       atomic.Int32
	concurrent atomic.Bool
	bodyCalls  atomic.Int64
	closed     atomic.Bool
	RootErr    error
}

// NewStore returns a store rooted at root.
func NewStore(root *Folder) *Store {
	s := &Store{root: root}
	root.attach(s)
	return s
}

func (s *Store) Root() (archive.Folder, error) {
	defer s.enter()()
	if s.RootErr != nil {
		return nil, s.RootErr
	}
	return s.root, nil
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool { return s.closed.Load() }

// BodyCalls is the number of Message.Body calls served so far.
func (s *Store) BodyCalls() int { return int(s.bodyCalls.Load()) }

// Concurrent reports whether overlapping calls were observed.
func (s *Store) Concurrent() bool { return s.concurrent.Load() }

func (s *Store) enter() func() {
	if s == nil {
		return func() {}
	}
	if s.busy.Add(1) > 1 {
		s.concurrent.Store(true)
	}
	return func() { s.busy.Add(-1) }
}

// Folder is a mutable folder node. Build trees with NewFolder, Add and AddMessages.
type Folder struct {
	id       uint32
	name     string
	subs     []*Folder
	messages []*Message
	store    *Store

	// ListErr fails SubFolders.
	ListErr error
}

func NewFolder(id uint32, name string) *Folder {
	return &Folder{id: id, name: name}
}

// Add appends sub folders and returns f.
func (f *Folder) Add(subs ...*Folder) *Folder {
	f.subs = append(f.subs, subs...)
	for _, sub := range subs {
		sub.attach(f.store)
	}
	return f
}

// AddMessages appends messages and returns f.
func (f *Folder) AddMessages(msgs ...*Message) *Folder {
	f.messages = append(f.messages, msgs...)
	for _, m := range msgs {
		m.store = f.store
	}
	return f
}

func (f *Folder) attach(s *Store) {
	f.store = s
	for _, m := range f.messages {
		m.store = s
	}
	for _, sub := range f.subs {
		sub.attach(s)
	}
}

func (f *Folder) ID() uint32   { return f.id }
func (f *Folder) Name() string { return f.name }

func (f *Folder) SubFolders() ([]archive.Folder, error) {
	defer f.store.enter()()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]archive.Folder, len(f.subs))
	for i, sub := range f.subs {
		out[i] = sub
	}
	return out, nil
}

func (f *Folder) Messages(fn func(archive.Message) error) error {
	for _, m := range f.messages {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

// Message is an in-memory message. Zero values are valid.
type Message struct {
	MessageID    uint32
	Subject      string
	SenderName   string
	SenderEmail  string
	Recipients   []model.Agent
	SendTime     time.Time
	DeliveryTime time.Time
	BodyType     model.BodyType
	BodyText     string
	Files        []File

	// FieldsErr fails Fields; BodyErr fails Body.
	FieldsErr error
	BodyErr   error
	// BodyDelay makes Body block, simulating slow file I/O.
	BodyDelay time.Duration
	// BodyGate, when set, makes Body block until it is closed.
	BodyGate chan struct{}

	store *Store
}

// NewMessage returns a message with a plain text body.
func NewMessage(id uint32, subject string) *Message {
	return &Message{
		MessageID:   id,
		Subject:     subject,
		SenderName:  "Sender",
		SenderEmail: "sender@example.com",
		BodyType:    model.BodyPlainText,
		BodyText:    "body of " + subject,
	}
}

func (m *Message) ID() uint32 { return m.MessageID }

func (m *Message) Fields() (archive.Fields, error) {
	defer m.store.enter()()
	if m.FieldsErr != nil {
		return archive.Fields{}, m.FieldsErr
	}
	return archive.Fields{
		Subject:      m.Subject,
		SenderName:   m.SenderName,
		SenderEmail:  m.SenderEmail,
		Recipients:   m.Recipients,
		SendTime:     model.NewNaiveTime(m.SendTime),
		DeliveryTime: model.NewNaiveTime(m.DeliveryTime),
	}, nil
}

func (m *Message) Body() (model.BodyType, string, error) {
	defer m.store.enter()()
	if m.store != nil {
		m.store.bodyCalls.Add(1)
	}
	if m.BodyDelay > 0 {
		time.Sleep(m.BodyDelay)
	}
	if m.BodyGate != nil {
		<-m.BodyGate
	}
	if m.BodyErr != nil {
		return "", "", m.BodyErr
	}
	if m.BodyText == "" {
		return "", "", archive.ErrNoBody
	}
	return m.BodyType, m.BodyText, nil
}

func (m *Message) Attachments() ([]archive.Attachment, error) {
	defer m.store.enter()()
	out := make([]archive.Attachment, len(m.Files))
	for i := range m.Files {
		out[i] = m.Files[i]
	}
	return out, nil
}

// File is an in-memory attachment.
type File struct {
	FileName string
	Content  []byte
	Err      error
}

func (f File) Name() string { return f.FileName }

func (f File) Data() ([]byte, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Content, nil
}

// ErrBroken is a ready-made extraction failure.
var ErrBroken = errors.New("archivetest: broken message")

// Opener returns an open function handing out s, counting calls in opened.
func Opener(s *Store, opened *atomic.Int32) func() (archive.Store, error) {
	return func() (archive.Store, error) {
		if opened != nil {
			opened.Add(1)
		}
		return s, nil
	}
}
