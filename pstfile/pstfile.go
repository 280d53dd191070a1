// Package pstfile exposes Outlook PST/OST files as an archive.Store.
package pstfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/charset"
	pst "github.com/mooijtech/go-pst/v6/pkg"
	"github.com/mooijtech/go-pst/v6/pkg/properties"
	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding"

	"github.com/dhcgn/pst-index/archive"
	"github.com/dhcgn/pst-index/model"
)

// ErrUnsupportedItem is returned for items that are not mail messages
// (contacts, appointments, tasks...). The walker records them as failed.
var ErrUnsupportedItem = errors.New("not a mail item")

var registerCharsets sync.Once

// Store is an opened PST or OST file.
type Store struct {
	file *os.File
	pst  *pst.File
}

// Open opens path read-only.
func Open(path string) (*Store, error) {
	registerCharsets.Do(func() {
		pst.ExtendCharsets(func(name string, enc encoding.Encoding) {
			charset.RegisterEncoding(name, enc)
		})
	})

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pst: %w", err)
	}
	pf, err := pst.New(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("read pst header %s: %w", path, err)
	}
	return &Store{file: file, pst: pf}, nil
}

func (s *Store) Root() (archive.Folder, error) {
	root, err := s.pst.GetRootFolder()
	if err != nil {
		return nil, fmt.Errorf("root folder: %w", err)
	}
	return &folder{f: root}, nil
}

func (s *Store) Close() error {
	s.pst.Cleanup()
	return s.file.Close()
}

type folder struct {
	f pst.Folder
}

func (f *folder) ID() uint32   { return uint32(f.f.Identifier) }
func (f *folder) Name() string { return f.f.Name }

func (f *folder) SubFolders() ([]archive.Folder, error) {
	if !f.f.HasSubFolders {
		return nil, nil
	}
	subs, err := f.f.GetSubFolders()
	if err != nil {
		return nil, fmt.Errorf("sub folders of %q: %w", f.f.Name, err)
	}
	out := make([]archive.Folder, len(subs))
	for i := range subs {
		out[i] = &folder{f: subs[i]}
	}
	return out, nil
}

func (f *folder) Messages(fn func(archive.Message) error) error {
	it, err := f.f.GetMessageIterator()
	if eris.Is(err, pst.ErrMessagesNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("messages of %q: %w", f.f.Name, err)
	}
	for it.Next() {
		if err := fn(&message{m: it.Value()}); err != nil {
			return err
		}
	}
	return it.Err()
}

type message struct {
	m *pst.Message
}

func (m *message) ID() uint32 { return uint32(m.m.Identifier) }

func (m *message) props() (*properties.Message, error) {
	p, ok := m.m.Properties.(*properties.Message)
	if !ok {
		return nil, fmt.Errorf("item %d (%T): %w", m.m.Identifier, m.m.Properties, ErrUnsupportedItem)
	}
	return p, nil
}

func (m *message) Fields() (archive.Fields, error) {
	p, err := m.props()
	if err != nil {
		return archive.Fields{}, err
	}
	recipients := displayList(p.GetDisplayTo())
	recipients = append(recipients, displayList(p.GetDisplayCc())...)
	recipients = append(recipients, displayList(p.GetDisplayBcc())...)

	return archive.Fields{
		Subject:      p.GetSubject(),
		SenderName:   p.GetSenderName(),
		SenderEmail:  p.GetSenderEmailAddress(),
		Recipients:   recipients,
		SendTime:     naiveTime(p.GetClientSubmitTime()),
		DeliveryTime: naiveTime(p.GetMessageDeliveryTime()),
	}, nil
}

func (m *message) Body() (model.BodyType, string, error) {
	p, err := m.props()
	if err != nil {
		return "", "", err
	}
	return pickBody(p.GetBodyHtml(), p.GetBody())
}

// pickBody prefers html over plain text. go-pst exposes no RTF body, so a
// PST message never yields model.BodyRTF.
func pickBody(html, text string) (model.BodyType, string, error) {
	if strings.TrimSpace(html) != "" {
		return model.BodyHTML, html, nil
	}
	if strings.TrimSpace(text) != "" {
		return model.BodyPlainText, text, nil
	}
	return "", "", archive.ErrNoBody
}

func (m *message) Attachments() ([]archive.Attachment, error) {
	it, err := m.m.GetAttachmentIterator()
	if eris.Is(err, pst.ErrAttachmentsNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("attachments of %d: %w", m.m.Identifier, err)
	}
	var out []archive.Attachment
	for it.Next() {
		out = append(out, &attachment{a: it.Value()})
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("attachments of %d: %w", m.m.Identifier, err)
	}
	return out, nil
}

type attachment struct {
	a *pst.Attachment
}

func (a *attachment) Name() string {
	if name := a.a.GetAttachLongFilename(); name != "" {
		return name
	}
	return a.a.GetAttachFilename()
}

func (a *attachment) Data() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := a.a.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("read attachment %q: %w", a.Name(), err)
	}
	return buf.Bytes(), nil
}

// displayList splits a display-to style list ("Alice; bob@example.com").
func displayList(s string) []model.Agent {
	var out []model.Agent
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "@") && !strings.ContainsAny(part, " <") {
			out = append(out, model.NewAgent("", part))
			continue
		}
		if i := strings.LastIndex(part, "<"); i >= 0 && strings.HasSuffix(part, ">") {
			out = append(out, model.NewAgent(strings.Trim(part[:i], ` "'`), part[i+1:len(part)-1]))
			continue
		}
		out = append(out, model.NewAgent(part, ""))
	}
	return out
}

const (
	// filetimeEpochOffset is the number of seconds between 1601-01-01 and 1970-01-01.
	filetimeEpochOffset = 11644473600
	// filetimeThreshold separates FILETIME ticks from Unix seconds.
	filetimeThreshold = 1e15
)

// naiveTime converts a PST time property. Depending on how the property was
// decoded it holds FILETIME ticks or Unix seconds.
func naiveTime(v int64) model.NaiveTime {
	switch {
	case v <= 0:
		return model.NaiveTime{}
	case v > filetimeThreshold:
		secs := v/1e7 - filetimeEpochOffset
		nanos := (v % 1e7) * 100
		if secs <= 0 {
			return model.NaiveTime{}
		}
		return model.NewNaiveTime(time.Unix(secs, nanos))
	default:
		return model.NewNaiveTime(time.Unix(v, 0))
	}
}
