// Package mbox exposes an mbox file, or a directory tree of mbox files, as an
// archive.Store.
//
// A directory becomes a folder; every sub-directory and every *.mbox file in it
// is a sub-folder, sorted by name. Folder ids are the FNV-32a hash of the entry
// name so they stay stable when siblings are added. Message ids are 1-based
// ordinals within their mbox file.
package mbox

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/jhillyerd/enmime"

	"github.com/dhcgn/pst-index/archive"
	"github.com/dhcgn/pst-index/model"
)

// Ext is the file extension recognised inside directory trees.
const Ext = ".mbox"

// ErrFolderIDCollision reports two sibling entries whose names hash to the
// same folder id, which would make their message ids ambiguous.
var ErrFolderIDCollision = errors.New("folder id collision")

// Store is an opened mbox archive.
type Store struct {
	root *folder
}

// Open opens a single mbox file or a directory tree.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	name := filepath.Base(path)
	root := &folder{id: folderID(name), name: strings.TrimSuffix(name, Ext)}
	if info.IsDir() {
		root.dir = path
	} else {
		root.file = path
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() (archive.Folder, error) {
	return s.root, nil
}

func (s *Store) Close() error { return nil }

func folderID(entry string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entry))
	return h.Sum32()
}

type folder struct {
	id   uint32
	name string
	dir  string
	file string
}

func (f *folder) ID() uint32   { return f.id }
func (f *folder) Name() string { return f.name }

func (f *folder) SubFolders() ([]archive.Folder, error) {
	if f.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read folder %s: %w", f.dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []archive.Folder
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(f.dir, name)
		switch {
		case e.IsDir():
			out = append(out, &folder{id: folderID(name), name: name, dir: path})
		case e.Type().IsRegular() && strings.EqualFold(filepath.Ext(name), Ext):
			out = append(out, &folder{id: folderID(name), name: strings.TrimSuffix(name, filepath.Ext(name)), file: path})
		}
	}
	if err := checkSiblingIDs(out); err != nil {
		return nil, fmt.Errorf("read folder %s: %w", f.dir, err)
	}
	return out, nil
}

func checkSiblingIDs(siblings []archive.Folder) error {
	seen := make(map[uint32]string, len(siblings))
	for _, s := range siblings {
		if other, ok := seen[s.ID()]; ok {
			return fmt.Errorf("%w: %q and %q both map to %d", ErrFolderIDCollision, other, s.Name(), s.ID())
		}
		seen[s.ID()] = s.Name()
	}
	return nil
}

func (f *folder) Messages(fn func(archive.Message) error) error {
	if f.file == "" {
		return nil
	}
	file, err := os.Open(f.file)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for idx := uint32(1); ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%s message %d: %w", f.file, idx, err)
		}
		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("%s message %d read: %w", f.file, idx, err)
		}
		if err := fn(&message{id: idx, raw: raw}); err != nil {
			return err
		}
	}
}

type message struct {
	id  uint32
	raw []byte

	env    *enmime.Envelope
	envErr error
}

func (m *message) ID() uint32 { return m.id }

// Raw returns the RFC 5322 bytes as stored in the mbox file.
func (m *message) Raw() []byte { return m.raw }

func (m *message) envelope() (*enmime.Envelope, error) {
	if m.env == nil && m.envErr == nil {
		m.env, m.envErr = enmime.ReadEnvelope(bytes.NewReader(m.raw))
		if m.envErr != nil {
			m.envErr = fmt.Errorf("parse message %d: %w", m.id, m.envErr)
		}
	}
	return m.env, m.envErr
}

func (m *message) Fields() (archive.Fields, error) {
	env, err := m.envelope()
	if err != nil {
		return archive.Fields{}, err
	}
	fields := archive.Fields{Subject: env.GetHeader("Subject")}

	if from := addresses(env, "From"); len(from) > 0 {
		fields.SenderName = from[0].Name
		fields.SenderEmail = from[0].Address
	}
	for _, header := range []string{"To", "Cc", "Bcc"} {
		for _, a := range addresses(env, header) {
			fields.Recipients = append(fields.Recipients, model.NewAgent(a.Name, a.Address))
		}
	}

	if t, ok := parseDate(env.GetHeader("Date")); ok {
		fields.SendTime = model.NewNaiveTime(t)
	}
	fields.DeliveryTime = deliveryTime(env)
	return fields, nil
}

func (m *message) Body() (model.BodyType, string, error) {
	env, err := m.envelope()
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(env.HTML) != "" {
		return model.BodyHTML, env.HTML, nil
	}
	if strings.TrimSpace(env.Text) != "" {
		return model.BodyPlainText, env.Text, nil
	}
	for _, parts := range [][]*enmime.Part{env.OtherParts, env.Attachments} {
		for _, part := range parts {
			if isRTF(part.ContentType) && len(part.Content) > 0 {
				return model.BodyRTF, string(part.Content), nil
			}
		}
	}
	return "", "", archive.ErrNoBody
}

func (m *message) Attachments() ([]archive.Attachment, error) {
	env, err := m.envelope()
	if err != nil {
		return nil, err
	}
	var out []archive.Attachment
	for _, part := range env.Attachments {
		out = append(out, attachment{name: part.FileName, data: part.Content})
	}
	for _, part := range env.Inlines {
		if part.FileName == "" {
			continue
		}
		out = append(out, attachment{name: part.FileName, data: part.Content})
	}
	return out, nil
}

type attachment struct {
	name string
	data []byte
}

func (a attachment) Name() string           { return a.name }
func (a attachment) Data() ([]byte, error) { return a.data, nil }

func addresses(env *enmime.Envelope, header string) []*mail.Address {
	list, err := env.AddressList(header)
	if err != nil {
		return nil
	}
	return list
}

func isRTF(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "text/rtf") || strings.HasPrefix(ct, "application/rtf")
}

// deliveryTime prefers Delivery-Date, then the newest Received stamp.
func deliveryTime(env *enmime.Envelope) model.NaiveTime {
	if t, ok := parseDate(env.GetHeader("Delivery-Date")); ok {
		return model.NewNaiveTime(t)
	}
	for _, received := range env.GetHeaderValues("Received") {
		idx := strings.LastIndex(received, ";")
		if idx < 0 {
			continue
		}
		if t, ok := parseDate(received[idx+1:]); ok {
			return model.NewNaiveTime(t)
		}
	}
	return model.NaiveTime{}
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	time.ANSIC,
	time.RFC3339,
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := mail.ParseDate(s); err == nil {
		return t, true
	}
	if i := strings.Index(s, " ("); i > 0 {
		s = s[:i]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
