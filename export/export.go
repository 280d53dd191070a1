// Package export turns one archived message into portable forms: its JSON
// document, its attachment files and an RFC 5322 message.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/pst-index/archive"
	"github.com/dhcgn/pst-index/model"
)

// File is an attachment with its content loaded.
type File struct {
	Name string
	Data []byte
}

// Message is a located message with everything needed to export it.
type Message struct {
	Document *model.Document
	Files    []File
	// Raw is the original RFC 5322 source when the archive keeps one.
	Raw []byte
}

// rawSource is implemented by archives that store messages in wire format.
type rawSource interface {
	Raw() []byte
}

// Load locates id in store and reads its document, body and attachments.
func Load(store archive.Store, id model.ID) (*Message, error) {
	msg, err := archive.Locate(store, id)
	if err != nil {
		return nil, err
	}
	doc, err := archive.Extract(id, msg, true)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", id, err)
	}
	out := &Message{Document: doc}

	attachments, err := msg.Attachments()
	if err != nil {
		return nil, fmt.Errorf("read attachments of %s: %w", id, err)
	}
	for i, a := range attachments {
		data, err := a.Data()
		if err != nil {
			return nil, fmt.Errorf("read attachment %d of %s: %w", i+1, id, err)
		}
		out.Files = append(out.Files, File{Name: archive.AttachmentName(a, i), Data: data})
	}
	if raw, ok := msg.(rawSource); ok {
		out.Raw = raw.Raw()
	}
	return out, nil
}

// WriteJSON writes doc as one JSON line.
func WriteJSON(w io.Writer, doc *model.Document) error {
	return json.NewEncoder(w).Encode(doc)
}

// SaveAttachments writes files into dir, creating it when needed, and
// returns the paths written. Names are reduced to a safe base name and made
// unique within the call.
func SaveAttachments(dir string, files []File) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachments dir: %w", err)
	}
	used := make(map[string]bool, len(files))
	paths := make([]string, 0, len(files))
	for i, f := range files {
		name := uniqueName(SanitizeFileName(f.Name, i), used)
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, f.Data, 0o644); err != nil {
			return paths, fmt.Errorf("write attachment %s: %w", name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// SanitizeFileName strips directories and characters that are unsafe on
// common file systems. Index i names files that end up empty.
func SanitizeFileName(name string, i int) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" {
		name = ""
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20 || r == 0x7f:
			return -1
		case strings.ContainsRune(`<>:"/\|?*`, r):
			return '_'
		}
		return r
	}, name)
	name = strings.Trim(name, " .")
	if name == "" {
		return fmt.Sprintf("attachment_%d", i+1)
	}
	return name
}

func uniqueName(name string, used map[string]bool) string {
	key := strings.ToLower(name)
	if !used[key] {
		used[key] = true
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if key := strings.ToLower(candidate); !used[key] {
			used[key] = true
			return candidate
		}
	}
}

// RFC822 returns the message in wire format: the stored source when there is
// one, otherwise a message rebuilt from the document and attachments.
func (m *Message) RFC822() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	return Build(m.Document, m.Files)
}

// Date is the best timestamp for the message, zero when unknown.
func (m *Message) Date() time.Time {
	if !m.Document.DeliveryTime.IsZero() {
		return m.Document.DeliveryTime.Time
	}
	return m.Document.SendTime.Time
}

// Build renders doc and files as a MIME message.
func Build(doc *model.Document, files []File) ([]byte, error) {
	var h mail.Header
	h.SetSubject(doc.Subject)
	if date := sendDate(doc); !date.IsZero() {
		h.SetDate(date)
	}
	if from := address(doc.Sender); from != nil {
		h.SetAddressList("From", []*mail.Address{from})
	}
	var to []*mail.Address
	for _, r := range doc.Recipients {
		if a := address(r); a != nil {
			to = append(to, a)
		}
	}
	if len(to) > 0 {
		h.SetAddressList("To", to)
	}
	h.Set("X-Pst-Index-Id", doc.ID)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	if doc.Body != nil {
		var ih mail.InlineHeader
		ih.SetContentType(bodyContentType(doc.Body.Type), map[string]string{"charset": "utf-8"})
		w, err := mw.CreateSingleInline(ih)
		if err != nil {
			return nil, fmt.Errorf("create body part: %w", err)
		}
		if _, err := io.WriteString(w, doc.Body.Value); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}

	for _, f := range files {
		var ah mail.AttachmentHeader
		ctype := mime.TypeByExtension(filepath.Ext(f.Name))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		ah.SetContentType(ctype, nil)
		ah.SetFilename(f.Name)
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("create attachment %s: %w", f.Name, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}

func sendDate(doc *model.Document) time.Time {
	if !doc.SendTime.IsZero() {
		return doc.SendTime.Time
	}
	return doc.DeliveryTime.Time
}

func bodyContentType(t model.BodyType) string {
	switch t {
	case model.BodyHTML:
		return "text/html"
	case model.BodyRTF:
		return "text/rtf"
	default:
		return "text/plain"
	}
}

// address converts a to a header address. Agents without an email address
// cannot be written and yield nil.
func address(a model.Agent) *mail.Address {
	if a.Email == nil {
		return nil
	}
	out := &mail.Address{Address: *a.Email}
	if a.Name != nil {
		out.Name = *a.Name
	}
	return out
}
