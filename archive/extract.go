package archive

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dhcgn/pst-index/model"
	"github.com/dhcgn/pst-index/textutil"
)

// Extract builds the search document for msg. The body is only read when
// includeBody is set; a message without a body is not an error.
func Extract(id model.ID, msg Message, includeBody bool) (*model.Document, error) {
	fields, err := msg.Fields()
	if err != nil {
		return nil, fmt.Errorf("read fields: %w", err)
	}

	doc := &model.Document{
		ID:           id.String(),
		Subject:      textutil.EnsureUTF8(strings.TrimSpace(fields.Subject)),
		Sender:       model.NewAgent(textutil.EnsureUTF8(fields.SenderName), textutil.EnsureUTF8(fields.SenderEmail)),
		Recipients:   make([]model.Agent, 0, len(fields.Recipients)),
		SendTime:     fields.SendTime,
		DeliveryTime: fields.DeliveryTime,
	}
	if doc.Subject == "" {
		doc.Subject = model.DefaultSubject
	}
	for _, r := range fields.Recipients {
		doc.Recipients = append(doc.Recipients, cleanAgent(r))
	}

	if includeBody {
		kind, text, err := msg.Body()
		switch {
		case errors.Is(err, ErrNoBody):
		case err != nil:
			return nil, fmt.Errorf("read body: %w", err)
		default:
			doc.Body = &model.Body{Type: kind, Value: textutil.EnsureUTF8(text)}
		}
	}

	attachments, err := msg.Attachments()
	if err != nil {
		return nil, fmt.Errorf("read attachments: %w", err)
	}
	if len(attachments) > 0 {
		doc.HasAttachments = true
		doc.Attachments = AttachmentNames(attachments)
	}
	return doc, nil
}

// AttachmentNames returns display names, naming unnamed attachments attachment_N.
func AttachmentNames(attachments []Attachment) []string {
	names := make([]string, len(attachments))
	for i, a := range attachments {
		names[i] = AttachmentName(a, i)
	}
	return names
}

// AttachmentName returns the display name of the attachment at index i.
func AttachmentName(a Attachment, i int) string {
	if name := strings.TrimSpace(textutil.EnsureUTF8(a.Name())); name != "" {
		return name
	}
	return fmt.Sprintf("attachment_%d", i+1)
}

func cleanAgent(a model.Agent) model.Agent {
	var name, email string
	if a.Name != nil {
		name = textutil.EnsureUTF8(*a.Name)
	}
	if a.Email != nil {
		email = textutil.EnsureUTF8(*a.Email)
	}
	return model.NewAgent(name, email)
}
