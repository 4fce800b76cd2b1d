package sink

import (
	"github.com/goccy/go-json"

	"github.com/ppiankov/chanrelay/internal/privacy"
	"github.com/ppiankov/chanrelay/internal/source"
)

// Payload is the fixed projection of a message posted to every sink.
type Payload struct {
	ChannelID   string            `json:"channel_id"`
	MessageID   source.Snowflake  `json:"message_id"`
	Content     string            `json:"content"`
	Timestamp   string            `json:"timestamp"`
	Author      source.Author     `json:"author"`
	Attachments []json.RawMessage `json:"attachments"`
	Embeds      []json.RawMessage `json:"embeds"`
}

// NewPayload projects msg, passing content through redact.
func NewPayload(msg source.Message, redact *privacy.Redactor) Payload {
	p := Payload{
		ChannelID:   msg.ChannelID,
		MessageID:   msg.ID,
		Content:     redact.Apply(msg.Content),
		Timestamp:   msg.Timestamp,
		Author:      msg.Author,
		Attachments: msg.Attachments,
		Embeds:      msg.Embeds,
	}
	if p.Attachments == nil {
		p.Attachments = []json.RawMessage{}
	}
	if p.Embeds == nil {
		p.Embeds = []json.RawMessage{}
	}
	return p
}
