package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Snowflake is a source-assigned message id. Ids are unique and increase
// with creation time, so numeric order is arrival order.
type Snowflake uint64

// ParseSnowflake parses a decimal id.
func ParseSnowflake(s string) (Snowflake, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse id %q: %w", s, err)
	}
	return Snowflake(v), nil
}

func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// MarshalJSON encodes the id as a decimal string.
func (s Snowflake) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}

// UnmarshalJSON accepts a decimal string or a bare number.
func (s *Snowflake) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	v, err := ParseSnowflake(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Author is the message sender. Every field may be absent.
type Author struct {
	ID            *string `json:"id"`
	Username      *string `json:"username"`
	Discriminator *string `json:"discriminator"`
	GlobalName    *string `json:"global_name"`
}

// Message is a single channel message as returned by the source. It is
// never modified after decoding.
type Message struct {
	ID          Snowflake         `json:"id"`
	ChannelID   string            `json:"channel_id"`
	Content     string            `json:"content"`
	Timestamp   string            `json:"timestamp"`
	Author      Author            `json:"author"`
	Attachments []json.RawMessage `json:"attachments"`
	Embeds      []json.RawMessage `json:"embeds"`
}

// Source fetches the most recent messages of a channel.
type Source interface {
	// Name returns the source identifier (e.g. "discord").
	Name() string

	// Fetch returns up to limit of the newest messages, ascending by id.
	Fetch(ctx context.Context, limit int) ([]Message, error)
}
