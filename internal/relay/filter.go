package relay

import (
	"github.com/ppiankov/chanrelay/internal/cursor"
	"github.com/ppiankov/chanrelay/internal/source"
)

// Novel returns the messages of batch newer than c, keeping batch order.
// The batch is not modified. Messages that fell out of the fetch window
// before they were seen are not recoverable.
func Novel(batch []source.Message, c cursor.Cursor) []source.Message {
	out := make([]source.Message, 0, len(batch))
	for _, m := range batch {
		if c.Admits(m.ID) {
			out = append(out, m)
		}
	}
	return out
}
