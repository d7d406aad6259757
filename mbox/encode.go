package mbox

import (
	"bytes"
	"io"
	"strings"
	"time"
)

// nullSender replaces an empty envelope sender in the separator line.
const nullSender = "MAILER-DAEMON"

var fromPrefix = []byte("From ")

// Separator returns the "From " line that starts a message in an mbox file,
// including its trailing newline. Whitespace is removed from the sender so
// the line stays parseable.
func Separator(sender string, t time.Time) string {
	sender = strings.Join(strings.Fields(sender), "")
	if sender == "" {
		sender = nullSender
	}
	if t.IsZero() {
		t = time.Now()
	}
	return "From " + sender + " " + t.Format(time.ANSIC) + "\n"
}

// NeedsEscape reports whether line must be quoted: it starts with any
// number of '>' followed by "From ".
func NeedsEscape(line []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(line, ">"), fromPrefix)
}

// Encode writes one complete mbox entry for payload: the separator, the
// payload with every "From " line (quoted or not) given one more '>', a
// newline if the payload lacks one, and the blank line that ends the
// entry. It returns the number of bytes written.
func Encode(w io.Writer, sender string, t time.Time, payload []byte) (int64, error) {
	var buf bytes.Buffer
	buf.Grow(len(payload) + len(payload)/64 + 64)

	buf.WriteString(Separator(sender, t))
	for rest := payload; len(rest) > 0; {
		line := rest
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			line = rest[:i+1]
		}
		rest = rest[len(line):]

		if NeedsEscape(line) {
			buf.WriteByte('>')
		}
		buf.Write(line)
	}
	if len(payload) > 0 && payload[len(payload)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	return buf.WriteTo(w)
}

// padding returns the newlines needed after tail, the last bytes of an
// existing mailbox, so that the next separator follows a blank line.
func padding(tail []byte) string {
	switch {
	case len(tail) == 0:
		return ""
	case bytes.HasSuffix(tail, []byte("\n\n")):
		return ""
	case tail[len(tail)-1] == '\n':
		if len(tail) == 1 {
			// A mailbox consisting of a single newline.
			return ""
		}
		return "\n"
	default:
		return "\n\n"
	}
}
