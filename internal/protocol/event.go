package protocol

import "strings"

// NotificationPrefix is the category prefix of recognized notifications.
const NotificationPrefix = "STATUS_"

// Event is one parsed asynchronous notification.
type Event struct {
	Category   string            `json:"category"`
	Severity   string            `json:"severity"`
	Action     string            `json:"action"`
	Attributes map[string]string `json:"attributes"`
}

// Attr returns the attribute value for key.
func (e Event) Attr(key string) (string, bool) {
	v, ok := e.Attributes[key]
	return v, ok
}

// ParseEvent parses the text of a 650 line:
//
//	<CATEGORY> <SEVERITY> <ACTION>[ key=value ...]
//
// Lines with fewer than three tokens or an unrecognized category are
// rejected. Tokens past the action without exactly one '=' are skipped.
func ParseEvent(text string) (Event, bool) {
	tokens := strings.Fields(text)
	if len(tokens) < 3 {
		return Event{}, false
	}
	if !strings.HasPrefix(tokens[0], NotificationPrefix) {
		return Event{}, false
	}

	ev := Event{
		Category:   tokens[0],
		Severity:   tokens[1],
		Action:     tokens[2],
		Attributes: make(map[string]string, len(tokens)-3),
	}
	for _, tok := range tokens[3:] {
		if strings.Count(tok, "=") != 1 {
			continue
		}
		k, v, _ := strings.Cut(tok, "=")
		ev.Attributes[k] = v
	}
	return ev, true
}

// Partition splits one reply batch into notification lines and everything
// else. A 650 data block is not a notification: it stays in results and
// reaches the command's reply.
func Partition(batch []Response) (events, results []Response) {
	for _, r := range batch {
		if r.Code == StatusAsync && !r.IsData() {
			events = append(events, r)
			continue
		}
		results = append(results, r)
	}
	return events, results
}

// ParseEvents parses every notification line, dropping malformed ones.
// The second result counts the dropped lines.
func ParseEvents(lines []Response) ([]Event, int) {
	out := make([]Event, 0, len(lines))
	dropped := 0
	for _, line := range lines {
		if line.Code != StatusAsync || line.IsData() {
			dropped++
			continue
		}
		ev, ok := ParseEvent(line.Text)
		if !ok {
			dropped++
			continue
		}
		out = append(out, ev)
	}
	return out, dropped
}
