package protocol

import "github.com/danmuck/torctl/internal/protocol/frame"

const (
	// StatusOK is the success code for administrative commands.
	StatusOK = 250
	// StatusAsync marks an asynchronous notification line.
	StatusAsync = 650

	// TextOK is the success marker carried by a StatusOK terminal line.
	TextOK = "OK"
)

// Response is the caller-visible projection of one reply line. Text and
// Payload are mutually exclusive: a completed data block sets only Payload.
type Response struct {
	Code    int
	Text    string
	Payload []byte
}

// IsData reports whether the response came from a data block.
func (r Response) IsData() bool {
	return r.Payload != nil
}

// IsOK reports whether r is a "250 OK" line.
func (r Response) IsOK() bool {
	return r.Code == StatusOK && !r.IsData() && r.Text == TextOK
}

// FromBatch projects parsed reply lines onto Responses.
func FromBatch(b frame.Batch) []Response {
	out := make([]Response, 0, len(b))
	for _, line := range b {
		if line.Kind == frame.KindData {
			payload := line.Payload
			if payload == nil {
				payload = []byte{}
			}
			out = append(out, Response{Code: line.Code, Payload: payload})
			continue
		}
		out = append(out, Response{Code: line.Code, Text: line.Text})
	}
	return out
}
