package frame

import "bytes"

// Line is one parsed reply line. A completed data block is a single Line of
// KindData with Payload holding every byte between its opening line and the
// terminator.
type Line struct {
	Code    int
	Kind    Kind
	Text    string
	Payload []byte
}

// Batch is every line of one reply, closed by exactly one KindEnd line.
type Batch []Line

// End returns the terminal line of the batch.
func (b Batch) End() (Line, bool) {
	if len(b) == 0 || b[len(b)-1].Kind != KindEnd {
		return Line{}, false
	}
	return b[len(b)-1], true
}

// Parser incrementally turns transport chunks into reply batches.
// It is not safe for concurrent use; one reader owns it.
type Parser struct {
	limits  Limits
	buf     []byte
	batch   Batch
	block   *Line
	dropped int

	// skipping consumes the body of an oversized block up to its terminator.
	skipping bool
	// truncated marks that buf lost the head of the line now being read.
	truncated bool
}

func NewParser(limits Limits) *Parser {
	if limits.MaxLineBytes <= 0 || limits.MaxBlockBytes <= 0 {
		def := DefaultLimits()
		if limits.MaxLineBytes <= 0 {
			limits.MaxLineBytes = def.MaxLineBytes
		}
		if limits.MaxBlockBytes <= 0 {
			limits.MaxBlockBytes = def.MaxBlockBytes
		}
	}
	return &Parser{limits: limits}
}

// Feed consumes one chunk and returns every batch it completed, in order.
// Partial lines stay buffered until a later chunk finishes them.
func (p *Parser) Feed(chunk []byte) []Batch {
	p.buf = append(p.buf, chunk...)

	var out []Batch
	pos := 0
	for {
		idx := bytes.Index(p.buf[pos:], crlf)
		if idx < 0 {
			break
		}
		line := p.buf[pos : pos+idx]
		pos += idx + len(crlf)

		if p.truncated {
			p.truncated = false
			continue
		}
		if p.skipping {
			if string(line) == BlockTerminator {
				p.skipping = false
				p.dropped++
			}
			continue
		}
		if p.block != nil {
			p.blockLine(line)
			continue
		}
		if p.statusLine(line) {
			out = append(out, p.batch)
			p.batch = nil
		}
	}

	p.compact(pos)
	return out
}

// Dropped reports how many lines were discarded as malformed since the last call.
func (p *Parser) Dropped() int {
	n := p.dropped
	p.dropped = 0
	return n
}

// Pending reports whether a partial batch, open block or partial line is buffered.
func (p *Parser) Pending() bool {
	return len(p.buf) > 0 || len(p.batch) > 0 || p.block != nil || p.skipping
}

// Reset discards all buffered state. Used when the transport is replaced.
func (p *Parser) Reset() {
	p.buf = nil
	p.batch = nil
	p.block = nil
	p.skipping = false
	p.truncated = false
}

func (p *Parser) blockLine(line []byte) {
	if string(line) == BlockTerminator {
		p.batch = append(p.batch, *p.block)
		p.block = nil
		return
	}
	if len(p.block.Payload)+len(line)+len(crlf) > p.limits.MaxBlockBytes {
		p.skipBlock()
		return
	}
	p.block.Payload = append(p.block.Payload, line...)
	p.block.Payload = append(p.block.Payload, crlf...)
}

// statusLine parses "<code><sep><text>" and reports whether it ended the batch.
func (p *Parser) statusLine(line []byte) bool {
	if len(line) < 4 {
		p.dropped++
		return false
	}
	code, ok := parseCode(line[:3])
	if !ok {
		p.dropped++
		return false
	}

	switch kind := Kind(line[3]); kind {
	case KindMid, KindEnd:
		p.batch = append(p.batch, Line{Code: code, Kind: kind, Text: string(line[4:])})
		return kind == KindEnd
	case KindData:
		p.block = &Line{Code: code, Kind: KindData, Payload: []byte{}}
		return false
	default:
		p.dropped++
		return false
	}
}

// skipBlock abandons the open block. Its remaining body is consumed up to
// the terminator and the whole block counts as one dropped line.
func (p *Parser) skipBlock() {
	p.block = nil
	p.skipping = true
}

// compact keeps the unterminated tail of buf. A partial block body line is
// bounded by the room left in the block; any other partial line by MaxLineBytes.
func (p *Parser) compact(pos int) {
	rest := len(p.buf) - pos
	switch {
	case p.block != nil && rest+len(crlf) > p.limits.MaxBlockBytes-len(p.block.Payload):
		p.buf = p.buf[:0]
		p.truncated = true
		p.skipBlock()
		return
	case p.block == nil && rest > p.limits.MaxLineBytes:
		if !p.skipping && !p.truncated {
			p.dropped++
		}
		p.buf = p.buf[:0]
		p.truncated = true
		return
	}
	if rest == 0 {
		p.buf = p.buf[:0]
		return
	}
	n := copy(p.buf, p.buf[pos:])
	p.buf = p.buf[:n]
}

func parseCode(b []byte) (int, bool) {
	code := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		code = code*10 + int(c-'0')
	}
	return code, true
}
