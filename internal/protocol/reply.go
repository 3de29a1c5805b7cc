package protocol

// Terminal returns the last line of a command reply.
func Terminal(lines []Response) (Response, bool) {
	if len(lines) == 0 {
		return Response{}, false
	}
	return lines[len(lines)-1], true
}

// CheckOK validates the reply of an administrative command: the terminal
// line must be exactly "250 OK".
func CheckOK(lines []Response) error {
	last, ok := Terminal(lines)
	if !ok {
		return ErrEmptyReply
	}
	if last.IsData() {
		return ErrUnexpectedData
	}
	if !last.IsOK() {
		return &ReplyError{Code: last.Code, Text: last.Text}
	}
	return nil
}

// CheckStatus requires every line of the reply to carry code.
func CheckStatus(lines []Response, code int) error {
	if len(lines) == 0 {
		return ErrEmptyReply
	}
	for _, line := range lines {
		if line.Code != code {
			return &ReplyError{Code: line.Code, Text: line.Text}
		}
	}
	return nil
}
