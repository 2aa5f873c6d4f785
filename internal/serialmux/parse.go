package serialmux

import (
	"errors"
	"strings"
	"time"
)

// InvalidCommandID is the identifier the controller answers with when it could
// not parse a command line. Such lines carry no identifier to match and are
// dropped by the reader.
const InvalidCommandID = "X"

var errEmptyLine = errors.New("empty line")

// Line is one tokenised line received from the device: "<ID> <arg>,<arg>...".
type Line struct {
	ID       string
	Args     []string
	Raw      string
	Received time.Time
}

// ParseLine splits a response line into its identifier and argument tokens.
// Arguments are separated by spaces or commas, so "2MOV !,E00011" yields
// ID "2MOV" and args ["!", "E00011"].
func ParseLine(raw string) (Line, error) {
	s := strings.TrimRight(raw, "\r\n")
	s = strings.TrimSpace(s)
	if s == "" {
		return Line{}, errEmptyLine
	}
	id, rest, _ := strings.Cut(s, " ")
	args := strings.FieldsFunc(rest, func(r rune) bool { return r == ' ' || r == ',' })
	return Line{ID: id, Args: args, Raw: s}, nil
}

// IsInvalidCommand reports whether the line is the controller's rejection of an
// unparseable command.
func (l Line) IsInvalidCommand() bool {
	return strings.EqualFold(l.ID, InvalidCommandID)
}
