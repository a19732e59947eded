// Package postback encodes and decodes button payloads.
//
// The wire form is ACTION|param|param where each parameter is query-escaped,
// so parameters may contain the separator or underscores without corrupting
// action resolution. Older clients sent ACTION_P1_P2; Decode still accepts
// that form by splitting on the first underscore.
package postback

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
)

const (
	sep       = "|"
	legacySep = "_"
)

// ErrEmpty is returned when decoding a blank payload.
var ErrEmpty = errors.New("postback: empty payload")

// Payload is a decoded button action with positional parameters.
type Payload struct {
	Action string
	Params []string
}

// New builds a payload; the action is upper-cased.
func New(action string, params ...string) Payload {
	return Payload{Action: strings.ToUpper(strings.TrimSpace(action)), Params: params}
}

// Encode renders the payload in the structured wire form.
func (p Payload) Encode() string {
	if len(p.Params) == 0 {
		return p.Action
	}
	var b strings.Builder
	b.WriteString(p.Action)
	for _, param := range p.Params {
		b.WriteString(sep)
		b.WriteString(url.QueryEscape(param))
	}
	return b.String()
}

// String implements fmt.Stringer for logging.
func (p Payload) String() string {
	return p.Encode()
}

// Is reports whether the payload carries the given action.
func (p Payload) Is(action string) bool {
	return strings.EqualFold(p.Action, action)
}

// Param returns the i-th parameter or "" when absent.
func (p Payload) Param(i int) string {
	if i < 0 || i >= len(p.Params) {
		return ""
	}
	return p.Params[i]
}

// IntParam parses the i-th parameter as an int.
func (p Payload) IntParam(i int) (int, error) {
	return strconv.Atoi(p.Param(i))
}

// Decode parses raw into a Payload.
func Decode(raw string) (Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Payload{}, ErrEmpty
	}
	if strings.Contains(raw, sep) {
		parts := strings.Split(raw, sep)
		p := Payload{Action: strings.ToUpper(strings.TrimSpace(parts[0]))}
		if p.Action == "" {
			return Payload{}, ErrEmpty
		}
		for _, part := range parts[1:] {
			v, err := url.QueryUnescape(part)
			if err != nil {
				return Payload{}, err
			}
			p.Params = append(p.Params, v)
		}
		return p, nil
	}

	action, rest, found := strings.Cut(raw, legacySep)
	p := Payload{Action: strings.ToUpper(action)}
	if p.Action == "" {
		return Payload{}, ErrEmpty
	}
	if found && rest != "" {
		p.Params = strings.Split(rest, legacySep)
	}
	return p, nil
}
