// Package command defines the closed vocabulary of motion commands understood
// by the actuator controller and their wire framing.
package command

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidCommand is returned by Parse for tokens outside the vocabulary.
var ErrInvalidCommand = errors.New("invalid command")

// Command is a discrete motion/control instruction. The zero value is not a
// valid command.
type Command uint8

const (
	J1Plus Command = iota + 1
	J1Minus
	J2Plus
	J2Minus
	Stop
)

var tokens = map[Command]string{
	J1Plus:  "J1_PLUS",
	J1Minus: "J1_MINUS",
	J2Plus:  "J2_PLUS",
	J2Minus: "J2_MINUS",
	Stop:    "STOP",
}

// All returns the vocabulary in display order.
func All() []Command {
	return []Command{J1Plus, J1Minus, J2Plus, J2Minus, Stop}
}

// Parse maps a wire token to a Command. Surrounding whitespace is ignored and
// matching is case-insensitive.
func Parse(token string) (Command, error) {
	t := strings.ToUpper(strings.TrimSpace(token))
	if t == "" {
		return 0, fmt.Errorf("%w: empty token", ErrInvalidCommand)
	}
	for c, s := range tokens {
		if s == t {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidCommand, token)
}

// Valid reports whether c is part of the vocabulary.
func (c Command) Valid() bool {
	_, ok := tokens[c]
	return ok
}

// IsStop reports whether c is the emergency stop.
func (c Command) IsStop() bool { return c == Stop }

func (c Command) String() string {
	if s, ok := tokens[c]; ok {
		return s
	}
	return fmt.Sprintf("Command(%d)", uint8(c))
}

// Frame returns the wire encoding: the ASCII token followed by a single
// newline.
func (c Command) Frame() []byte {
	return []byte(c.String() + "\n")
}

// MarshalText implements encoding.TextMarshaler.
func (c Command) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCommand, uint8(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Command) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
