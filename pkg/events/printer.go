package events

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// PrinterFunc returns an event observer that renders a stream as plain text.
// In multi-model streams each model's text is prefixed with its name when
// the speaker changes.
func PrinterFunc(w io.Writer) func(e Event) error {
	lastModel := ""
	endsWithNewline := true

	write := func(s string) error {
		if s == "" {
			return nil
		}
		endsWithNewline = strings.HasSuffix(s, "\n")
		_, err := io.WriteString(w, s)
		return err
	}
	newline := func() error {
		if endsWithNewline {
			return nil
		}
		return write("\n")
	}

	return func(e Event) error {
		switch p_ := e.(type) {
		case *EventRouter:
			if err := newline(); err != nil {
				return err
			}
			line := fmt.Sprintf("[router] %s", p_.Model())
			if p_.Rationale != "" {
				line += ": " + p_.Rationale
			}
			return write(line + "\n")

		case *EventContent:
			if p_.Model() != "" && p_.Model() != lastModel {
				lastModel = p_.Model()
				if err := newline(); err != nil {
					return err
				}
				if err := write(fmt.Sprintf("\n%s:\n", lastModel)); err != nil {
					return err
				}
			}
			return write(p_.Content)

		case *EventCitations:
			if err := newline(); err != nil {
				return err
			}
			v_, err := yaml.Marshal(p_.Citations)
			if err != nil {
				return err
			}
			return write(fmt.Sprintf("[sources]\n%s", v_))

		case *EventError:
			if err := newline(); err != nil {
				return err
			}
			return write(fmt.Sprintf("[error] %s\n", p_.ErrorString))

		case *EventDone:
			return newline()

		case *EventStats, *EventSummary:
		}
		return nil
	}
}
