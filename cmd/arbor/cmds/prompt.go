package cmds

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tcnksm/go-input"
)

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// confirm asks a yes/no question on the controlling terminal. Without a
// terminal nothing is confirmed.
func confirm(question string) (bool, error) {
	if !isTerminal(os.Stdin) {
		return false, errors.New("not a terminal, pass --yes to confirm")
	}
	tty_, err := openTTY()
	if err != nil {
		return false, err
	}
	defer func() {
		if err := tty_.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close tty")
		}
	}()

	ui := &input.UI{
		Writer: tty_,
		Reader: tty_,
	}
	answer, err := ui.Ask(question+" [y/N]", &input.Options{
		Default: "n",
		Loop:    true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N":
				return nil
			default:
				return fmt.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, err
	}
	return answer == "y" || answer == "Y", nil
}
