package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var SendCmd = &cobra.Command{
	Use:   "send [message...]",
	Short: "Send a message and stream the response",
	Long: "Send a message to the end of the visible path of a chat. Without --chat or --continue a new " +
		"chat is created. Use - to read the message from stdin. Ctrl-C stops the response and keeps what " +
		"was streamed so far.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := messageFromArgs(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		chatID, _ := cmd.Flags().GetString("chat")
		cont, _ := cmd.Flags().GetBool("continue")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		out := cmd.OutOrStdout()
		return withApp(ctx, out, func(app *App) error {
			if chatID != "" || cont {
				if _, err := app.openChat(ctx, chatID); err != nil {
					return err
				}
			}
			gen, err := app.Session.SendMessage(ctx, content, nil)
			if err != nil {
				return err
			}
			return waitForGeneration(ctx, app, gen, out)
		})
	},
}

var EditCmd = &cobra.Command{
	Use:   "edit <message-id> <new content...>",
	Short: "Store a new version of a user message and regenerate the response",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := messageFromArgs(args[1:], cmd.InOrStdin())
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		out := cmd.OutOrStdout()
		return withApp(ctx, out, func(app *App) error {
			msg, err := openMessageChat(ctx, app, args[0])
			if err != nil {
				return err
			}
			gen, err := app.Session.EditAndRegenerate(ctx, msg.ID, content)
			if err != nil {
				return err
			}
			return waitForGeneration(ctx, app, gen, out)
		})
	},
}

var RegenerateCmd = &cobra.Command{
	Use:   "regenerate <message-id>",
	Short: "Stream a new response version",
	Long:  "Stream a new response to a user message. Given an assistant message, its prompt is answered again.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		out := cmd.OutOrStdout()
		return withApp(ctx, out, func(app *App) error {
			msg, err := openMessageChat(ctx, app, args[0])
			if err != nil {
				return err
			}
			userID := msg.ID
			if msg.Role == conversation.RoleAssistant {
				userID = msg.ParentID
			}
			gen, err := app.Session.RegenerateResponse(ctx, userID)
			if err != nil {
				return err
			}
			return waitForGeneration(ctx, app, gen, out)
		})
	},
}

var SwitchCmd = &cobra.Command{
	Use:   "switch <message-id>",
	Short: "Make a message version visible and print the resulting path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		return withApp(ctx, out, func(app *App) error {
			if _, err := openMessageChat(ctx, app, args[0]); err != nil {
				return err
			}
			visible, err := app.Session.SwitchVersion(ctx, args[0])
			if err != nil {
				return err
			}
			return printPath(out, app.Session, visible)
		})
	},
}

func init() {
	SendCmd.Flags().String("chat", "", "Continue this chat")
	SendCmd.Flags().Bool("continue", false, "Continue the most recently updated chat")
}

func messageFromArgs(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", errors.Wrap(err, "could not read message from stdin")
		}
		return string(b), nil
	}
	return strings.Join(args, " "), nil
}

// openMessageChat focuses the chat messageID belongs to.
func openMessageChat(ctx context.Context, app *App, messageID string) (*conversation.Message, error) {
	msg, err := app.Store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := app.Session.OpenChat(ctx, msg.ChatID); err != nil {
		return nil, err
	}
	return msg, nil
}

// waitForGeneration blocks until gen ends. An interrupt stops it and keeps
// the partial response.
func waitForGeneration(ctx context.Context, app *App, gen *session.Generation, out io.Writer) error {
	select {
	case <-gen.Done():
	case <-ctx.Done():
		log.Info().Str("chat_id", gen.ChatID).Msg("Interrupted, keeping partial response")
		if err := app.Session.StopGeneration(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}

	outcome := gen.Wait()
	switch outcome.State {
	case session.StateCompleted:
		_, err := fmt.Fprintf(out, "\n[chat %s, response %s]\n", gen.ChatID, strings.Join(gen.AssistantMessageIDs, ", "))
		return err
	case session.StateAborted:
		_, err := fmt.Fprintf(out, "\n[stopped, chat %s]\n", gen.ChatID)
		return err
	default:
		return outcome.Err
	}
}
