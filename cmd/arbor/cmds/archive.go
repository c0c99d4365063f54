package cmds

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/store"
	"github.com/iancoleman/strcase"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var DeleteCmd = &cobra.Command{
	Use:   "delete <chat-id>",
	Short: "Delete a chat, or a message subtree with --branch",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		branch, _ := cmd.Flags().GetString("branch")
		yes, _ := cmd.Flags().GetBool("yes")
		if branch == "" && len(args) == 0 {
			return errors.New("need a chat id or --branch")
		}
		if !yes {
			what := "branch " + branch
			if branch == "" {
				what = "chat " + args[0]
			}
			ok, err := confirm(fmt.Sprintf("Delete %s?", what))
			if err != nil {
				return err
			}
			if !ok {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "nothing deleted")
				return err
			}
		}

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		return withApp(ctx, out, func(app *App) error {
			if branch != "" {
				if _, err := openMessageChat(ctx, app, branch); err != nil {
					return err
				}
				if err := app.Session.DeleteBranch(ctx, branch); err != nil {
					return err
				}
				_, err := fmt.Fprintf(out, "deleted branch %s\n", branch)
				return err
			}
			if err := app.Session.DeleteChat(ctx, args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(out, "deleted chat %s\n", args[0])
			return err
		})
	},
}

var ExportCmd = &cobra.Command{
	Use:   "export <chat-id>",
	Short: "Write a chat with every message version as YAML or JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		return withApp(ctx, out, func(app *App) error {
			chat, err := app.Store.GetChat(ctx, args[0])
			if err != nil {
				return err
			}
			msgs, err := app.Store.ListMessages(ctx, chat.ID)
			if err != nil {
				return err
			}
			if msgs == nil {
				msgs = []*conversation.Message{}
			}
			archive := &conversation.Archive{Chat: chat, Messages: msgs}
			if output == "" {
				return archive.WriteYAML(out)
			}
			if strings.HasSuffix(output, string(os.PathSeparator)) {
				output = filepath.Join(output, archiveName(chat))
			}
			if err := archive.SaveToFile(output); err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "exported chat %s to %s\n", chat.ID, output)
			return err
		})
	},
}

var ImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load a chat written by export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		archive, err := conversation.LoadFromFile(args[0])
		if err != nil {
			return errors.Wrapf(err, "could not read %s", args[0])
		}
		if archive.Chat == nil {
			return errors.Errorf("%s holds no chat", args[0])
		}

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		return withApp(ctx, out, func(app *App) error {
			if _, err := app.Store.GetChat(ctx, archive.Chat.ID); err == nil {
				return errors.Errorf("chat %s already exists", archive.Chat.ID)
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if err := app.Store.PutChat(ctx, archive.Chat); err != nil {
				return err
			}
			// parents first so that backends indexing children see them
			tree := conversation.NewTree(archive.Messages)
			imported := 0
			for _, root := range tree.Children(conversation.RootKey) {
				for _, m := range tree.Descendants(root.ID) {
					m.ChatID = archive.Chat.ID
					if err := app.Store.PutMessage(ctx, m); err != nil {
						return errors.Wrapf(err, "could not import message %s", m.ID)
					}
					imported++
				}
			}
			_, err := fmt.Fprintf(out, "imported chat %s with %d messages\n", archive.Chat.ID, imported)
			return err
		})
	},
}

var SchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema that import checks JSON archives against",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := json.MarshalIndent(conversation.ArchiveSchema(), "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return err
	},
}

func init() {
	DeleteCmd.Flags().String("branch", "", "Delete this message and everything below it instead of a chat")
	DeleteCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	ExportCmd.Flags().StringP("output", "o", "", "Output file (.yaml or .json), or a directory ending in /; stdout when empty")
}

// archiveName derives a file name from the chat title, falling back to the
// chat id for untitled chats.
func archiveName(chat *conversation.Chat) string {
	name := strcase.ToKebab(chat.Title)
	if name == "" {
		name = chat.ID
	}
	return name + ".yaml"
}
