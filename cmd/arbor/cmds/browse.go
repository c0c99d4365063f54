package cmds

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/glamour"
	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/session"
	"github.com/mb0/glob"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tiktoken-go/tokenizer"
)

var ShowCmd = &cobra.Command{
	Use:   "show [chat-id]",
	Short: "Print the visible path of a chat, or its whole tree with --tree",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := ""
		if len(args) > 0 {
			chatID = args[0]
		}
		tree, _ := cmd.Flags().GetBool("tree")
		raw, _ := cmd.Flags().GetBool("raw")
		countTokens, _ := cmd.Flags().GetBool("tokens")
		encoding, _ := cmd.Flags().GetString("encoding")

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		return withApp(ctx, out, func(app *App) error {
			found, err := app.openChat(ctx, chatID)
			if err != nil {
				return err
			}
			if !found {
				_, err := fmt.Fprintln(out, "no chats yet")
				return err
			}
			visible := app.Session.VisibleMessages()
			buf := &bytes.Buffer{}
			if chat := app.Session.Chat(); chat != nil {
				fmt.Fprintf(buf, "# %s (%s)\n\n", chat.Title, chat.ID)
			}
			if tree {
				if err := printTree(buf, app.Session.Tree(), visible); err != nil {
					return err
				}
			} else if err := printPath(buf, app.Session, visible); err != nil {
				return err
			}
			if countTokens {
				n, err := visibleTokens(visible, encoding)
				if err != nil {
					return err
				}
				fmt.Fprintf(buf, "%d tokens on the visible path (%s)\n", n, encoding)
			}

			text := buf.String()
			if !tree && !raw && out == os.Stdout && isTerminal(os.Stdout) {
				styled, err := glamour.Render(text, "dark")
				if err != nil {
					return errors.Wrap(err, "could not render markdown")
				}
				text = styled
			}
			_, err = io.WriteString(out, text)
			return err
		})
	},
}

var ListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chats, most recently updated first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		return withApp(ctx, out, func(app *App) error {
			chats, err := app.Store.ListChats(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tTOKENS\tCOST\tMODELS\tUPDATED")
			for _, c := range chats {
				if title != "" {
					matching, err := glob.Match(title, c.Title)
					if err != nil {
						return errors.Wrapf(err, "invalid title pattern %q", title)
					}
					if !matching {
						continue
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.4f\t%s\t%s\n",
					c.ID, c.Title, c.MessageCount, c.TotalTokens, c.TotalCost,
					strings.Join(c.Models, ","), c.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		})
	},
}

func init() {
	ShowCmd.Flags().Bool("tree", false, "Print every stored version, not just the visible path")
	ShowCmd.Flags().Bool("raw", false, "Print plain markdown even on a terminal")
	ShowCmd.Flags().Bool("tokens", false, "Count the tokens of the visible path")
	ShowCmd.Flags().String("encoding", string(tokenizer.Cl100kBase), "Tokenizer encoding used by --tokens")
	ListCmd.Flags().String("title", "", "Only list chats whose title matches this glob")
}

// visibleTokens estimates what the visible path costs as context for the
// next request.
func visibleTokens(visible []*conversation.Message, encoding string) (int, error) {
	codec, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		return 0, errors.Wrapf(err, "unknown encoding %s", encoding)
	}
	total := 0
	for _, m := range visible {
		ids, _, err := codec.Encode(m.Content)
		if err != nil {
			return 0, errors.Wrapf(err, "could not tokenize message %s", m.ID)
		}
		total += len(ids)
	}
	return total, nil
}

func printPath(out io.Writer, s *session.Session, visible []*conversation.Message) error {
	for _, m := range visible {
		n, total := s.VersionInfo(m.ID)
		if _, err := fmt.Fprintf(out, "%s\n\n", header(m, n, total)); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "%s\n\n", strings.TrimSpace(m.Content)); err != nil {
			return err
		}
	}
	return nil
}

// printTree prints every message indented by depth, marking the visible
// path with an asterisk.
func printTree(out io.Writer, tree *conversation.Tree, visible []*conversation.Message) error {
	onPath := map[string]bool{}
	for _, m := range visible {
		onPath[m.ID] = true
	}
	var walk func(parentID string, depth int) error
	walk = func(parentID string, depth int) error {
		children := tree.Children(parentID)
		for i, m := range children {
			marker := " "
			if onPath[m.ID] {
				marker = "*"
			}
			line := firstLine(m.Content, 60)
			if _, err := fmt.Fprintf(out, "%s%s %s  %s\n",
				strings.Repeat("  ", depth), marker, header(m, i+1, len(children)), line); err != nil {
				return err
			}
			if err := walk(m.ID, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(conversation.RootKey, 0)
}

func header(m *conversation.Message, n int, total int) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[%s] %s", m.Role, m.ID))
	if total > 1 {
		b.WriteString(fmt.Sprintf(" v%d/%d", n, total))
	}
	if m.Model != "" {
		b.WriteString(" " + m.Model)
	}
	if m.IsEdited {
		b.WriteString(" (edited)")
	}
	if m.IsPartial {
		b.WriteString(" (partial)")
	}
	return b.String()
}

func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
