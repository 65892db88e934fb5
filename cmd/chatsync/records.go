package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lumen-chat/chatsync/internal/db"
	"github.com/lumen-chat/chatsync/internal/schema"
	"github.com/lumen-chat/chatsync/internal/tracker"
	"github.com/lumen-chat/chatsync/internal/ui"
)

var conversationCmd = &cobra.Command{
	Use:     "conversation",
	Aliases: []string{"conv"},
	GroupID: "data",
	Short:   "List and edit conversations",
}

var conversationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	Run: func(cmd *cobra.Command, args []string) {
		opts := listOptions(cmd)
		jsonOutput, _ := cmd.Flags().GetBool("json")

		r := mustOpenReplica(false)
		defer r.Close()

		convs, err := r.store.ListConversations(context.Background(), opts)
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(convs)
			return
		}
		if len(convs) == 0 {
			out.Println(out.Muted("No conversations"))
			return
		}
		width := out.Width() - 40
		for _, c := range convs {
			out.Printf("%s  %s  %s%s\n",
				c.ID,
				c.UpdatedAt.Local().Format("2006-01-02 15:04"),
				ui.Truncate(c.Title, width),
				recordMarks(c.IsDirty, c.IsDeleted))
		}
	},
}

var conversationShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conversation and its messages",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		r := mustOpenReplica(false)
		defer r.Close()
		ctx := context.Background()

		c, err := r.store.GetConversation(ctx, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		msgs, err := r.store.ListMessages(ctx, db.ListOptions{ConversationID: c.ID})
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(map[string]any{"conversation": c, "messages": msgs})
			return
		}

		out.Printf("%s%s\n\n", out.Header(c.Title), recordMarks(c.IsDirty, c.IsDeleted))
		for _, m := range msgs {
			out.Printf("%s %s%s\n", out.Bold(string(m.Role)+":"), messageText(m.Parts), recordMarks(m.IsDirty, false))
		}
	},
}

var conversationCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a conversation",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		r := mustOpenReplica(false)
		defer r.Close()

		c, err := r.tracker.CreateConversation(context.Background(), tracker.ConversationInput{
			Title: strings.Join(args, " "),
		})
		if err != nil {
			fatalf("%v", err)
		}
		out.Println(c.ID)
	},
}

var conversationRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Change a conversation's title",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		r := mustOpenReplica(false)
		defer r.Close()

		if _, err := r.tracker.UpdateConversation(context.Background(), args[0], strings.Join(args[1:], " ")); err != nil {
			fatalf("%v", err)
		}
		out.Printf("%s Renamed %s\n", out.Pass("✓"), args[0])
	},
}

var conversationDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation and its messages",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		r := mustOpenReplica(false)
		defer r.Close()

		if _, err := r.tracker.DeleteConversation(context.Background(), args[0]); err != nil {
			fatalf("%v", err)
		}
		out.Printf("%s Deleted %s\n", out.Pass("✓"), args[0])
	},
}

var messageCmd = &cobra.Command{
	Use:     "message",
	Aliases: []string{"msg"},
	GroupID: "data",
	Short:   "List and edit messages",
}

var messageListCmd = &cobra.Command{
	Use:   "list <conversation-id>",
	Short: "List a conversation's messages",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		opts := listOptions(cmd)
		opts.ConversationID = args[0]
		jsonOutput, _ := cmd.Flags().GetBool("json")

		r := mustOpenReplica(false)
		defer r.Close()

		msgs, err := r.store.ListMessages(context.Background(), opts)
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(msgs)
			return
		}
		width := out.Width() - 40
		for _, m := range msgs {
			out.Printf("%s  %-9s  %s%s\n", m.ID, m.Role, ui.Truncate(messageText(m.Parts), width), recordMarks(m.IsDirty, m.IsDeleted))
		}
	},
}

var messageAddCmd = &cobra.Command{
	Use:   "add <conversation-id> <text>",
	Short: "Add a text message",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		role, _ := cmd.Flags().GetString("role")

		r := mustOpenReplica(false)
		defer r.Close()

		m, err := r.tracker.CreateMessage(context.Background(), tracker.MessageInput{
			ConversationID: args[0],
			Role:           schema.Role(role),
			Parts:          textParts(strings.Join(args[1:], " ")),
		})
		if err != nil {
			fatalf("%v", err)
		}
		out.Println(m.ID)
	},
}

var messageEditCmd = &cobra.Command{
	Use:   "edit <id> <text>",
	Short: "Replace a message's text",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		r := mustOpenReplica(false)
		defer r.Close()

		_, err := r.tracker.UpdateMessage(context.Background(), args[0], tracker.MessageUpdate{
			Parts: textParts(strings.Join(args[1:], " ")),
		})
		if err != nil {
			fatalf("%v", err)
		}
		out.Printf("%s Updated %s\n", out.Pass("✓"), args[0])
	},
}

var messageDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		r := mustOpenReplica(false)
		defer r.Close()

		if _, err := r.tracker.DeleteMessage(context.Background(), args[0]); err != nil {
			fatalf("%v", err)
		}
		out.Printf("%s Deleted %s\n", out.Pass("✓"), args[0])
	},
}

func listOptions(cmd *cobra.Command) db.ListOptions {
	dirty, _ := cmd.Flags().GetBool("dirty")
	deleted, _ := cmd.Flags().GetBool("include-deleted")
	limit, _ := cmd.Flags().GetInt("limit")
	return db.ListOptions{DirtyOnly: dirty, IncludeDeleted: deleted, Limit: limit}
}

func recordMarks(dirty, deleted bool) string {
	var marks []string
	if dirty {
		marks = append(marks, out.Warn("unsynced"))
	}
	if deleted {
		marks = append(marks, out.Muted("deleted"))
	}
	if len(marks) == 0 {
		return ""
	}
	return "  [" + strings.Join(marks, ", ") + "]"
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func textParts(text string) json.RawMessage {
	data, _ := json.Marshal([]textPart{{Type: "text", Text: text}})
	return data
}

// messageText joins the text parts of a message; other parts are shown by type.
func messageText(parts json.RawMessage) string {
	var decoded []textPart
	if err := json.Unmarshal(parts, &decoded); err != nil {
		return string(parts)
	}
	var texts []string
	for _, p := range decoded {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		} else {
			texts = append(texts, fmt.Sprintf("<%s>", p.Type))
		}
	}
	return strings.Join(texts, " ")
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func init() {
	for _, cmd := range []*cobra.Command{conversationListCmd, messageListCmd} {
		cmd.Flags().Bool("dirty", false, "Only records with unsynced changes")
		cmd.Flags().Bool("include-deleted", false, "Include deleted records")
		cmd.Flags().Int("limit", 0, "Maximum number of records (0 = all)")
		cmd.Flags().Bool("json", false, "Output as JSON")
	}
	conversationShowCmd.Flags().Bool("json", false, "Output as JSON")
	messageAddCmd.Flags().String("role", string(schema.RoleUser), "Message role: user, assistant or system")

	conversationCmd.AddCommand(conversationListCmd, conversationShowCmd, conversationCreateCmd,
		conversationRenameCmd, conversationDeleteCmd)
	messageCmd.AddCommand(messageListCmd, messageAddCmd, messageEditCmd, messageDeleteCmd)
	rootCmd.AddCommand(conversationCmd)
	rootCmd.AddCommand(messageCmd)
}
