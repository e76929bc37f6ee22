package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"quackchat/internal/chat"
	"quackchat/internal/connections"
	"quackchat/internal/conversation"
)

// withApp opens the core for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func connectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connections",
		Aliases: []string{"conn"},
		Short:   "Manage LLM connections",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tTYPE\tENDPOINT\tMODEL\tKEY")
				for _, c := range a.connections.List() {
					key := "-"
					if c.APIKey != "" {
						key = "set"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.Name, c.APIType, c.APIEndpoint, c.Model, key)
				}
				return tw.Flush()
			})
		},
	})

	var add connections.Connection
	var apiType string
	addCmd := &cobra.Command{
		Use:   "add <name> <endpoint>",
		Short: "Add or replace a connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			add.Name, add.APIEndpoint = args[0], args[1]
			add.APIType = connections.APIType(apiType)
			if add.APIKey == "" {
				add.APIKey = os.Getenv("QUACK_API_KEY")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.connections.Add(ctx, add); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", add.Name)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&apiType, "type", string(connections.APITypeOpenAI), "api type: OpenAI or AzureOpenAI")
	addCmd.Flags().StringVar(&add.APIKey, "api-key", "", "api key (defaults to $QUACK_API_KEY)")
	addCmd.Flags().StringVar(&add.Model, "model", "", "preferred model")
	cmd.AddCommand(addCmd)

	cmd.AddCommand(&cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a connection",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, ok := a.connections.Get(args[0]); !ok {
					return fmt.Errorf("connection %q not found", args[0])
				}
				return a.connections.Remove(ctx, args[0])
			})
		},
	})
	return cmd
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models of every reachable connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				models := a.connections.Models(ctx)
				if len(models) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), connections.NoModel)
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(models, "\n"))
				return nil
			})
		},
	}
}

func conversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Inspect stored conversations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tMODIFIED")
				for _, s := range a.conversations.Conversations() {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.Name, s.Modified.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	})

	var asJSON bool
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ok, err := a.conversations.SelectConversation(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("conversation %q not found", args[0])
				}
				c := a.conversations.Current()
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(c)
				}
				printConversation(cmd, c)
				return nil
			})
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "print the stored payload")
	cmd.AddCommand(show)

	cmd.AddCommand(&cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a conversation",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.conversations.RemoveConversation(ctx, args[0])
			})
		},
	})
	return cmd
}

func printConversation(cmd *cobra.Command, c *conversation.Conversation) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "model: %s\n", c.Model())
	for _, m := range c.Messages() {
		who := "you"
		if !m.IsUser() {
			who = m.Role()
		}
		fmt.Fprintf(out, "\n[%s]\n%s\n", who, m.Text())
		for _, img := range m.Images() {
			fmt.Fprintf(out, "(image %d bytes)\n", len(img))
		}
	}
	if d := c.DraftText(); d != "" {
		fmt.Fprintf(out, "\n[draft]\n%s\n", d)
	}
}

func chatCmd() *cobra.Command {
	var (
		id    string
		model string
		fresh bool
	)
	cmd := &cobra.Command{
		Use:   "chat <text>",
		Short: "Send a message and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return withApp(cmd, func(_ context.Context, a *app) error {
				c, err := pickConversation(ctx, a, id, fresh)
				if err != nil {
					return err
				}
				if model != "" {
					if err := c.SetModel(ctx, model); err != nil {
						return err
					}
				}

				out := cmd.OutOrStdout()
				l := &conversation.Listener{OnMessageAdded: func(m *chat.Message) {
					if m.IsUser() {
						return
					}
					m.AddListener(&chat.MessageListener{OnExtendText: func(chunk string) {
						fmt.Fprint(out, chunk)
					}})
				}}
				c.AddListener(l)
				defer c.RemoveListener(l)

				err = c.SendMessage(ctx, strings.Join(args, " "), nil)
				fmt.Fprintln(out)
				fmt.Fprintf(cmd.ErrOrStderr(), "conversation %s\n", c.ID())
				return err
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "conversation to continue (default: most recent)")
	cmd.Flags().StringVar(&model, "model", "", "qualified model, e.g. Ollama/llama3")
	cmd.Flags().BoolVar(&fresh, "new", false, "start a new conversation")
	return cmd
}

// pickConversation selects id, else the most recent conversation, else a new
// one.
func pickConversation(ctx context.Context, a *app, id string, fresh bool) (*conversation.Conversation, error) {
	if !fresh {
		if id == "" {
			if list := a.conversations.Conversations(); len(list) > 0 {
				id = list[0].ID
			}
		}
		if id != "" {
			ok, err := a.conversations.SelectConversation(ctx, id)
			if err != nil {
				return nil, err
			}
			if ok {
				return a.conversations.Current(), nil
			}
			return nil, fmt.Errorf("conversation %q not found", id)
		}
	}
	return a.conversations.NewConversation(ctx)
}
