package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/Kalito-Labs/Luna-sub004/pkg/core"
	"github.com/Kalito-Labs/Luna-sub004/pkg/intelligence"
	"github.com/Kalito-Labs/Luna-sub004/pkg/model"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "luna-memory",
		Usage: "Conversation memory for the Luna caregiving assistant",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env-file",
				Sources: cli.EnvVars("LUNA_ENV_FILE"),
				Usage:   "Load configuration from this .env file instead of searching for one",
			},
			&cli.StringFlag{
				Name:    "config",
				Sources: cli.EnvVars("LUNA_CONFIG"),
				Usage:   "Load configuration from a JSON file",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Sources: cli.EnvVars("LOG_LEVEL"),
				Usage:   "Log level (debug|info|warn|error)",
			},
		},
		Commands: []*cli.Command{
			sessionCommand(),
			messageCommand(),
			pinCommand(),
			contextCommand(),
			summarizeCommand(),
			backfillCommand(),
			scoreCommand(),
		},
	}
}

func sessionCommand() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Manage sessions",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create a session",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "model", Usage: "Model the session talks to", Value: "gpt-4o-mini"},
					&cli.StringFlag{Name: "id", Usage: "Session ID (default: random UUID)"},
					&cli.StringFlag{Name: "persona", Usage: "Assistant persona"},
					&cli.StringFlag{Name: "subject", Usage: "Subject (for example patient) ID"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withClient(ctx, cmd, func(client *core.Client) error {
						session, err := client.CreateSession(ctx, cmd.String("model"),
							core.WithSessionID(cmd.String("id")),
							core.WithPersona(cmd.String("persona")),
							core.WithSubject(cmd.String("subject")),
						)
						if err != nil {
							return err
						}
						return printJSON(cmd, session)
					})
				},
			},
			{
				Name:      "show",
				Usage:     "Print a session",
				ArgsUsage: "<session-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withClient(ctx, cmd, func(client *core.Client) error {
						session, err := client.GetSession(ctx, cmd.Args().First())
						if err != nil {
							return err
						}
						return printJSON(cmd, session)
					})
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a session with its messages, pins and summaries",
				ArgsUsage: "<session-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withClient(ctx, cmd, func(client *core.Client) error {
						return client.DeleteSession(ctx, cmd.Args().First())
					})
				},
			},
		},
	}
}

func sessionFlag() cli.Flag {
	return &cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Session ID", Required: true}
}

func messageCommand() *cli.Command {
	return &cli.Command{
		Name:  "message",
		Usage: "Record messages",
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Record a message",
				ArgsUsage: "<content>",
				Flags: []cli.Flag{
					sessionFlag(),
					&cli.StringFlag{Name: "role", Usage: "user, assistant or system", Value: string(model.RoleUser)},
					&cli.FloatFlag{Name: "importance", Usage: "Importance in [0,1] instead of the computed score"},
					&cli.IntFlag{Name: "tokens", Usage: "Token usage reported by the model"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					role, err := model.ParseRole(cmd.String("role"))
					if err != nil {
						return err
					}
					opts := []core.RecordOption{core.WithTokenUsage(cmd.Int("tokens"))}
					if cmd.IsSet("importance") {
						opts = append(opts, core.WithImportance(cmd.Float("importance")))
					}
					return withClient(ctx, cmd, func(client *core.Client) error {
						msg, err := client.RecordMessage(ctx, cmd.String("session"), role, argText(cmd), opts...)
						if err != nil {
							return err
						}
						return printJSON(cmd, msg)
					})
				},
			},
		},
	}
}

func pinCommand() *cli.Command {
	return &cli.Command{
		Name:  "pin",
		Usage: "Manage semantic pins",
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Pin a fact",
				ArgsUsage: "<content>",
				Flags: []cli.Flag{
					sessionFlag(),
					&cli.FloatFlag{Name: "importance", Usage: "Importance in [0,1]"},
					&cli.StringFlag{Name: "urgency", Usage: "critical, high, medium or low"},
					&cli.StringFlag{Name: "category", Usage: "Category, for example medical"},
					&cli.Int64Flag{Name: "source", Usage: "ID of the message the fact came from"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					opts := []core.PinOption{
						core.WithUrgency(cmd.String("urgency")),
						core.WithCategory(cmd.String("category")),
					}
					if cmd.IsSet("importance") {
						opts = append(opts, core.WithPinImportance(cmd.Float("importance")))
					}
					if cmd.IsSet("source") {
						opts = append(opts, core.WithSourceMessage(cmd.Int64("source")))
					}
					return withClient(ctx, cmd, func(client *core.Client) error {
						pin, err := client.AddPin(ctx, cmd.String("session"), argText(cmd), opts...)
						if err != nil {
							return err
						}
						return printJSON(cmd, pin)
					})
				},
			},
		},
	}
}

func contextCommand() *cli.Command {
	return &cli.Command{
		Name:  "context",
		Usage: "Print the memory context for the next turn",
		Flags: []cli.Flag{
			sessionFlag(),
			&cli.IntFlag{Name: "max-tokens", Usage: "Token budget (0 = unlimited)"},
			&cli.Int64Flag{Name: "exclude", Usage: "Message ID to leave out of the recent window"},
			&cli.StringFlag{Name: "system-prompt", Usage: "Render the prompt messages with this system prompt instead of the raw context"},
			&cli.StringFlag{Name: "new-message", Usage: "User message appended to the rendered prompt"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withClient(ctx, cmd, func(client *core.Client) error {
				mc, err := client.BuildContext(ctx, cmd.String("session"), cmd.Int("max-tokens"),
					core.WithExcludeMessage(cmd.Int64("exclude")))
				if err != nil {
					return err
				}
				if cmd.IsSet("system-prompt") || cmd.IsSet("new-message") {
					return printJSON(cmd, core.BuildPrompt(cmd.String("system-prompt"), mc, cmd.String("new-message")))
				}
				return printJSON(cmd, mc)
			})
		},
	}
}

func summarizeCommand() *cli.Command {
	return &cli.Command{
		Name:  "summarize",
		Usage: "Summarize the session now if enough messages are pending",
		Flags: []cli.Flag{sessionFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withClient(ctx, cmd, func(client *core.Client) error {
				summary, err := client.Summarize(ctx, cmd.String("session"))
				if err != nil {
					return err
				}
				if summary == nil {
					_, err := fmt.Fprintln(writer(cmd), "nothing to summarize")
					return err
				}
				return printJSON(cmd, summary)
			})
		},
	}
}

func backfillCommand() *cli.Command {
	return &cli.Command{
		Name:  "backfill",
		Usage: "Score messages stored without an importance score",
		Flags: []cli.Flag{sessionFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withClient(ctx, cmd, func(client *core.Client) error {
				n, err := client.BackfillImportance(ctx, cmd.String("session"))
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"scored": n})
			})
		},
	}
}

func scoreCommand() *cli.Command {
	return &cli.Command{
		Name:      "score",
		Usage:     "Print the importance score of a text without storing it",
		ArgsUsage: "<text>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "role", Value: string(model.RoleUser), Usage: "user, assistant or system"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			role, err := model.ParseRole(cmd.String("role"))
			if err != nil {
				return err
			}
			a := intelligence.NewImportanceScorer().Assess(role, argText(cmd))
			return printJSON(cmd, map[string]any{
				"score":    a.Score,
				"bucket":   a.Bucket.String(),
				"urgency":  a.Bucket.Urgency(),
				"hits":     a.Hits,
				"category": a.Bucket.Category(),
			})
		},
	}
}

// loadConfig resolves configuration from --config, --env-file or the
// environment, in that order.
func loadConfig(cmd *cli.Command) (*core.Config, error) {
	var (
		cfg *core.Config
		err error
	)
	switch {
	case cmd.String("config") != "":
		cfg, err = core.LoadConfigFromJSON(cmd.String("config"))
	case cmd.String("env-file") != "":
		cfg, err = core.LoadConfigFromEnvFile(cmd.String("env-file"))
	default:
		cfg, err = core.LoadConfigFromEnv()
	}
	if err != nil {
		return nil, err
	}
	if level := cmd.String("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}

func withClient(ctx context.Context, cmd *cli.Command, fn func(*core.Client) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client, err := core.NewClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}

func argText(cmd *cli.Command) string {
	return strings.Join(cmd.Args().Slice(), " ")
}

func writer(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func printJSON(cmd *cli.Command, v any) error {
	enc := json.NewEncoder(writer(cmd))
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
