package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
)

var (
	// results flags
	resultsJSON      bool
	resultsUnreplied bool
	ackHandle        string

	// reply flags
	replyText string
	replyDM   string

	// account flags
	accountDisable bool

	// diagnostics flags
	diagnosticsLimit int
)

// statusCmd prints the engine status
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show monitor status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, func(a *app) error {
			return doStatus(cmd.OutOrStdout(), a.engine)
		})
	},
}

// ========== task ==========

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage the tweet threads to scan",
}

// taskAddCmd registers a thread
var taskAddCmd = &cobra.Command{
	Use:   "add <status-url>",
	Short: "Register a tweet thread",
	Long: `Register a tweet thread to scan for replies.

twitter.com and mobile links are normalized to https://x.com/<user>/status/<id>.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(a *app) error {
			return doTaskAdd(cmd.Context(), cmd.OutOrStdout(), a.engine, args[0])
		})
	},
}

// taskRemoveCmd unregisters a thread
var taskRemoveCmd = &cobra.Command{
	Use:     "remove <status-url>",
	Aliases: []string{"rm"},
	Short:   "Stop scanning a tweet thread",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(a *app) error {
			return doTaskRemove(cmd.Context(), cmd.OutOrStdout(), a.engine, args[0])
		})
	},
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered threads",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, func(a *app) error {
			return doTaskList(cmd.OutOrStdout(), a.engine)
		})
	},
}

// ========== results ==========

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Inspect and acknowledge captured results",
}

var resultsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List captured results",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, func(a *app) error {
			return doResults(cmd.OutOrStdout(), a.engine, resultsUnreplied, resultsJSON)
		})
	},
}

// resultsAckCmd removes one result, or all of a handle's results
var resultsAckCmd = &cobra.Command{
	Use:   "ack [key]",
	Short: "Acknowledge a result by key, or every result of --handle",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		}
		return withApp(cmd.Context(), true, func(a *app) error {
			return doAcknowledge(cmd.Context(), cmd.OutOrStdout(), a.engine, key, ackHandle)
		})
	},
}

var resultsClearCmd = &cobra.Command{
	Use:       "clear [all|notification|tweet]",
	Short:     "Clear captured results",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"all", "notification", "tweet"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var scope string
		if len(args) == 1 {
			scope = args[0]
		}
		return withApp(cmd.Context(), true, func(a *app) error {
			return doClearResults(cmd.Context(), cmd.OutOrStdout(), a.engine, scope)
		})
	},
}

// ========== reply ==========

// replyCmd runs the reply + DM workflow for one result
var replyCmd = &cobra.Command{
	Use:   "reply <key>",
	Short: "Reply to a captured result and follow up with a DM",
	Long: `Reply to a captured result and follow up with a direct message.

Without --text a random reply template is used. Without --dm the first
DM template is sent. When the author's DMs are closed a short courtesy
reply is posted instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(a *app) error {
			return doReply(cmd.Context(), cmd.OutOrStdout(), a.engine, args[0], replyText, replyDM)
		})
	},
}

// ========== account ==========

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Configure the delegated account the browser acts as",
}

var accountSetCmd = &cobra.Command{
	Use:   "set <handle>",
	Short: "Act as a delegated account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(a *app) error {
			return doAccountSet(cmd.Context(), cmd.OutOrStdout(), a.engine, args[0], !accountDisable)
		})
	},
}

var accountClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Act as the logged-in account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(a *app) error {
			return doAccountSet(cmd.Context(), cmd.OutOrStdout(), a.engine, "", false)
		})
	},
}

// ========== switches ==========

var notifyCmd = &cobra.Command{
	Use:       "notify <on|off>",
	Short:     "Turn notification monitoring on or off",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := parseSwitch(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), true, func(a *app) error {
			return a.engine.ToggleNotification(cmd.Context(), on)
		})
	},
}

var headlessCmd = &cobra.Command{
	Use:       "headless <on|off>",
	Short:     "Run the browser headless from the next launch",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := parseSwitch(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), true, func(a *app) error {
			return a.engine.SetHeadless(cmd.Context(), on)
		})
	},
}

var llmCmd = &cobra.Command{
	Use:       "llm <on|off>",
	Short:     "Turn the LLM content filter on or off",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := parseSwitch(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), true, func(a *app) error {
			return a.engine.SetLLMFilter(cmd.Context(), on)
		})
	},
}

// ========== templates ==========

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage reply and DM templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list <reply|dm>",
	Short: "List templates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := domain.ParseTemplateKind(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), false, func(a *app) error {
			return doTemplates(cmd.OutOrStdout(), a.engine.Templates(kind))
		})
	},
}

var templatesAddCmd = &cobra.Command{
	Use:   "add <reply|dm> <text...>",
	Short: "Add a template",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := domain.ParseTemplateKind(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), true, func(a *app) error {
			list, err := a.engine.AddTemplate(cmd.Context(), kind, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return doTemplates(cmd.OutOrStdout(), list)
		})
	},
}

var templatesUpdateCmd = &cobra.Command{
	Use:   "update <reply|dm> <index> <text...>",
	Short: "Replace a template",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := domain.ParseTemplateKind(args[0])
		if err != nil {
			return err
		}
		index, err := parseIndex(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), true, func(a *app) error {
			list, err := a.engine.UpdateTemplate(cmd.Context(), kind, index, strings.Join(args[2:], " "))
			if err != nil {
				return err
			}
			return doTemplates(cmd.OutOrStdout(), list)
		})
	},
}

var templatesDeleteCmd = &cobra.Command{
	Use:     "delete <reply|dm> <index>",
	Aliases: []string{"rm"},
	Short:   "Delete a template",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := domain.ParseTemplateKind(args[0])
		if err != nil {
			return err
		}
		index, err := parseIndex(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), true, func(a *app) error {
			list, err := a.engine.DeleteTemplate(cmd.Context(), kind, index)
			if err != nil {
				return err
			}
			return doTemplates(cmd.OutOrStdout(), list)
		})
	},
}

// ========== history & diagnostics ==========

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage the dedupe history",
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget every seen item so it can be captured again",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(a *app) error {
			return a.engine.ClearHistory(cmd.Context())
		})
	},
}

// diagnosticsCmd lists recorded reply failures
var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Show recent reply workflow failures",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, func(a *app) error {
			return doDiagnostics(cmd.Context(), cmd.OutOrStdout(), a.engine, diagnosticsLimit)
		})
	},
}

func init() {
	taskCmd.AddCommand(taskAddCmd, taskRemoveCmd, taskListCmd)

	resultsListCmd.Flags().BoolVar(&resultsJSON, "json", false, "Print results as JSON")
	resultsListCmd.Flags().BoolVar(&resultsUnreplied, "unreplied", false, "Only show results not replied yet")
	resultsAckCmd.Flags().StringVar(&ackHandle, "handle", "", "Acknowledge every result of this handle")
	resultsCmd.AddCommand(resultsListCmd, resultsAckCmd, resultsClearCmd)

	replyCmd.Flags().StringVar(&replyText, "text", "", "Reply text (default: random reply template)")
	replyCmd.Flags().StringVar(&replyDM, "dm", "", "DM text (default: first DM template)")

	accountSetCmd.Flags().BoolVar(&accountDisable, "disable", false, "Remember the handle but do not switch to it")
	accountCmd.AddCommand(accountSetCmd, accountClearCmd)

	templatesCmd.AddCommand(templatesListCmd, templatesAddCmd, templatesUpdateCmd, templatesDeleteCmd)

	historyCmd.AddCommand(historyClearCmd)

	diagnosticsCmd.Flags().IntVar(&diagnosticsLimit, "limit", 20, "Number of records to show")
}
