package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/niernejun2001/x-monitor-pro/internal/service"
)

var (
	runToken     string
	runNoConsole bool
)

// runCmd starts monitoring and blocks until interrupted
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start monitoring",
	Long: `Start monitoring registered threads and, when enabled, notifications.

The auth token comes from --token, XMONITOR_AUTH_TOKEN or the last saved
run. While running, commands typed on stdin act on the live monitor;
type "help" for the list.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	runCmd.Flags().StringVar(&runToken, "token", "", "X auth_token cookie value")
	runCmd.Flags().BoolVar(&runNoConsole, "no-console", false, "Do not read commands from stdin")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	release, err := acquirePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer release()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	token := runToken
	if token == "" {
		token = cfg.AuthToken
	}
	if err := a.engine.Start(ctx, token); err != nil {
		return err
	}

	quit := make(chan struct{})
	if !runNoConsole {
		c := &console{engine: a.engine, out: cmd.OutOrStdout(), quit: quit}
		go c.serve(ctx, cmd.InOrStdin())
	}

	logger.Info("monitor running, press Ctrl+C to stop", zap.String("data_dir", cfg.DataDir))

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return stopEngine(a.engine)
		case <-quit:
			logger.Info("stop requested from console")
			return stopEngine(a.engine)
		case <-ticker.C:
			if !a.engine.Running() {
				if err := a.engine.LastError(); err != nil {
					return fmt.Errorf("monitor stopped: %w", err)
				}
				return nil
			}
		}
	}
}

func stopEngine(e *service.Engine) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*service.DefaultStopTimeout)
	defer cancel()
	return e.Stop(ctx)
}

// console reads operator commands while the monitor runs
type console struct {
	engine *service.Engine
	out    io.Writer
	quit   chan struct{}
}

const consoleHelp = `commands:
  status                      show monitor status
  tasks                       list threads
  task add|rm <url>           register or remove a thread
  results [all]               list unreplied results, or all of them
  reply <key> [text...]       reply + DM one result
  ack <key>|@handle           acknowledge a result or every result of a handle
  clear [all|notification|tweet]
  notify|headless|llm on|off
  account <handle>|off        delegated account
  history clear               forget seen items
  diag                        recent failures
  stop                        stop monitoring and exit`

func (c *console) serve(ctx context.Context, in io.Reader) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		err := c.exec(ctx, line)
		if errors.Is(err, errConsoleQuit) {
			close(c.quit)
			return
		}
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

var errConsoleQuit = errors.New("quit")

// exec runs one console line
func (c *console) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	e := c.engine
	w := c.out

	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}
	switchArg := func() (bool, error) { return parseSwitch(arg(0)) }

	switch cmd {
	case "help", "?":
		fmt.Fprintln(w, consoleHelp)
		return nil
	case "stop", "quit", "exit":
		return errConsoleQuit
	case "status":
		return doStatus(w, e)
	case "tasks":
		return doTaskList(w, e)
	case "task":
		switch arg(0) {
		case "add":
			return doTaskAdd(ctx, w, e, arg(1))
		case "rm", "remove":
			return doTaskRemove(ctx, w, e, arg(1))
		}
		return fmt.Errorf("usage: task add|rm <url>")
	case "results":
		return doResults(w, e, arg(0) != "all", false)
	case "reply":
		if len(args) == 0 {
			return fmt.Errorf("usage: reply <key> [text...]")
		}
		return doReply(ctx, w, e, args[0], strings.Join(args[1:], " "), "")
	case "ack":
		target := arg(0)
		if strings.HasPrefix(target, "@") {
			return doAcknowledge(ctx, w, e, "", target)
		}
		return doAcknowledge(ctx, w, e, target, "")
	case "clear":
		return doClearResults(ctx, w, e, arg(0))
	case "notify":
		on, err := switchArg()
		if err != nil {
			return err
		}
		return e.ToggleNotification(ctx, on)
	case "headless":
		on, err := switchArg()
		if err != nil {
			return err
		}
		return e.SetHeadless(ctx, on)
	case "llm":
		on, err := switchArg()
		if err != nil {
			return err
		}
		return e.SetLLMFilter(ctx, on)
	case "account":
		if arg(0) == "" || arg(0) == "off" {
			return doAccountSet(ctx, w, e, "", false)
		}
		return doAccountSet(ctx, w, e, arg(0), true)
	case "history":
		if arg(0) != "clear" {
			return fmt.Errorf("usage: history clear")
		}
		return e.ClearHistory(ctx)
	case "diag", "diagnostics":
		return doDiagnostics(ctx, w, e, 10)
	}
	return fmt.Errorf("unknown command %q, type help", cmd)
}
