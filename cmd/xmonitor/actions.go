package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
	"github.com/niernejun2001/x-monitor-pro/internal/service"
)

// Actions shared by the cobra commands and the run console

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncate shortens s to n runes for table output
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// parseSwitch accepts on/off style arguments
func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "1", "yes", "enable":
		return true, nil
	case "off", "false", "0", "no", "disable":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func doStatus(w io.Writer, e *service.Engine) error {
	return printJSON(w, e.Status())
}

func doTaskAdd(ctx context.Context, w io.Writer, e *service.Engine, rawURL string) error {
	added, err := e.AddTask(ctx, rawURL)
	if err != nil {
		return err
	}
	if !added {
		fmt.Fprintln(w, "task already registered")
		return nil
	}
	fmt.Fprintf(w, "task added, %d total\n", len(e.Tasks()))
	return nil
}

func doTaskRemove(ctx context.Context, w io.Writer, e *service.Engine, rawURL string) error {
	removed, err := e.RemoveTask(ctx, rawURL)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("task %s: %w", rawURL, domain.ErrNotFound)
	}
	fmt.Fprintf(w, "task removed, %d left\n", len(e.Tasks()))
	return nil
}

func doTaskList(w io.Writer, e *service.Engine) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "URL\tLAST CHECK")
	for _, t := range e.Tasks() {
		last := "never"
		if !t.LastCheckTime.IsZero() {
			last = t.LastCheckTime.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%s\n", t.URL, last)
	}
	return tw.Flush()
}

func doResults(w io.Writer, e *service.Engine, unrepliedOnly, asJSON bool) error {
	var list []domain.PendingResult
	for _, r := range e.Results() {
		if unrepliedOnly && r.Replied {
			continue
		}
		list = append(list, r)
	}
	if asJSON {
		if list == nil {
			list = []domain.PendingResult{}
		}
		return printJSON(w, list)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSOURCE\tHANDLE\tSTATE\tCONTENT")
	for _, r := range list {
		state := "pending"
		switch {
		case r.Replied && r.DMSkipped:
			state = "replied (dm skipped)"
		case r.Replied:
			state = "replied"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Key, r.Source, r.Handle, state, truncate(r.Content, 60))
	}
	return tw.Flush()
}

func doAcknowledge(ctx context.Context, w io.Writer, e *service.Engine, key, handle string) error {
	n, err := e.Acknowledge(ctx, key, handle)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d result(s) acknowledged\n", n)
	return nil
}

func doClearResults(ctx context.Context, w io.Writer, e *service.Engine, rawScope string) error {
	scope, err := domain.ParseClearScope(rawScope)
	if err != nil {
		return err
	}
	n, err := e.ClearResults(ctx, scope)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d result(s) cleared\n", n)
	return nil
}

func doReply(ctx context.Context, w io.Writer, e *service.Engine, key, text, dm string) error {
	out, err := e.SubmitReply(ctx, key, text, dm)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "replied: %s\n", out.ReplyText)
	if out.Link != "" {
		fmt.Fprintf(w, "link: %s\n", out.Link)
	}
	switch {
	case out.DMSkipped:
		fmt.Fprintf(w, "dm skipped: %s\n", out.DMSkipReason)
		if out.CourtesyText != "" {
			fmt.Fprintf(w, "courtesy reply: %s\n", out.CourtesyText)
		}
	case out.DMText != "":
		fmt.Fprintf(w, "dm sent: %s\n", out.DMText)
	}
	return nil
}

func doAccountSet(ctx context.Context, w io.Writer, e *service.Engine, account string, enabled bool) error {
	st, err := e.SetDelegatedAccount(ctx, account, enabled)
	if err != nil {
		return err
	}
	return printJSON(w, st)
}

func doTemplates(w io.Writer, list []string) error {
	for i, t := range list {
		fmt.Fprintf(w, "%d\t%s\n", i, t)
	}
	return nil
}

func parseIndex(s string) (int, error) {
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid index %q", s)
	}
	return i, nil
}

func doDiagnostics(ctx context.Context, w io.Writer, e *service.Engine, limit int) error {
	recs, err := e.Diagnostics(ctx, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tSTAGE\tCLASS\tHANDLE\tREASON\tSCREENSHOT")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.At.Local().Format("01-02 15:04:05"), r.Stage, r.Class, r.Handle, truncate(r.Reason, 60), r.ScreenshotPath)
	}
	return tw.Flush()
}
