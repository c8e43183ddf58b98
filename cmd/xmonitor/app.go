package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/usecase"
	"github.com/niernejun2001/x-monitor-pro/internal/conf"
	"github.com/niernejun2001/x-monitor-pro/internal/data"
	"github.com/niernejun2001/x-monitor-pro/internal/infra/browser"
	"github.com/niernejun2001/x-monitor-pro/internal/infra/openai"
	"github.com/niernejun2001/x-monitor-pro/internal/service"
)

const pidFileName = "xmonitor.pid"

// errMonitorActive is returned when a command would change state owned by a running monitor
var errMonitorActive = errors.New("a monitor is running on this data directory, use its console instead")

// app holds everything one command needs
type app struct {
	repos  *data.Repositories
	engine *service.Engine
}

// openApp wires repositories, usecases and the engine, then loads saved state
func openApp(ctx context.Context, c *conf.Config, logger *zap.Logger) (*app, error) {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	var llmClient *openai.Client
	if c.LLM.Enabled() {
		llmClient = openai.NewClient(c.LLM.APIKey, c.LLM.BaseURL, c.LLM.Model)
		logger.Info("llm classifier configured", zap.String("model", llmClient.Model()))
	}

	var prompt string
	if c.Templates != nil {
		prompt = c.Templates.LLM.SystemPrompt
	}
	repos, err := data.NewRepositories(c.DBPath, c.DiagnosticsDir, llmClient, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to create repositories: %w", err)
	}

	launcher := browser.NewLauncher(c.Browser.NavTimeout, logger.Named("browser"))
	session := usecase.NewSessionManager(launcher, c.ToSessionConfig(), logger.Named("session"))
	extractor := usecase.NewExtractorUsecase(c.ToExtractorConfig(), logger.Named("extractor"))
	policy := usecase.NewPolicyUsecase(repos.Classifier, c.ToPolicyConfig(), logger.Named("policy"))
	pacer := usecase.NewPacer(c.ToPacerConfig())
	passcode := usecase.NewPasscodeHandler(c.Reply.Passcode, logger.Named("passcode"))
	dm := usecase.NewDMUsecase(passcode, c.Reply.AssumeSentOnUnverified, logger.Named("dm"))
	matcher := usecase.NewMatcherUsecase(usecase.DefaultMatcherConfig(), logger.Named("matcher"))
	orchestrator := usecase.NewOrchestratorUsecase(
		session, matcher, dm, passcode, pacer, extractor, repos.Diagnostics, logger.Named("orchestrator"))

	defaults := service.StateDefaults{Headless: c.Browser.Headless}
	var courtesy []string
	if t := c.Templates; t != nil {
		defaults.ReplyTemplates = t.ReplyTemplates
		defaults.DMTemplates = t.DMTemplates
		courtesy = t.CourtesyReplies
	}
	state := service.NewMonitorState(usecase.NewDedupStore(c.ToDedupConfig()), policy, defaults)

	engine := service.NewEngine(service.EngineDeps{
		State:           state,
		StateRepo:       repos.State,
		Diagnostics:     repos.Diagnostics,
		Session:         session,
		Extractor:       extractor,
		Account:         usecase.NewAccountSwitcher(state, logger.Named("account")),
		Replier:         orchestrator,
		Pacer:           pacer,
		Policy:          policy,
		LLMAvailable:    repos.Classifier != nil,
		CourtesyReplies: courtesy,
		Scheduler:       c.ToSchedulerConfig(),
		Logger:          logger.Named("engine"),
	})
	if err := engine.Load(ctx); err != nil {
		repos.Close()
		return nil, err
	}
	return &app{repos: repos, engine: engine}, nil
}

// Close stops the engine and closes the databases
func (a *app) Close(ctx context.Context) {
	a.engine.Close(ctx)
	if err := a.repos.Close(); err != nil {
		logger.Warn("failed to close repositories", zap.Error(err))
	}
}

// withApp opens the app for one command. Mutating commands are refused
// while another process holds the pid file.
func withApp(ctx context.Context, mutates bool, fn func(a *app) error) error {
	if mutates {
		if pid, ok := runningPID(cfg.DataDir); ok {
			return fmt.Errorf("%w (pid %d)", errMonitorActive, pid)
		}
	}
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(a)
}

// ========== pid file ==========

// acquirePIDFile claims the data directory for this process
func acquirePIDFile(dir string) (release func(), err error) {
	if pid, ok := runningPID(dir); ok {
		return nil, fmt.Errorf("%w (pid %d)", errMonitorActive, pid)
	}
	path := filepath.Join(dir, pidFileName)
	// stale file from a crashed run
	_ = os.Remove(path)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create pid file: %w", err)
	}
	_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write pid file: %w", err)
	}
	return func() { os.Remove(path) }, nil
}

// runningPID returns the pid recorded in dir when that process is alive
func runningPID(dir string) (int, bool) {
	raw, err := os.ReadFile(filepath.Join(dir, pidFileName))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 || pid == os.Getpid() {
		return 0, false
	}
	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		return 0, false
	}
	return pid, true
}
