package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/stupiduntilnot/relay/internal/cohere"
	cmdpkg "github.com/stupiduntilnot/relay/internal/commander"
	"github.com/stupiduntilnot/relay/internal/config"
	"github.com/stupiduntilnot/relay/internal/control"
	"github.com/stupiduntilnot/relay/internal/db"
	"github.com/stupiduntilnot/relay/internal/dummy"
	"github.com/stupiduntilnot/relay/internal/gemini"
	modelpkg "github.com/stupiduntilnot/relay/internal/model"
	"github.com/stupiduntilnot/relay/internal/openai"
	"github.com/stupiduntilnot/relay/internal/session"
	"github.com/stupiduntilnot/relay/internal/telegram"
	"github.com/stupiduntilnot/relay/internal/toggle"
	"github.com/stupiduntilnot/relay/internal/transcript"
)

func main() {
	cfg, err := config.LoadRelayConfig()
	if err != nil {
		log.Fatalf("[relay] %v", err)
	}
	logger := log.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.OpenDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("[relay] %v", err)
	}
	defer database.Close()

	if err := db.InitSchema(database); err != nil {
		log.Fatalf("[relay] failed to init schema: %v", err)
	}

	processEventID, err := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{
		"pid":      os.Getpid(),
		"provider": cfg.ModelProvider,
		"source":   cfg.Commander,
		"model":    cfg.Model,
		"backend":  cfg.TranscriptBackend,
	})
	if err != nil {
		log.Printf("[relay] failed to log process.started: %v", err)
	}
	recorder := &db.Recorder{DB: database, Logger: logger}
	if processEventID > 0 {
		recorder.ParentID = &processEventID
	}

	store, closeStore, err := newTranscriptStore(&cfg, logger)
	if err != nil {
		log.Fatalf("[relay] failed to init transcript store: %v", err)
	}
	defer closeStore()

	commander, err := newCommander(&cfg)
	if err != nil {
		log.Fatalf("[relay] failed to init commander: %v", err)
	}
	modelProvider, err := newModelProvider(ctx, &cfg, logger)
	if err != nil {
		log.Fatalf("[relay] failed to init model provider: %v", err)
	}

	ctrl := session.NewController(session.Config{
		SystemPrompt:   cfg.SystemPrompt,
		Model:          cfg.Model,
		Temperature:    cfg.Temperature,
		MaxTokens:      cfg.MaxTokens,
		MessageLimit:   cfg.MessageLimit,
		AllowedUserIDs: cfg.AllowedUserIDs,
		AllowedChatIDs: cfg.AllowedChatIDs,
	}, store, modelProvider, commander, toggle.New(cfg.WebSearchDefault), recorder, logger)

	if username, err := botUsername(ctx, commander); err != nil {
		log.Printf("[relay] getMe failed, group mentions disabled: %v", err)
	} else {
		ctrl.SetBotUsername(username)
	}

	var offset int64
	if cfg.DropPending {
		bootstrapped, err := bootstrapOffset(ctx, commander, cfg.PendingWindowSeconds, cfg.PendingMaxMessages)
		if err != nil {
			log.Printf("[relay] bootstrap offset error: %v", err)
		} else {
			offset = bootstrapped
		}
	}

	log.Printf(
		"relay running model=%s provider=%s source=%s backend=%s users=%d chats=%d",
		cfg.Model,
		cfg.ModelProvider,
		cfg.Commander,
		cfg.TranscriptBackend,
		len(cfg.AllowedUserIDs),
		len(cfg.AllowedChatIDs),
	)

	// Conversations already accepted run to completion after a signal.
	workCtx := context.WithoutCancel(ctx)
	dispatcher := session.NewDispatcher(ctrl, logger)
	base := time.Duration(cfg.SleepSeconds) * time.Second
	p := &poller{
		commander: commander,
		dispatch:  func(_ context.Context, u cmdpkg.Update) { dispatcher.Dispatch(workCtx, u) },
		circuit:   control.NewCircuitBreaker(5, 30*time.Second),
		events:    recorder,
		timeout:   cfg.Timeout,
		backoff:   func(n int) time.Duration { return control.PollDelay(base, n) },
	}
	offset = p.run(ctx, offset)

	log.Printf("[relay] shutting down, waiting for in-flight conversations offset=%d", offset)
	dispatcher.Wait()
	recorder.Record(db.EventProcessStopped, map[string]any{"offset": offset})
}

// poller long-polls the commander and hands updates to dispatch.
type poller struct {
	commander cmdpkg.Commander
	dispatch  func(context.Context, cmdpkg.Update)
	circuit   *control.CircuitBreaker
	events    session.EventRecorder
	timeout   int
	backoff   func(consecutiveFailures int) time.Duration
}

// run polls until ctx is done and returns the next offset.
func (p *poller) run(ctx context.Context, offset int64) int64 {
	for ctx.Err() == nil {
		if now := time.Now(); !p.circuit.Allow(now) {
			sleepCtx(ctx, p.circuit.Remaining(now))
			continue
		}

		updates, err := p.commander.GetUpdates(ctx, offset, p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			errClass := classifyError(err)
			opened := p.circuit.RecordFailure(errClass, time.Now())
			log.Printf("[relay] getUpdates error class=%s failures=%d: %v", errClass, p.circuit.Failures(), err)
			if opened {
				p.events.Record(db.EventCircuitOpened, map[string]any{
					"error_class":      p.circuit.Cause(),
					"failures":         p.circuit.Failures(),
					"cooldown_seconds": int(p.circuit.Cooldown.Seconds()),
				})
			}
			sleepCtx(ctx, p.backoff(p.circuit.Failures()))
			continue
		}
		if p.circuit.RecordSuccess() {
			p.events.Record(db.EventCircuitClosed, map[string]any{"recovered": true})
		}

		for _, update := range updates {
			offset = update.UpdateID + 1
			p.dispatch(ctx, update)
		}
	}
	return offset
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// bootstrapOffset skips updates that queued up while the relay was down,
// keeping at most pendingMaxMessages from the last pendingWindowSeconds.
func bootstrapOffset(ctx context.Context, commander cmdpkg.Commander, pendingWindowSeconds int64, pendingMaxMessages int) (int64, error) {
	updates, err := commander.GetUpdates(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}

	cutoff := time.Now().Unix() - pendingWindowSeconds

	var inWindow []cmdpkg.Update
	for _, u := range updates {
		if u.Date() >= cutoff {
			inWindow = append(inWindow, u)
		}
	}

	if len(inWindow) == 0 {
		return updates[len(updates)-1].UpdateID + 1, nil
	}

	if pendingMaxMessages > 0 && len(inWindow) > pendingMaxMessages {
		inWindow = inWindow[len(inWindow)-pendingMaxMessages:]
	}

	return inWindow[0].UpdateID, nil
}

type usernameSource interface {
	GetMe(ctx context.Context) (string, error)
}

func botUsername(ctx context.Context, commander cmdpkg.Commander) (string, error) {
	src, ok := commander.(usernameSource)
	if !ok {
		return "", errors.New("commander cannot report its username")
	}
	return src.GetMe(ctx)
}

func newCommander(cfg *config.RelayConfig) (cmdpkg.Commander, error) {
	switch cfg.Commander {
	case "telegram":
		return telegram.NewClient(cfg.TelegramAPIBase, time.Duration(cfg.Timeout+20)*time.Second, cfg.SendsPerSecond), nil
	case "dummy":
		return dummy.NewCommander(cfg.DummyCommanderScript, cfg.DummySendScript)
	default:
		return nil, fmt.Errorf("unsupported commander: %s", cfg.Commander)
	}
}

func newModelProvider(ctx context.Context, cfg *config.RelayConfig, logger *log.Logger) (modelpkg.Provider, error) {
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	switch cfg.ModelProvider {
	case "cohere":
		return cohere.NewClient(cfg.CohereAPIKey, cfg.CohereChatURL, timeout), nil
	case "openai":
		return openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIChatCompURL, timeout, logger), nil
	case "gemini":
		return gemini.NewClient(ctx, cfg.GeminiAPIKey)
	case "dummy":
		return dummy.NewProvider(cfg.Model, cfg.DummyProviderScript)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.ModelProvider)
	}
}

func newTranscriptStore(cfg *config.RelayConfig, logger *log.Logger) (transcript.Store, func(), error) {
	switch cfg.TranscriptBackend {
	case "bolt":
		s, err := transcript.OpenBoltStore(cfg.BoltPath, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Printf("[relay] close bolt store: %v", err)
			}
		}, nil
	case "file":
		s, err := transcript.NewFileStore(cfg.HistoryDir, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported transcript backend: %s", cfg.TranscriptBackend)
	}
}

func classifyError(err error) string {
	if err == nil {
		return "unknown"
	}
	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) {
		return "telegram_api"
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "telegram ", "commander"):
		return "command_source_api"
	case containsAny(msg, "timeout", "deadline exceeded"):
		return "timeout"
	case containsAny(msg, "connection refused", "no such host", "connection reset"):
		return "network"
	default:
		return "unknown"
	}
}

func containsAny(s string, parts ...string) bool {
	for _, p := range parts {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
