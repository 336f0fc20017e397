// Command aviko-chat is a terminal harness for the conversation core: typed
// lines stand in for final transcripts, replies are printed and optionally
// played through the speaker.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-retry"

	"github.com/aviko-ai/aviko/pkg/core/audio"
	"github.com/aviko-ai/aviko/pkg/core/channel"
	"github.com/aviko-ai/aviko/pkg/core/expression"
	"github.com/aviko-ai/aviko/pkg/core/metrics"
	"github.com/aviko-ai/aviko/pkg/core/protocol"
	"github.com/aviko-ai/aviko/pkg/core/session"
	"github.com/aviko-ai/aviko/pkg/core/transcript"
	"github.com/aviko-ai/aviko/pkg/store"
)

const (
	defaultThinkDelay  = 1200 * time.Millisecond
	defaultSpeakerRate = 24000
	defaultTurnTimeout = 90 * time.Second
)

type chatConfig struct {
	BackendURL    string
	PeripheralURL string
	DatabaseURL   string
	MetricsAddr   string
	Speaker       bool
	SpeakerRate   int
	ThinkDelay    time.Duration
	SystemPrompt  string
	Memories      string
	Provider      string
	Model         string
	APIKey        string
	MockAudio     bool
	Verbose       bool
}

func parseChatConfig(args []string, getenv func(string) string) (chatConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := chatConfig{}
	fs := flag.NewFlagSet("aviko-chat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.BackendURL, "backend-url", strings.TrimSpace(getenv("AVIKO_BACKEND_URL")), "backend websocket URL (or AVIKO_BACKEND_URL); empty runs offline")
	fs.StringVar(&cfg.PeripheralURL, "peripheral-url", strings.TrimSpace(getenv("AVIKO_PERIPHERAL_URL")), "peripheral bridge websocket URL (or AVIKO_PERIPHERAL_URL)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "optional address to expose prometheus metrics on")
	fs.BoolVar(&cfg.Speaker, "speaker", false, "play reply audio through the default output device")
	fs.IntVar(&cfg.SpeakerRate, "speaker-rate", defaultSpeakerRate, "speaker sample rate in Hz")
	fs.DurationVar(&cfg.ThinkDelay, "think-delay", defaultThinkDelay, "offline fallback think delay")
	fs.StringVar(&cfg.SystemPrompt, "system", strings.TrimSpace(getenv("AVIKO_SYSTEM_PROMPT")), "system prompt sent with each turn")
	fs.BoolVar(&cfg.MockAudio, "mock-audio", false, "ask the backend for synthetic reply audio")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return chatConfig{}, err
	}

	cfg.DatabaseURL = strings.TrimSpace(getenv("AVIKO_DATABASE_URL"))
	cfg.Memories = strings.TrimSpace(getenv("AVIKO_MEMORIES"))
	cfg.Provider = strings.TrimSpace(getenv("AVIKO_LLM_PROVIDER"))
	cfg.Model = strings.TrimSpace(getenv("AVIKO_LLM_MODEL"))
	cfg.APIKey = strings.TrimSpace(getenv("AVIKO_LLM_API_KEY"))

	if err := validateChatConfig(cfg); err != nil {
		return chatConfig{}, err
	}
	return cfg, nil
}

func validateChatConfig(cfg chatConfig) error {
	if cfg.SpeakerRate <= 0 {
		return errors.New("speaker-rate must be > 0")
	}
	if cfg.ThinkDelay <= 0 {
		return errors.New("think-delay must be > 0")
	}
	return nil
}

// discardSink drops audio when no speaker is requested. Playback timing and
// duration measurement still run.
type discardSink struct{}

func (discardSink) Write(pcm []byte) (int, error) { return len(pcm), nil }
func (discardSink) Close() error                  { return nil }

func openStore(ctx context.Context, cfg chatConfig, logger *slog.Logger) (session.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		return store.NewMemory(), func() {}, nil
	}

	var pg *store.Postgres
	backoff := retry.WithMaxRetries(5, retry.NewConstant(2*time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		pg, err = store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Warn("postgres not ready, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening postgres store: %w", err)
	}
	return pg, pg.Close, nil
}

func serveMetrics(addr string, agg *metrics.Aggregator, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	if err := agg.Register(reg, "aviko"); err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	return nil
}

func run(ctx context.Context, cfg chatConfig, logger *slog.Logger, in io.Reader, out io.Writer) error {
	sessionStore, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	agg := metrics.NewAggregator()
	if cfg.MetricsAddr != "" {
		if err := serveMetrics(cfg.MetricsAddr, agg, logger); err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
	}

	machineCfg := session.Config{
		Metrics:    agg,
		Store:      sessionStore,
		ThinkDelay: cfg.ThinkDelay,
		MockAudio:  cfg.MockAudio,
		Context: protocol.TurnContext{
			SystemPrompt: cfg.SystemPrompt,
			Memories:     cfg.Memories,
		},
		LLM: protocol.LLMConfig{
			Provider: cfg.Provider,
			Model:    cfg.Model,
			APIKey:   cfg.APIKey,
		},
		Logger: logger,
	}

	if cfg.BackendURL != "" {
		primary := channel.NewPrimary(channel.PrimaryConfig{URL: cfg.BackendURL, Logger: logger})
		if err := primary.Connect(ctx); err != nil {
			logger.Warn("backend unreachable, running offline", "error", err)
		} else {
			defer primary.Close()
		}
		machineCfg.Primary = primary
	}

	peripheral := channel.NewPeripheral(channel.PeripheralConfig{
		URL:         cfg.PeripheralURL,
		Enabled:     cfg.PeripheralURL != "",
		OnReconnect: agg.RecordPeripheralReconnect,
		Logger:      logger,
	})
	peripheral.Open()
	defer peripheral.Close()
	go logPeripheralEvents(peripheral, logger)
	machineCfg.Expressions = expression.NewSynchronizer(peripheral, logger)

	var sink audio.Sink = discardSink{}
	if cfg.Speaker {
		speaker, err := audio.NewSpeakerSink(cfg.SpeakerRate, 1)
		if err != nil {
			return fmt.Errorf("opening speaker: %w", err)
		}
		sink = speaker
	}
	playback := audio.NewPipeline(sink, audio.Config{Logger: logger})
	defer playback.Close()
	machineCfg.Playback = playback

	source := transcript.NewPushSource(16)
	machineCfg.Source = source

	machine := session.NewMachine(machineCfg)
	defer machine.Close()
	go printSessionEvents(machine.Events(), out)

	mode := "offline"
	if cfg.BackendURL != "" {
		mode = cfg.BackendURL
	}
	fmt.Fprintf(out, "aviko chat, backend: %s\n", mode)
	fmt.Fprintln(out, "Type a line to talk. /clear archives, /list and /load <id> browse, /metrics, /exit.")

	return repl(ctx, machine, source, agg, sessionStore, in, out)
}

func repl(ctx context.Context, machine *session.Machine, source *transcript.PushSource, agg *metrics.Aggregator, sessionStore session.Store, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintln(out)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := handleSlashCommand(ctx, line, machine, agg, sessionStore, out); quit {
				return nil
			}
			continue
		}

		if err := machine.StartCapture(ctx); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		source.Push(line, true)
		if err := waitForIdle(ctx, machine); err != nil {
			return err
		}
	}
}

func handleSlashCommand(ctx context.Context, line string, machine *session.Machine, agg *metrics.Aggregator, sessionStore session.Store, out io.Writer) (quit bool) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/exit", "/quit":
		fmt.Fprintln(out, "bye")
		return true
	case "/clear":
		if err := machine.Clear(ctx); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		} else {
			fmt.Fprintln(out, "conversation archived")
		}
	case "/list":
		convs, err := sessionStore.List(ctx)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			break
		}
		if len(convs) == 0 {
			fmt.Fprintln(out, "no archived conversations")
			break
		}
		for _, conv := range convs {
			fmt.Fprintf(out, "  %s  %q (%d messages)\n", conv.ID, conv.Title, len(conv.Messages))
		}
	case "/load":
		if arg == "" {
			fmt.Fprintln(out, "usage: /load <id>")
			break
		}
		if err := machine.LoadConversation(ctx, arg); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			break
		}
		for _, msg := range machine.Snapshot().Messages {
			fmt.Fprintf(out, "  %s: %s\n", msg.Role, msg.Content)
		}
	case "/metrics":
		snap := agg.Snapshot()
		fmt.Fprintf(out, "turns: %d, last: %dms, average: %dms, last audio: %dms\n",
			snap.TurnCount, snap.LastLatencyMS, snap.RunningAverageLatencyMS, snap.LastAudioDurationMS)
	default:
		fmt.Fprintf(out, "unknown command %q\n", cmd)
	}
	return false
}

func waitForIdle(ctx context.Context, machine *session.Machine) error {
	deadline := time.Now().Add(defaultTurnTimeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if machine.State() == session.StateIdle {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return errors.New("turn timed out")
}

func printSessionEvents(events <-chan session.Event, out io.Writer) {
	for ev := range events {
		switch ev := ev.(type) {
		case session.AssistantMessageEvent:
			fmt.Fprintf(out, "\naviko> %s\n", ev.Message.Content)
		case session.TurnCompletedEvent:
			if ev.Offline {
				fmt.Fprintf(out, "(offline reply, %dms)\n", ev.ElapsedMS)
			}
		case session.ErrorEvent:
			fmt.Fprintf(out, "\n(error: %v)\n", ev.Err)
		}
	}
}

func logPeripheralEvents(peripheral *channel.Peripheral, logger *slog.Logger) {
	for ev := range peripheral.Events() {
		switch ev := ev.(type) {
		case protocol.PeripheralInfo:
			logger.Info("peripheral connected", "name", ev.Info.Name, "version", ev.Info.Version, "mode", ev.Info.Mode)
		case protocol.PeripheralState:
			logger.Debug("peripheral state", "motors", len(ev.Motors))
		case protocol.PeripheralError:
			logger.Warn("peripheral error", "message", ev.Message)
		}
	}
}

func main() {
	_ = godotenv.Load()

	cfg, err := parseChatConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aviko-chat: %v\n", err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "aviko-chat: %v\n", err)
		os.Exit(1)
	}
}
