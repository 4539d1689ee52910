package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vouch/internal/config"
	"github.com/MrWong99/vouch/internal/health"
	"github.com/MrWong99/vouch/internal/interview/orchestrator"
	"github.com/MrWong99/vouch/internal/observe"
	"github.com/MrWong99/vouch/internal/protocol"
	"github.com/MrWong99/vouch/internal/voice/listener"
	"github.com/MrWong99/vouch/internal/voice/speaker"
)

const shutdownTimeout = 10 * time.Second

var errNoAudioClient = errors.New("no audio client connected")

var (
	runCVID            int64
	runPaperID         int64
	runPaperOut        string
	runGenerationTries int
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Conduct one interview",
	Long: `Starts a session with the interview service for the given CV and competence
paper, runs the spoken interview until the service ends it, and prints the
generated competence paper.

The configuration file is watched while the interview runs. A changed log
level applies at once; other changes apply to the next interview.`,
	RunE: runInterview,
}

func init() {
	runCommand.Flags().Int64Var(&runCVID, "cv", 0, "id of the CV to verify")
	runCommand.Flags().Int64Var(&runPaperID, "paper", 0, "id of the competence paper to fill")
	runCommand.Flags().StringVarP(&runPaperOut, "out", "o", "", "write the competence paper to this file instead of stdout")
	runCommand.Flags().IntVar(&runGenerationTries, "generation-retries", 1, "how often a failed paper generation is retried")
	_ = runCommand.MarkFlagRequired("cv")
	_ = runCommand.MarkFlagRequired("paper")

	rootCmd.AddCommand(runCommand)
}

func runInterview(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(sigCtx, observe.TelemetryConfig{ServiceVersion: version, RuntimeMetrics: true})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Interview service ─────────────────────────────────────────────────────
	svc, err := newServiceClient(cfg.Service, metrics)
	if err != nil {
		return err
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, captureLanguage(cfg), svc)

	device, err := reg.CreateAudio(cfg.Providers.Audio)
	if err != nil {
		return fmt.Errorf("create audio device %q: %w", cfg.Providers.Audio.Name, err)
	}
	sp, err := newSpeaker(cfg, reg, device, metrics)
	if err != nil {
		return err
	}
	li, err := newListener(cfg, reg, device, metrics)
	if err != nil {
		return err
	}

	// ── Orchestrator ──────────────────────────────────────────────────────────
	status := newStatusLine(os.Stderr)
	orch, err := orchestrator.New(svc, sp, li, runCVID, runPaperID, orchestratorOptions(cfg, status.Observe, metrics)...)
	if err != nil {
		return err
	}
	defer orch.Close()

	watcher, err := config.NewWatcher(configPath, func(old, new *config.Config) {
		applyConfigChange(level, old, new)
	})
	if err != nil {
		return err
	}

	printStartupSummary(cfg)

	// ── Run group ─────────────────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	for _, srv := range newServers(cfg, device, orch, metrics, tel.MetricsHandler()) {
		g.Go(func() error { return serve(ctx, srv) })
	}
	g.Go(func() error { return watcher.Run(ctx) })

	g.Go(func() error {
		// The interview ending stops the servers and the watcher.
		defer cancel()
		if err := waitForAudioClient(ctx, device, cfg.Server.ListenAddr); err != nil {
			return err
		}
		return conduct(ctx, orch)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) && sigCtx.Err() != nil {
		slog.Info("interview interrupted")
		return nil
	}
	if err != nil {
		return err
	}
	return writePaper(orch)
}

// conduct runs the interview and retries a failed paper generation up to
// --generation-retries times.
func conduct(ctx context.Context, orch *orchestrator.Orchestrator) error {
	err := orch.Run(ctx)
	for i := 0; err != nil && i < runGenerationTries && ctx.Err() == nil; i++ {
		slog.Warn("retrying paper generation", "attempt", i+1, "err", err)
		_, retryErr := orch.RetryGeneration(ctx)
		if errors.Is(retryErr, orchestrator.ErrNoRetry) {
			break
		}
		err = retryErr
	}
	return err
}

func newServiceClient(sc config.ServiceConfig, m *observe.Metrics) (*protocol.Client, error) {
	var creds protocol.CredentialSource
	if sc.Token != "" {
		creds = protocol.StaticToken(sc.Token)
	} else {
		signer, err := protocol.NewJWTSigner([]byte(sc.JWTSecret), sc.UserID, sc.TokenTTL)
		if err != nil {
			return nil, err
		}
		creds = signer
	}
	opts := []protocol.Option{protocol.WithMetrics(m)}
	if sc.Timeout > 0 {
		opts = append(opts, protocol.WithTimeout(sc.Timeout))
	}
	if sc.RateLimit != 0 {
		opts = append(opts, protocol.WithRateLimit(sc.RateLimit, sc.Burst))
	}
	return protocol.New(sc.BaseURL, creds, opts...)
}

func captureLanguage(cfg *config.Config) string {
	if cfg.Capture.Language != "" {
		return cfg.Capture.Language
	}
	return "en"
}

func newSpeaker(cfg *config.Config, reg *config.Registry, device config.AudioDevice, m *observe.Metrics) (*speaker.Speaker, error) {
	p, err := reg.BuildTTS(cfg.Providers.TTS, cfg.Providers.Breaker.FallbackConfig("tts", m))
	if err != nil {
		return nil, fmt.Errorf("build tts: %w", err)
	}
	opts := []speaker.Option{speaker.WithMetrics(m)}
	if cfg.Voice.ID != "" {
		opts = append(opts, speaker.WithVoiceID(cfg.Voice.ID))
	}
	if len(cfg.Voice.Preferences) > 0 {
		opts = append(opts, speaker.WithPreferences(cfg.Voice.Preferences))
	}
	if cfg.Voice.ChunkThreshold != 0 {
		opts = append(opts, speaker.WithChunkThreshold(cfg.Voice.ChunkThreshold))
	}
	if cfg.Voice.CatalogueWait > 0 {
		opts = append(opts, speaker.WithVoiceWait(cfg.Voice.CatalogueWait))
	}
	return speaker.New(p, device.Sink, opts...)
}

func newListener(cfg *config.Config, reg *config.Registry, device config.AudioDevice, m *observe.Metrics) (*listener.Listener, error) {
	c := cfg.Capture
	opts := []listener.Option{listener.WithMetrics(m), listener.WithLanguage(captureLanguage(cfg))}
	if c.Strategy == config.CaptureStream {
		rec, err := reg.BuildSTT(cfg.Providers.STT, cfg.Providers.Breaker.FallbackConfig("stt", m))
		if err != nil {
			return nil, fmt.Errorf("build stt: %w", err)
		}
		opts = append(opts, listener.WithRecognizer(rec))
	} else {
		tr, err := reg.BuildTranscriber(cfg.Providers.Transcriber, cfg.Providers.Breaker.FallbackConfig("transcriber", m))
		if err != nil {
			return nil, fmt.Errorf("build transcriber: %w", err)
		}
		opts = append(opts, listener.WithTranscriber(tr))
	}
	if c.Threshold > 0 {
		opts = append(opts, listener.WithThreshold(c.Threshold))
	}
	if c.Silence > 0 {
		opts = append(opts, listener.WithSilence(c.Silence))
	}
	if c.TrailingSilence > 0 {
		opts = append(opts, listener.WithTrailingSilence(c.TrailingSilence))
	}
	if c.Window > 0 {
		opts = append(opts, listener.WithWindow(c.Window))
	}
	if c.NoSpeechTimeout > 0 {
		opts = append(opts, listener.WithNoSpeechTimeout(c.NoSpeechTimeout))
	}
	if c.MaxDuration > 0 {
		opts = append(opts, listener.WithMaxDuration(c.MaxDuration))
	}
	return listener.New(device.Source, opts...)
}

func orchestratorOptions(cfg *config.Config, observer orchestrator.Observer, m *observe.Metrics) []orchestrator.Option {
	ic := cfg.Interview
	opts := []orchestrator.Option{
		orchestrator.WithSections(ic.SectionBudgets()),
		orchestrator.WithFallbackPrompts(ic.FallbackPrompts()),
		orchestrator.WithObserver(observer),
		orchestrator.WithMetrics(m),
	}
	if ic.CorrectionPrompt != "" {
		opts = append(opts, orchestrator.WithCorrectionPrompt(ic.CorrectionPrompt))
	}
	if ic.CompletedDelay != nil {
		opts = append(opts, orchestrator.WithCompletedDelay(*ic.CompletedDelay))
	}
	if ic.FetchRetries != nil || ic.FetchBackoff > 0 {
		retries, backoff := orchestrator.DefaultFetchRetries, orchestrator.DefaultFetchBackoff
		if ic.FetchRetries != nil {
			retries = *ic.FetchRetries
		}
		if ic.FetchBackoff > 0 {
			backoff = ic.FetchBackoff
		}
		opts = append(opts, orchestrator.WithFetchRetries(retries, backoff))
	}
	if m := ic.ClosingMatcher(); m != nil {
		opts = append(opts, orchestrator.WithClosingOverride(m))
	}
	return opts
}

// ── HTTP ──────────────────────────────────────────────────────────────────────

// newServers builds the probe server and, when metrics_addr differs from
// listen_addr, a separate metrics server. The browser audio device forces a
// listener on :8080 if none is configured.
func newServers(cfg *config.Config, device config.AudioDevice, orch *orchestrator.Orchestrator, m *observe.Metrics, metricsHandler http.Handler) []*http.Server {
	addr := cfg.Server.ListenAddr
	if addr == "" && device.Handler != nil {
		addr = ":8080"
	}

	hh := health.New(
		health.WithCheckers(health.Checker{Name: "audio", Check: audioReady(device)}),
		health.WithStatus(func() health.Snapshot {
			_, hasPaper := orch.Paper()
			return health.Snapshot{
				Status:    string(orch.Status()),
				Section:   string(orch.Section()),
				SessionID: orch.SessionID(),
				Turns:     len(orch.History()),
				Paper:     hasPaper,
			}
		}),
	)

	var servers []*http.Server
	if addr != "" {
		mux := http.NewServeMux()
		hh.Register(mux)
		if device.Handler != nil {
			mux.Handle("/audio", device.Handler)
		}
		if cfg.Server.MetricsAddr == "" || cfg.Server.MetricsAddr == addr {
			mux.Handle("GET /metrics", metricsHandler)
		}
		servers = append(servers, &http.Server{Addr: addr, Handler: observe.Middleware(m)(mux)})
	}
	if ma := cfg.Server.MetricsAddr; ma != "" && ma != addr {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metricsHandler)
		servers = append(servers, &http.Server{Addr: ma, Handler: mux})
	}
	return servers
}

// serve runs srv until ctx ends, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	slog.Info("http server listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", srv.Addr, err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// waitForAudioClient blocks until a device that needs a remote client has
// one.
func waitForAudioClient(ctx context.Context, device config.AudioDevice, addr string) error {
	w, ok := device.Source.(interface {
		Connected() bool
		WaitConnected(context.Context) error
	})
	if !ok || w.Connected() {
		return nil
	}
	if addr == "" {
		addr = ":8080"
	}
	slog.Info("waiting for the browser audio client", "url", "ws://"+hostPort(addr)+"/audio")
	return w.WaitConnected(ctx)
}

func hostPort(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return "localhost:" + port
	}
	return addr
}

// applyConfigChange applies a reloaded config to the running process.
func applyConfigChange(level *slog.LevelVar, old, new *config.Config) {
	diff := config.Diff(old, new)
	if diff.LogLevelChanged {
		level.Set(slogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("configuration changed, takes effect with the next interview", "blocks", diff.RestartRequired)
	}
}

func writePaper(orch *orchestrator.Orchestrator) error {
	paper, ok := orch.Paper()
	if !ok {
		slog.Info("interview ended without a competence paper", "status", orch.Status())
		return nil
	}
	if runPaperOut == "" {
		fmt.Println(paper.Content)
		return nil
	}
	if err := os.WriteFile(runPaperOut, []byte(paper.Content), 0o644); err != nil {
		return fmt.Errorf("write paper: %w", err)
	}
	slog.Info("competence paper written", "path", runPaperOut, "paper_id", paper.ID)
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	p := cfg.Providers
	strategy := cfg.Capture.Strategy
	if strategy == "" {
		strategy = config.CaptureRecord
	}
	rows := [][2]string{
		{"Service", cfg.Service.BaseURL},
		{"TTS", chainSummary(p.TTS)},
		{"Capture", string(strategy)},
		{"STT", chainSummary(p.STT)},
		{"Transcriber", chainSummary(p.Transcriber)},
		{"Audio", p.Audio.Name},
		{"Sections", fmt.Sprint(len(cfg.Interview.SectionBudgets()))},
	}
	if cfg.Server.ListenAddr != "" {
		rows = append(rows, [2]string{"Listen addr", cfg.Server.ListenAddr})
	}
	fmt.Fprintln(os.Stderr, headerStyle.Render("vouch "+version))
	for _, r := range rows {
		value := r[1]
		if value == "" {
			value = "(not configured)"
		}
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", r[0], mutedStyle.Render(value))
	}
}

func chainSummary(chain config.ProviderChain) string {
	var s string
	for i, e := range chain {
		if i > 0 {
			s += " → "
		}
		s += e.Name
		if e.Model != "" {
			s += "/" + e.Model
		}
	}
	return s
}
