package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/sjawhar/sitevoice/internal/audio"
	"github.com/sjawhar/sitevoice/internal/capture"
	"github.com/sjawhar/sitevoice/internal/config"
	"github.com/sjawhar/sitevoice/internal/gdrive"
	"github.com/sjawhar/sitevoice/internal/llm"
	"github.com/sjawhar/sitevoice/internal/pipeline"
	"github.com/sjawhar/sitevoice/internal/recommend"
	"github.com/sjawhar/sitevoice/internal/server"
	"github.com/sjawhar/sitevoice/internal/storage"
	"github.com/sjawhar/sitevoice/internal/stream"
	"github.com/sjawhar/sitevoice/internal/transcribe"
)

//go:embed static/*
var staticFiles embed.FS

const usage = `usage:
  sitevoice [serve] [-config sitevoice.yaml]
  sitevoice ask [-server http://127.0.0.1:8080] [-preset name] "project description"
`

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "ask":
		err = runAsk(args, os.Stdout)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("sitevoice: %v", err)
	}
}

func runServe(args []string) error {
	fset := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fset.String("config", envOrDefault(config.EnvPrefix+"CONFIG", "sitevoice.yaml"), "path to the YAML config file")
	if err := fset.Parse(args); err != nil {
		return err
	}

	log.Println("sitevoice: starting")

	cfg, warnings, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, w := range warnings {
		log.Printf("warning: %s", w)
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	defer func() { _ = store.Close() }()

	assets, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return fmt.Errorf("static assets init: %w", err)
	}

	hub := server.NewHub()
	journal := storage.NewWriter(cfg.JournalDir)
	library := audio.NewLibrary(cfg.AudioDir)
	library.Compress = cfg.CompressAudio

	var transcriber transcribe.Transcriber
	if key := cfg.APIKey(cfg.Transcription.Provider); key != "" {
		transcriber, err = transcribe.New(cfg.Transcription.Provider, key, cfg.Transcription.Model)
		if err != nil {
			log.Printf("warning: transcription disabled: %v", err)
			warnings = append(warnings, err.Error())
		}
	}

	recommender := recommend.New(cfg.Recommendations, func(provider, model string) (llm.Client, error) {
		return llm.NewClient(provider, cfg.APIKey(provider), model)
	})

	recorder, releaseMic, micErr := openRecorder(cfg)
	if micErr != nil {
		log.Printf("warning: microphone unavailable, running API/UI only: %v", micErr)
		warnings = append(warnings, "Microphone unavailable: "+micErr.Error())
	}
	defer releaseMic()

	manager := pipeline.NewManager(store, library, transcriber, hub, recorder)
	manager.SetJournal(journal)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.GDriveFolderID != "" {
		syncer, syncErr := gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if syncErr != nil {
			log.Printf("warning: gdrive sync disabled: %v", syncErr)
		} else {
			manager.SetUploader(syncer)
		}
	}

	services := server.Services{
		Capture:     manager,
		Recommender: recommender,
		Journal:     journal,
		Warnings:    func() []string { return warnings },
		AudioDir:    library.Dir(),
	}

	handler, err := server.Handler(assets, hub, store, services)
	if err != nil {
		return fmt.Errorf("build http handler: %w", err)
	}

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server error: %v", err)
			cancel()
		}
	}()

	log.Printf("sitevoice: web UI on http://%s", displayAddr(cfg.ListenAddr))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	log.Println("sitevoice: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("warning: http shutdown failed: %v", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Printf("warning: background work did not finish: %v", err)
	}
	return nil
}

// openRecorder initializes PortAudio and builds a capture session at the
// first sample rate the default input accepts. The returned release func is
// always safe to call.
func openRecorder(cfg config.Config) (pipeline.Recorder, func(), error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, func() {}, fmt.Errorf("initialize portaudio: %w", err)
	}
	release := func() { _ = portaudio.Terminate() }

	rate, err := audio.ProbeSampleRate(cfg.SampleRateCandidates())
	if err != nil {
		return nil, release, err
	}

	container, err := audio.NewContainer(cfg.Capture.Container, rate)
	if err != nil {
		return nil, release, err
	}

	session := capture.NewSession(&audio.MicProvider{}, container, capture.Config{
		MaxDuration:      cfg.Capture.ParsedMaxDuration(),
		FragmentInterval: cfg.Capture.ParsedFragmentInterval(),
		TickInterval:     cfg.Capture.ParsedTickInterval(),
		SampleRate:       rate,
		Bands:            cfg.Capture.Bands,
		Gain:             cfg.Capture.Gain,
	})
	log.Printf("microphone ready at %d Hz", rate)
	return session, release, nil
}

func runAsk(args []string, out io.Writer) error {
	fset := flag.NewFlagSet("ask", flag.ContinueOnError)
	serverURL := fset.String("server", envOrDefault(config.EnvPrefix+"SERVER", "http://127.0.0.1:8080"), "sitevoice server URL")
	preset := fset.String("preset", "", "recommendation preset (routed automatically when empty)")
	if err := fset.Parse(args); err != nil {
		return err
	}

	transcript := strings.TrimSpace(strings.Join(fset.Args(), " "))
	if transcript == "" {
		return errors.New("ask: a project description is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return ask(ctx, *serverURL, transcript, *preset, out)
}

// ask streams a recommendation from a running server to out.
func ask(ctx context.Context, serverURL, transcript, preset string, out io.Writer) error {
	src := &stream.HTTPSource{
		URL: strings.TrimRight(serverURL, "/") + "/api/recommendations",
		Body: map[string]string{
			"transcript": transcript,
			"preset":     preset,
		},
	}

	_, err := stream.Consume(ctx, src, func(inc stream.Increment) {
		_, _ = io.WriteString(out, inc.Delta)
	})
	_, _ = io.WriteString(out, "\n")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func displayAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	return addr
}

func envOrDefault(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
