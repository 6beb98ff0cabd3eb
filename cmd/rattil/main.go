// Package main provides the CLI entrypoint for rattil.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rattil/rattil/internal/align"
	"github.com/rattil/rattil/internal/app"
	"github.com/rattil/rattil/internal/arabic"
	"github.com/rattil/rattil/internal/config"
	"github.com/rattil/rattil/internal/locate"
	"github.com/rattil/rattil/internal/mcpserver"
	"github.com/rattil/rattil/internal/quran"
	"github.com/rattil/rattil/pkg/provider/stt"
	"github.com/rattil/rattil/pkg/provider/stt/deepgram"
	sttmock "github.com/rattil/rattil/pkg/provider/stt/mock"
	"github.com/rattil/rattil/pkg/provider/stt/openai"
	"github.com/rattil/rattil/pkg/provider/stt/whisper"
)

var (
	configPath string

	scoreExpected string
	scoreSurah    int
	scoreFromAyah int
	scoreToAyah   int
	scoreJSON     bool

	locateSurah int
	locateJSON  bool

	normalizeJSON bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "rattil",
		Short:         "Quran recitation tracking and scoring service",
		Version:       version(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newScoreCmd())
	rootCmd.AddCommand(newLocateCmd())
	rootCmd.AddCommand(newNormalizeCmd())
	rootCmd.AddCommand(newImportCmd())
	rootCmd.AddCommand(newMCPCmd())

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the recitation tracking HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServeCmd,
	}
}

func runServeCmd(*cobra.Command, []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lv := new(slog.LevelVar)
	lv.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	a, err := app.New(ctx, cfg, reg, app.WithLogLevel(lv), app.WithVersion(version()))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown incomplete", "err", err)
		}
	}()

	if configPath != "" {
		if err := a.WatchConfig(configPath); err != nil {
			return err
		}
	}

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newScoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score [recognized text]",
		Short: "Score a recitation transcript against reference text",
		Long: `Score aligns a recognized recitation transcript against reference text
and reports a percentage score plus the word-level mistakes.

The recognized text is taken from the arguments, or from stdin when no
arguments are given. The reference comes from --expected, or from the
corpus via --surah with an optional ayah window.`,
		RunE: runScoreCmd,
	}
	cmd.Flags().StringVar(&scoreExpected, "expected", "", "reference text to score against")
	cmd.Flags().IntVar(&scoreSurah, "surah", 0, "surah number of the reference passage")
	cmd.Flags().IntVar(&scoreFromAyah, "from-ayah", 0, "first ayah of the reference passage")
	cmd.Flags().IntVar(&scoreToAyah, "to-ayah", 0, "last ayah of the reference passage")
	cmd.Flags().BoolVar(&scoreJSON, "json", false, "emit the result as JSON")
	return cmd
}

func runScoreCmd(cmd *cobra.Command, args []string) error {
	recognized, err := textFromArgsOrStdin(cmd, args)
	if err != nil {
		return err
	}

	expected := scoreExpected
	switch {
	case expected != "" && scoreSurah != 0:
		return errors.New("use either --expected or --surah, not both")
	case expected == "" && scoreSurah == 0:
		return errors.New("one of --expected or --surah is required")
	case scoreSurah != 0:
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()
		expected, err = quran.PassageText(cmd.Context(), store, scoreSurah, scoreFromAyah, scoreToAyah)
		if err != nil {
			return err
		}
	}

	result := align.New(align.WithNormalizer(arabic.Default())).Align(recognized, expected)

	out := cmd.OutOrStdout()
	if scoreJSON {
		return writeJSON(out, result)
	}
	fmt.Fprintf(out, "score: %d%%\n", result.Score)
	for _, m := range result.Mistakes {
		switch m.Kind {
		case align.Wrong:
			fmt.Fprintf(out, "  word %d: said %q, expected %q\n", m.Position+1, m.Actual, m.Expected)
		case align.Missing:
			fmt.Fprintf(out, "  word %d: missing %q\n", m.Position+1, m.Expected)
		case align.Extra:
			fmt.Fprintf(out, "  word %d: extra %q\n", m.Position+1, m.Actual)
		}
	}
	return nil
}

func newLocateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locate [recited text]",
		Short: "Identify which verse a recitation matches",
		RunE:  runLocateCmd,
	}
	cmd.Flags().IntVar(&locateSurah, "surah", 0, "restrict the search to one surah")
	cmd.Flags().BoolVar(&locateJSON, "json", false, "emit the result as JSON")
	return cmd
}

func runLocateCmd(cmd *cobra.Command, args []string) error {
	text, err := textFromArgsOrStdin(cmd, args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	verses, err := store.Corpus(cmd.Context())
	if err != nil {
		return err
	}
	candidates := make([]locate.Candidate, len(verses))
	for i, v := range verses {
		candidates[i] = locate.Candidate{Surah: v.Surah, Ayah: v.Ayah, Text: v.Text}
	}

	opts := []locate.Option{locate.WithNormalizer(arabic.Default())}
	if cfg.Locator.MinConfidence > 0 {
		opts = append(opts, locate.WithMinConfidence(cfg.Locator.MinConfidence))
	}
	match, ok := locate.New(opts...).Locate(text, candidates, locateSurah)

	out := cmd.OutOrStdout()
	if locateJSON {
		if !ok {
			return writeJSON(out, struct {
				Matched bool `json:"matched"`
			}{})
		}
		return writeJSON(out, match)
	}
	if !ok {
		fmt.Fprintln(out, "no confident match")
		return nil
	}
	fmt.Fprintf(out, "%d:%d (%d%% confidence)\n%s\n", match.Surah, match.Ayah, match.Confidence, match.Text)
	return nil
}

func newNormalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "normalize [text]",
		Short: "Normalize Arabic text the way the matching engine does",
		RunE:  runNormalizeCmd,
	}
	cmd.Flags().BoolVar(&normalizeJSON, "json", false, "emit normalized text and tokens as JSON")
	return cmd
}

func runNormalizeCmd(cmd *cobra.Command, args []string) error {
	text, err := textFromArgsOrStdin(cmd, args)
	if err != nil {
		return err
	}

	norm := arabic.Default()
	if normalizeJSON {
		tokens := norm.Tokenize(text)
		if tokens == nil {
			tokens = []string{}
		}
		return writeJSON(cmd.OutOrStdout(), struct {
			Normalized string   `json:"normalized"`
			Tokens     []string `json:"tokens"`
		}{norm.Normalize(text), tokens})
	}
	fmt.Fprintln(cmd.OutOrStdout(), norm.Normalize(text))
	return nil
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <corpus.yaml>",
		Short: "Import a corpus file into the configured store",
		Args:  cobra.ExactArgs(1),
		RunE:  runImportCmd,
	}
}

func runImportCmd(cmd *cobra.Command, args []string) error {
	corpus, err := quran.LoadCorpusFile(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	imp, ok := store.(quran.Importer)
	if !ok {
		return fmt.Errorf("the %s store does not support imports", cfg.Database.Driver)
	}

	n, err := quran.ImportCorpus(cmd.Context(), imp, corpus)
	if err != nil {
		return fmt.Errorf("imported %d verses before failing: %w", n, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "imported %d verses\n", n)
	if cfg.Database.Driver == config.DriverMemory || cfg.Database.Driver == "" {
		fmt.Fprintln(out, "note: the memory store does not persist; this was a validation run")
	}
	return nil
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve recitation tools to MCP clients over stdio",
		Args:  cobra.NoArgs,
		RunE:  runMCPCmd,
	}
}

func runMCPCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Stdout belongs to the MCP transport; keep logs on stderr.
	lv := new(slog.LevelVar)
	lv.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	srv, err := mcpserver.New(mcpserver.Config{Store: store, Version: version()})
	if err != nil {
		return err
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// registerBuiltinProviders wires every transcription backend shipped with
// rattil into the registry. Providers are only constructed when the config
// names them.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	lang := cfg.STT.Language
	if lang == "" {
		lang = "ar"
	}

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{deepgram.WithLanguage(lang)}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if rate := entry.OptionInt("sample_rate"); rate > 0 {
			opts = append(opts, deepgram.WithSampleRate(rate))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	whisperOpts := func(entry config.ProviderEntry) []whisper.Option {
		opts := []whisper.Option{whisper.WithLanguage(lang)}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if rate := entry.OptionInt("sample_rate"); rate > 0 {
			opts = append(opts, whisper.WithSampleRate(rate))
		}
		return opts
	}
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		return whisper.New(entry.BaseURL, whisperOpts(entry)...)
	})
	reg.RegisterTranscriber("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		return whisper.New(entry.BaseURL, whisperOpts(entry)...)
	})

	// The native whisper model is expensive to load, so the streaming and
	// batch sides share one instance.
	var (
		nativeOnce sync.Once
		nativeProv *whisper.NativeProvider
		nativeErr  error
	)
	native := func(entry config.ProviderEntry) (*whisper.NativeProvider, error) {
		nativeOnce.Do(func() {
			nativeProv, nativeErr = whisper.NewNative(entry.Model, whisper.WithNativeLanguage(lang))
		})
		return nativeProv, nativeErr
	}
	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		return native(entry)
	})
	reg.RegisterTranscriber("whisper-native", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		return native(entry)
	})

	reg.RegisterTranscriber("openai", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		opts := []openai.Option{openai.WithLanguage(lang)}
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...)
	})

	// mock keeps local development runnable without credentials or a
	// speech backend.
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})
	reg.RegisterTranscriber("mock", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		return &sttmock.Transcriber{
			Result: stt.Transcript{Text: entry.OptionString("text"), IsFinal: true},
		}, nil
	})
}

// loadConfig loads the file named by --config, or the built-in defaults
// when the flag is unset.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.LoadFromReader(strings.NewReader(""))
	}
	return config.Load(configPath)
}

// openStore opens the corpus store selected by cfg and returns a close
// function that logs failures.
func openStore(ctx context.Context, cfg *config.Config) (quran.Store, func(), error) {
	store, err := app.OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "rattil: close store: %v\n", err)
		}
	}
	return store, closeStore, nil
}

// textFromArgsOrStdin joins the positional arguments, falling back to
// reading stdin so transcripts can be piped in.
func textFromArgsOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("no text given on the command line or stdin")
	}
	return text, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// version resolves the module version stamped into the binary.
func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
