package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// settings backs the config file, environment and bound flags.
var settings = viper.New()

var rootCmd = &cobra.Command{
	Use:   "llm-council",
	Short: "Three-stage LLM council backend",
	Long: `llm-council asks several models the same question, has them rank each
other's anonymized answers and lets a chairman model synthesize the result.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Run one council round from the command line",
	Long: `Runs the full three-stage process for a single question without storing
it and prints every stage. Pages given with --url are fetched and appended to the
question as context.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	_ = settings.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	serveCmd.Flags().IntP("port", "p", 0, "port to listen on (default 8001)")
	_ = settings.BindPFlag("port", serveCmd.Flags().Lookup("port"))

	askCmd.Flags().StringSlice("url", nil, "page to fetch and attach as context (repeatable)")
	askCmd.Flags().Bool("json", false, "print the round as JSON")

	rootCmd.AddCommand(serveCmd, askCmd)
}

// loadRuntime resolves configuration and the logger for a command.
func loadRuntime(cmd *cobra.Command) (*Config, *slog.Logger, error) {
	configFile, _ := cmd.Flags().GetString("config")

	bootLogger := NewLogger(settings.GetString("log_level"))
	cfg, err := LoadConfig(settings, configFile, bootLogger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, NewLogger(cfg.LogLevel), nil
}

// buildCouncil wires the model client, the resilient call layer, both cache
// pools and the council pipeline.
func buildCouncil(cfg *Config, logger *slog.Logger) (*Council, *Gateway) {
	client := NewOpenRouterClient(cfg.OpenRouterAPIURL, cfg.OpenRouterAPIKey, nil)
	caller := NewResilientCaller(cfg.Resilience, logger)
	gateway := NewGateway(client, caller, NewAnswerCache(cfg.Cache), logger)

	council := NewCouncil(CouncilConfig{
		Models:          cfg.CouncilModels,
		ChairmanModel:   cfg.ChairmanModel,
		TitleModel:      cfg.TitleModel,
		QueryTimeout:    cfg.ModelQueryTimeout,
		ChairmanTimeout: cfg.ChairmanTimeout,
		TitleTimeout:    cfg.TitleGenTimeout,
	}, gateway, NewTitleCache(cfg.Cache), logger)

	return council, gateway
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime(cmd)
	if err != nil {
		return err
	}

	council, gateway := buildCouncil(cfg, logger)
	store := NewFileStore(cfg.DataDir)
	if err := store.EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	server := NewServer(cfg, store, council, gateway, NewPageFetcher(logger), logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx)
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime(cmd)
	if err != nil {
		return err
	}

	urls, _ := cmd.Flags().GetStringSlice("url")
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	question := strings.Join(args, " ")
	if len(urls) > 0 {
		question, err = attachPages(ctx, NewPageFetcher(logger), question, urls)
		if err != nil {
			return err
		}
	}

	council, _ := buildCouncil(cfg, logger)
	result, err := council.RunFullCouncil(ctx, question)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		fmt.Fprintln(out, string(data))
	} else {
		printRound(cmd, result)
	}

	if result.State == RoundErrored {
		return fmt.Errorf("round failed: %s", result.Stage3.Response)
	}
	return nil
}

// attachPages fetches every URL and appends the page text to question.
func attachPages(ctx context.Context, fetcher *PageFetcher, question string, urls []string) (string, error) {
	pages := make([]*FetchedContent, 0, len(urls))
	for _, u := range urls {
		page, err := fetcher.FetchURLContent(ctx, u)
		if err != nil {
			return "", err
		}
		pages = append(pages, page)
	}
	return QuestionWithContext(question, pages), nil
}

func printRound(cmd *cobra.Command, result *RoundResult) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "=== Stage 1: %d responses ===\n\n", len(result.Stage1))
	for _, r := range result.Stage1 {
		fmt.Fprintf(out, "--- %s ---\n%s\n\n", r.Model, r.Response)
	}

	if len(result.Stage2) > 0 {
		fmt.Fprintf(out, "=== Stage 2: %d rankings ===\n\n", len(result.Stage2))
		for _, r := range result.Stage2 {
			fmt.Fprintf(out, "%s: %s\n", r.Model, strings.Join(r.ParsedRanking, " > "))
		}
		fmt.Fprintln(out)

		fmt.Fprintln(out, "Aggregate:")
		for i, agg := range result.Metadata.AggregateRankings {
			fmt.Fprintf(out, "  %d. %s (avg %.2f, %d votes)\n", i+1, agg.Model, agg.AverageRank, agg.RankingsCount)
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintf(out, "=== Stage 3: %s ===\n\n%s\n", result.Stage3.Model, result.Stage3.Response)
}
