package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/generative-ai-go/genai"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/api/option"

	"pulpit/bridge"
	"pulpit/config"
	"pulpit/refine"
	"pulpit/session"
	"pulpit/translate"
	"pulpit/web"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(serveCmd)

	rootCmd.PersistentFlags().
		String("assemblyai-api-key", "", "AssemblyAI API key")
	rootCmd.PersistentFlags().
		String("google-api-key", "", "Google API key for Gemini and Cloud Translation")
	rootCmd.PersistentFlags().Int("port", 8080, "HTTP listen port")
	rootCmd.PersistentFlags().
		Bool("translation", false, "Enable live translation")
	rootCmd.PersistentFlags().
		String("translation-provider", "gemini", "Translation backend (gemini, google, http)")
	rootCmd.PersistentFlags().
		String("translation-target", "es", "Default translation target language")
	rootCmd.PersistentFlags().
		String("refiner-provider", "gemini", "Paragraph refiner backend (gemini, http, lemur)")

	viper.BindPFlag(
		"assemblyai_api_key",
		rootCmd.PersistentFlags().Lookup("assemblyai-api-key"),
	)
	viper.BindPFlag(
		"google_api_key",
		rootCmd.PersistentFlags().Lookup("google-api-key"),
	)
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag(
		"translation_enabled",
		rootCmd.PersistentFlags().Lookup("translation"),
	)
	viper.BindPFlag(
		"translation_provider",
		rootCmd.PersistentFlags().Lookup("translation-provider"),
	)
	viper.BindPFlag(
		"translation_default_target",
		rootCmd.PersistentFlags().Lookup("translation-target"),
	)
	viper.BindPFlag(
		"refiner_provider",
		rootCmd.PersistentFlags().Lookup("refiner-provider"),
	)

	viper.SetDefault("port", 8080)
	config.SetDefaults()
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stdout)
}

var rootCmd = &cobra.Command{
	Use:   "pulpit",
	Short: "Pulpit relays live speech to transcripts and translations",
	Long:  `Pulpit bridges browser audio to a streaming transcription provider and fans live transcripts, refined paragraphs, and translations back out over websockets.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	Run:   runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	cfg.Warn(logger)

	var genaiClient *genai.Client
	if cfg.GoogleAPIKey != "" {
		var err error
		genaiClient, err = genai.NewClient(ctx, option.WithAPIKey(cfg.GoogleAPIKey))
		if err != nil {
			logger.Fatal("failed to create Gemini client", "error", err)
		}
		defer genaiClient.Close()
	}

	registry := session.NewRegistry(logger, cfg.TranslationTarget)
	provider := translate.SelectProvider(ctx, cfg, logger, genaiClient)
	translator := translate.NewService(cfg, logger, registry, provider)
	refiner := refine.New(cfg, logger, registry, genaiClient)
	b := bridge.New(cfg, logger, registry, translator, refiner)
	registry.OnCleanup(b.Cleanup)

	srv := web.NewServer(cfg, logger, registry, b, translator)
	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	httpServer := &http.Server{Addr: addr, Handler: srv.Routes()}

	go func() {
		logger.Info("listening", "addr", addr,
			"translation", cfg.TranslationEnabled,
			"refiner", cfg.RefinerProvider)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(err)
	}
}
