package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kozaktomas/face-recognizer/internal/config"
	"github.com/kozaktomas/face-recognizer/internal/logger"
	"github.com/spf13/cobra"
)

var (
	logLevel  string
	logCaller bool
)

var rootCmd = &cobra.Command{
	Use:   "face-recognizer",
	Short: "Enroll and recognize faces backed by PostgreSQL and a vector index",
	Long: `Face Recognizer detects faces in images, computes identity embeddings
through a KServe compatible model server and keeps a registry of named
persons. A person is enrolled from a single photo and later recognized by
nearest-neighbour search over the stored embeddings.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&logCaller, "log-caller", false, "Include caller location in log lines")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()

	cfg := config.Load()
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	if err := logger.Setup(logger.Options{Level: level, File: cfg.Log.File, Caller: logCaller}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v, keeping default log level\n", err)
	}
}
