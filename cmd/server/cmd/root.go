package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/imrenagi/go-upload-progress/config"
	"github.com/imrenagi/go-upload-progress/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/subosito/gotenv"
)

var (
	cfgFile    string
	dotenvFile string
	v          = config.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the upload server with progress tracking",
	Long: `Run an HTTP upload server that records how many bytes of each upload
tagged with an X-Progress-ID have been received, and serves that progress
through /api/v1/progress and a websocket feed.

Settings come from flags, UPLOAD_* environment variables, an optional
dotenv file and an optional config file, in that order of precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if dotenvFile != "" {
			if err := gotenv.Load(dotenvFile); err != nil {
				return err
			}
		}
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		if err := server.InitializeLogger(cfg.Log.Level); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := server.New(ctx, server.Opts{Config: cfg})
		if err != nil {
			return err
		}
		return s.Run(ctx)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&dotenvFile, "dotenv", os.Getenv("UPLOAD_DOTENV_PATH"), "dotenv file loaded into the environment")

	flags := rootCmd.Flags()
	flags.String("addr", ":8080", "listen address")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("progress-store", config.StoreMemory, "progress store: memory or redis")
	flags.String("redis-addr", "localhost:6379", "redis address for the redis progress store")
	flags.String("storage", config.StorageLocal, "blob storage: local or gcs")
	flags.String("storage-dir", "uploads", "directory for local blob storage")
	flags.String("gcs-bucket", "", "bucket for gcs blob storage")
	flags.String("otlp-endpoint", "", "OTLP gRPC endpoint for traces; empty disables tracing")
	flags.Bool("trust-forwarded-for", false, "key progress by the first X-Forwarded-For entry")

	for key, flag := range map[string]string{
		"server.addr":                "addr",
		"log.level":                  "log-level",
		"progress.store":             "progress-store",
		"redis.addr":                 "redis-addr",
		"storage.driver":             "storage",
		"storage.dir":                "storage-dir",
		"storage.gcs_bucket":         "gcs-bucket",
		"telemetry.otlp_endpoint":    "otlp-endpoint",
		"server.trust_forwarded_for": "trust-forwarded-for",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}
