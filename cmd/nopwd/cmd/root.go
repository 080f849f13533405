package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmcleod/nopwd/client"
	"github.com/jmcleod/nopwd/config"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	cfgFile string
	v       = viper.New()
	cfg     config.Config
	logger  = slog.New(slog.DiscardHandler)
)

var rootCmd = &cobra.Command{
	Use:   "nopwd",
	Short: "nopwd is a passwordless sign-in client",
	Long: `Sign in with magic links and passkeys, and keep a locally stored session
fresh by signing the service's rotating challenges.

Settings come from flags, NOPWD_* environment variables and an optional
YAML config file, in that order of precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := readConfigFile(v, cfgFile); err != nil {
			return err
		}
		var err error
		if cfg, err = loadConfig(v); err != nil {
			return err
		}
		level, _ := cfg.Level()
		logger = newLogger(cmd.ErrOrStderr(), level)
		return nil
	},
}

// Execute runs the root command until it returns or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	addConfigFlags(rootCmd)
	bindFlags(v, rootCmd)
}

func addConfigFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("base-url", "", "service base URL")
	flags.String("store-backend", "", "session store: memory, bbolt or sqlite")
	flags.String("store-path", "", "session store file")
	flags.String("log-level", "", "log level: debug, info, warn or error")
}

// settings are the config keys. Each is read from NOPWD_<KEY>, the config
// file, and a root flag of the same name with dashes if there is one.
var settings = []string{
	"base_url",
	"status_url",
	"callback_url",
	"store_backend",
	"store_path",
	"wrapping_secret",
	"log_level",
	"request_timeout",
	"rate_limit",
	"rate_burst",
	"refresh_window",
	"session_lifetime",
	"session_idle_timeout",
	"rp_id",
	"rp_origin",
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	for _, key := range settings {
		if f := cmd.PersistentFlags().Lookup(strings.ReplaceAll(key, "_", "-")); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}

func readConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// loadConfig resolves every setting from v on top of config.Default.
func loadConfig(v *viper.Viper) (config.Config, error) {
	d := config.Default()
	v.SetDefault("base_url", d.BaseURL)
	v.SetDefault("status_url", d.StatusURL)
	v.SetDefault("callback_url", d.CallbackURL)
	v.SetDefault("store_backend", d.StoreBackend)
	v.SetDefault("store_path", d.StorePath)
	v.SetDefault("wrapping_secret", d.WrappingSecret)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("rate_limit", d.RateLimit)
	v.SetDefault("rate_burst", d.RateBurst)
	v.SetDefault("refresh_window", d.RefreshWindow)
	v.SetDefault("session_lifetime", d.Lifetime)
	v.SetDefault("session_idle_timeout", d.IdleTimeout)
	v.SetDefault("rp_id", d.RPID)
	v.SetDefault("rp_origin", d.RPOrigin)

	v.SetEnvPrefix("NOPWD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	c := config.Config{
		BaseURL:        v.GetString("base_url"),
		StatusURL:      v.GetString("status_url"),
		CallbackURL:    v.GetString("callback_url"),
		StoreBackend:   v.GetString("store_backend"),
		StorePath:      v.GetString("store_path"),
		WrappingSecret: v.GetString("wrapping_secret"),
		LogLevel:       v.GetString("log_level"),
		RequestTimeout: v.GetDuration("request_timeout"),
		RateLimit:      v.GetFloat64("rate_limit"),
		RateBurst:      v.GetInt("rate_burst"),
		RefreshWindow:  v.GetDuration("refresh_window"),
		Lifetime:       v.GetDuration("session_lifetime"),
		IdleTimeout:    v.GetDuration("session_idle_timeout"),
		RPID:           v.GetString("rp_id"),
		RPOrigin:       v.GetString("rp_origin"),
	}
	if err := c.Validate(); err != nil {
		return config.Config{}, err
	}
	return c, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
}

func newClient(opts ...client.Option) (*client.Client, error) {
	opts = append([]client.Option{client.WithLogger(logger)}, opts...)
	c, err := client.New(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return c, nil
}
