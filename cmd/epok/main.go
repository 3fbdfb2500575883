package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/getbetter-ro/epok/pkg/config"
	"github.com/getbetter-ro/epok/pkg/executor"
	"github.com/getbetter-ro/epok/pkg/server"
)

var (
	version = "dev"
	once    bool
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "epok",
		Short: "epok - external port operator for Kubernetes",
		Long:  "Keeps a host's iptables forwarding rules in sync with external ports declared via annotations on cluster services and nodes.",
	}

	flags := rootCmd.PersistentFlags()
	flags.StringSliceP("interfaces", "i", nil, "comma-separated interfaces to install forwarding rules on")
	flags.String("external-interface", "", "interface excluded for services marked internal")
	flags.Bool("batch-commands", true, "pack commands into size-bounded batches")
	flags.Int("batch-size", config.DefaultBatchSize, "batch size limit in bytes")
	flags.Duration("debounce", config.DefaultDebounce, "quiet period before reacting to a burst of cluster events")
	flags.Duration("resync", config.DefaultResync, "interval of periodic drift-healing passes")
	flags.StringP("config", "c", "", "optional config file (flags and environment override it)")
	flags.BoolVar(&once, "once", false, "run a single reconcile pass and exit")

	rootCmd.AddCommand(newLocalCommand())
	rootCmd.AddCommand(newSSHCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newLocalCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "local",
		Short: "Run the operator directly on the host being configured",
		RunE:  runLocal,
	}
}

func newSSHCommand() *cobra.Command {
	sshCmd := &cobra.Command{
		Use:   "ssh",
		Short: "Run the operator against a remote host over SSH",
		RunE:  runSSH,
	}
	sshCmd.Flags().StringP("host", "H", "", "target host as user@host")
	sshCmd.Flags().IntP("port", "p", config.DefaultSSHPort, "target ssh port")
	sshCmd.Flags().StringP("key", "k", "", "path to the ssh private key")
	return sshCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("epok version %s\n", version)
		},
	}
}

// runLocal starts the operator with the local executor.
func runLocal(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer logger.Sync()

	configMgr, err := loadConfig(cmd, logger)
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		return err
	}

	exec, err := executor.NewLocal(logger.Named("executor"))
	if err != nil {
		logger.Error("failed to create local executor", zap.Error(err))
		return err
	}
	executor.ValidateInterfaces(configMgr.Options().Interfaces, logger)

	return run(cmd.Context(), configMgr, exec, logger)
}

// runSSH starts the operator with the remote executor.
func runSSH(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer logger.Sync()

	configMgr, err := loadConfig(cmd, logger)
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		return err
	}

	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	for key, env := range map[string]string{
		"host": "EPOK_SSH_HOST",
		"port": "EPOK_SSH_PORT",
		"key":  "EPOK_SSH_KEY",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return err
		}
	}

	sshOpts := config.SSHOptions{
		Host:    v.GetString("host"),
		Port:    v.GetInt("port"),
		KeyPath: v.GetString("key"),
	}
	if err := config.ValidateSSH(&sshOpts); err != nil {
		logger.Error("invalid ssh configuration", zap.Error(err))
		return err
	}

	exec, err := executor.NewSSH(sshOpts.Host, sshOpts.Port, sshOpts.KeyPath, logger.Named("executor"))
	if err != nil {
		logger.Error("failed to create ssh executor", zap.Error(err))
		return err
	}

	return run(cmd.Context(), configMgr, exec, logger)
}

// run wires the server and blocks until shutdown.
func run(ctx context.Context, configMgr *config.Manager, exec executor.Executor, logger *zap.Logger) error {
	logger.Info("starting epok",
		zap.String("version", version),
		zap.Strings("interfaces", configMgr.Options().Interfaces),
	)

	srv, err := server.New(configMgr, exec, logger)
	if err != nil {
		logger.Error("failed to create server", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		logger.Info("received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if once {
		return srv.RunOnce(ctx)
	}
	return srv.Run(ctx)
}

// loadConfig binds flags and EPOK_* environment variables into viper and
// resolves the initial options.
func loadConfig(cmd *cobra.Command, logger *zap.Logger) (*config.Manager, error) {
	v, err := newViper(cmd)
	if err != nil {
		return nil, err
	}
	return config.NewManager(v, v.GetString("config"), logger.Named("config"))
}

func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("EPOK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	return v, nil
}

// newLogger creates a zap logger with console encoding; the level comes from
// EPOK_LOG_LEVEL and defaults to info.
func newLogger() *zap.Logger {
	level := zap.InfoLevel
	if raw := os.Getenv("EPOK_LOG_LEVEL"); raw != "" {
		if parsed, err := zapcore.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	loggerConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger
}
