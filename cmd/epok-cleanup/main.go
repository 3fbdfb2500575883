// Command epok-cleanup removes every epok-owned forwarding rule from a
// host, independent of cluster state. It reuses the rule fingerprint tag
// convention, so rules managed by anything else survive untouched.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/getbetter-ro/epok/pkg/config"
	"github.com/getbetter-ro/epok/pkg/executor"
	"github.com/getbetter-ro/epok/pkg/operator"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "epok-cleanup",
		Short: "Remove all epok-owned forwarding rules from a host",
	}

	flags := rootCmd.PersistentFlags()
	flags.Bool("batch-commands", true, "pack commands into size-bounded batches")
	flags.Int("batch-size", config.DefaultBatchSize, "batch size limit in bytes")

	localCmd := &cobra.Command{
		Use:   "local",
		Short: "Clean up the local host",
		RunE:  runLocal,
	}

	sshCmd := &cobra.Command{
		Use:   "ssh",
		Short: "Clean up a remote host over SSH",
		RunE:  runSSH,
	}
	sshCmd.Flags().StringP("host", "H", "", "target host as user@host")
	sshCmd.Flags().IntP("port", "p", config.DefaultSSHPort, "target ssh port")
	sshCmd.Flags().StringP("key", "k", "", "path to the ssh private key")

	rootCmd.AddCommand(localCmd)
	rootCmd.AddCommand(sshCmd)
	return rootCmd
}

func runLocal(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer logger.Sync()

	exec, err := executor.NewLocal(logger.Named("executor"))
	if err != nil {
		logger.Error("failed to create local executor", zap.Error(err))
		return err
	}
	return teardown(cmd, exec, logger)
}

func runSSH(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer logger.Sync()

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
	return teardown(cmd, exec, logger)
}

func teardown(cmd *cobra.Command, exec executor.Executor, logger *zap.Logger) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	opts := &config.Options{
		BatchCommands: v.GetBool("batch-commands"),
		BatchSize:     v.GetInt("batch-size"),
	}

	defer exec.Close()
	logger.Warn("removing all epok rules")
	return operator.Teardown(cmd.Context(), exec, executor.DefaultRetryPolicy(), opts, logger)
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

func newLogger() *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	loggerConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(zap.InfoLevel),
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
