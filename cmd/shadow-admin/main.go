package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "shadow-admin",
		Short:         "Inspect shadow mode data and the semantic cache",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default ./configs/config.yaml)")

	root.AddCommand(
		newAnalyzeCmd(&configPath),
		newStatusCmd(&configPath),
		newCacheCmd(&configPath),
	)
	return root
}

// cliLogger writes warnings and errors to stderr so reports on stdout stay clean.
func cliLogger(cmd *cobra.Command) *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(enc),
		zapcore.AddSync(cmd.ErrOrStderr()),
		zapcore.WarnLevel,
	)
	return zap.New(core)
}
