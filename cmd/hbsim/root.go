package main

import (
	"io"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

//////
// Const, vars, types.
//////

// RootOptions are the flags shared by every command.
type RootOptions struct {
	// Verbosity is the logr V-level printed. 0 shows info messages, 1 adds
	// stops and promotions, 2 adds every decision.
	Verbosity int

	// Logger is built before any command runs.
	Logger logr.Logger
}

//////
// Factory.
//////

// NewRootCommand creates the hbsim command tree.
func NewRootCommand() *cobra.Command {
	o := &RootOptions{Logger: logr.Discard()}

	cmd := &cobra.Command{
		Use:          "hbsim",
		Short:        "Simulate hyperband trial schedulers",
		Long:         "Drive hyperband trial schedulers against a synthetic objective with simulated workers",
		SilenceUsage: true,

		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			o.Logger = newLogger(cmd.ErrOrStderr(), o.Verbosity)
		},
	}

	cmd.PersistentFlags().IntVarP(&o.Verbosity, "verbosity", "v", 0, "log `level`, higher is more verbose")

	cmd.AddCommand(NewSimulateCommand(&SimulateOptions{Root: o}))
	cmd.AddCommand(NewSpaceCommand(&SpaceOptions{Root: o}))

	return cmd
}

//////
// Helpers.
//////

// newLogger returns a console logr.Logger writing to w. zapr maps V(n) to the
// zap level -n, so verbosity n enables every V-level up to n.
func newLogger(w io.Writer, verbosity int) logr.Logger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			TimeKey:     "ts",
			MessageKey:  "msg",
			LevelKey:    "level",
			NameKey:     "logger",
			EncodeLevel: zapcore.LowercaseLevelEncoder,
			EncodeTime:  zapcore.ISO8601TimeEncoder,
			EncodeName:  zapcore.FullNameEncoder,
		}),
		zapcore.AddSync(w),
		zap.NewAtomicLevelAt(zapcore.Level(-verbosity)),
	)

	return zapr.NewLogger(zap.New(core))
}
