package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

type globalOptions struct {
	configFile string
	logLevel   string
	banner     bool
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "ftpool",
		Short:         "Fault tolerant pool of ranks working in lock-step",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.banner {
				_ = pterm.DefaultBigText.WithLetters(
					putils.LettersFromStringWithStyle("ft", pterm.FgRed.ToStyle()),
					putils.LettersFromStringWithStyle("pool", pterm.FgDarkGray.ToStyle()),
				).Render()
			}
			return nil
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "YAML file with the command's settings")
	flags.StringVar(&opts.logLevel, "log-level", "info", "one of trace, debug, info, warn, error")
	flags.BoolVar(&opts.banner, "banner", false, "print the banner on start")

	cmd.AddCommand(newRankCommand(opts), newSimulateCommand(opts), newVerifyCommand())
	return cmd
}

// newLogger returns the pterm backed slog logger of the commands.
func (o *globalOptions) newLogger() (*slog.Logger, error) {
	level, err := logLevel(o.logLevel)
	if err != nil {
		return nil, err
	}
	// Create a new slog handler with the default PTerm logger
	handler := pterm.NewSlogHandler(pterm.DefaultLogger.WithLevel(level))
	return slog.New(handler), nil
}
