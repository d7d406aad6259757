// Command mail-deliver reads one message from stdin and delivers it to one
// or more local mailboxes. It is meant to be invoked by an MTA, and exits
// with sysexits codes so the MTA can tell a retry from a bounce.
//
//	mail-deliver -f sender@example.com /var/mail/alice maildir:/home/bob/Maildir
//
// Settings can also be read from an env file given with --config; each key
// is the flag name with "-" replaced by "_".
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/infodancer/mda"
	_ "github.com/infodancer/mda/maildir"
	_ "github.com/infodancer/mda/mbox"
)

var libraryKeys = []string{
	mda.OptionLockTimeout,
	mda.OptionStaleLockThreshold,
	mda.OptionFsyncDirectory,
	mda.OptionDotlock,
	mda.OptionDotlockSuffix,
	mda.OptionLockMinBackoff,
	mda.OptionLockMaxBackoff,
	mda.OptionRetries,
	mda.OptionRetryMinBackoff,
	mda.OptionRetryMaxBackoff,
	mda.OptionDeferSignals,
	mda.OptionMaxMessageBytes,
	mda.OptionFileMode,
}

type options struct {
	envFile   string
	from      string
	size      int64
	owner     string
	keyDir    string
	logLevel  string
	logFormat string
}

func main() {
	cmd := newRootCmd(os.Stdin, os.Stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mail-deliver:", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd(stdin io.Reader, stderr io.Writer) *cobra.Command {
	opts := &options{size: -1}
	defaults := mda.DefaultConfig()

	rootCmd := &cobra.Command{
		Use:           "mail-deliver [flags] TARGET...",
		Short:         "Deliver a message from stdin to local mailboxes",
		Args:          requireTargets,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deliver(cmd, args, opts, stdin, stderr)
		},
	}
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(err)
	})

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.envFile, "config", "c", os.Getenv("MAIL_DELIVER_CONFIG"), "Full path to env config file")
	flags.StringVarP(&opts.from, "from", "f", "", "Envelope sender")
	flags.Int64Var(&opts.size, "size", opts.size, "Declared message size in bytes (-1 reads to EOF)")
	flags.StringVar(&opts.owner, "owner", "", "Mailbox owner, used to look up an encryption key")
	flags.StringVar(&opts.keyDir, "key-dir", "", "Directory of <owner>.pub keys; enables encryption for maildir targets")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level (one of debug, info, warn or error)")
	flags.StringVar(&opts.logFormat, "log-format", "auto", "Log format (one of auto, text or json)")

	flags.Duration("lock-timeout", defaults.LockTimeout, "Maximum time to wait for a mailbox lock")
	flags.Duration("stale-lock-threshold", defaults.StaleLockThreshold, "Age after which a dotlock is considered abandoned")
	flags.Bool("fsync-directory", defaults.FsyncDirectory, "Fsync the mailbox directory after each delivery")
	flags.Bool("dotlock", defaults.Dotlock, "Use dotlock files for mbox targets")
	flags.String("dotlock-suffix", defaults.DotlockSuffix, "Suffix of mbox dotlock files")
	flags.Duration("lock-min-backoff", defaults.LockMinBackoff, "Initial wait between attempts to take a busy mailbox lock")
	flags.Duration("lock-max-backoff", defaults.LockMaxBackoff, "Maximum wait between attempts to take a busy mailbox lock")
	flags.Int("retries", defaults.Retries, "Retries after a temporary failure")
	flags.Duration("retry-min-backoff", defaults.RetryMinBackoff, "Initial wait between retries")
	flags.Duration("retry-max-backoff", defaults.RetryMaxBackoff, "Maximum wait between retries")
	flags.Bool("defer-signals", defaults.DeferSignals, "Hold termination signals while writing")
	flags.Int64("max-message-bytes", defaults.MaxMessageBytes, "Reject larger messages (0 means no limit)")
	flags.String("file-mode", fmt.Sprintf("%04o", defaults.FileMode), "Permissions of new mailbox files (octal)")

	rootCmd.AddCommand(newKeygenCmd(stdin))

	return rootCmd
}

func requireTargets(cmd *cobra.Command, args []string) error {
	if err := cobra.MinimumNArgs(1)(cmd, args); err != nil {
		return usageError(err)
	}
	return nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log-level: %w", err)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}

	if format == "auto" {
		format = "json"
		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			format = "text"
		}
	}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	}
	return nil, fmt.Errorf("invalid log-format %q", format)
}

func deliver(cmd *cobra.Command, args []string, opts *options, stdin io.Reader, stderr io.Writer) error {
	if err := applyFlagsFromEnvFile(cmd, opts.envFile); err != nil {
		return usageError(err)
	}

	logger, err := newLogger(stderr, opts.logLevel, opts.logFormat)
	if err != nil {
		return usageError(err)
	}

	cfg, err := mda.ParseConfig(libraryOptions(cmd.Flags(), libraryKeys))
	if err != nil {
		return err
	}
	cfg.Logger = logger

	targets := make([]mda.Target, 0, len(args))
	for _, arg := range args {
		target, err := mda.ParseTarget(arg)
		if err != nil {
			return err
		}
		target.Owner = opts.owner
		targets = append(targets, target)
	}

	engine, err := mda.New(cfg)
	if err != nil {
		return err
	}

	msg := mda.NewMessage(stdin, opts.size)
	msg.Envelope = mda.Envelope{From: opts.from, ReceivedTime: time.Now()}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.keyDir != "" && opts.owner != "" {
		deliverer := mda.NewEncryptingDeliverer(engine, mda.NewKeyDir(opts.keyDir), logger)
		var errs []error
		for _, target := range targets {
			if _, err := deliverer.Deliver(ctx, msg, target); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", target, err))
			}
		}
		return errors.Join(errs...)
	}

	delivered, err := engine.DeliverAll(ctx, msg, targets...)
	if err != nil {
		logger.Error("delivery incomplete",
			slog.Int("delivered", len(delivered)),
			slog.Int("targets", len(targets)),
			slog.String("error", strings.ReplaceAll(err.Error(), "\n", "; ")),
		)
	}
	return err
}
