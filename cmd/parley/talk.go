package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

func newTalkCmd(opts *rootOptions) *cobra.Command {
	var voice string
	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Hold one conversation in the terminal",
		Long: `Open the default microphone and speaker and talk to the model until
Ctrl+C. Finalised turns are printed as they complete.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return talk(cmd.Context(), opts, voice)
		},
	}
	cmd.Flags().StringVar(&voice, "voice", "", "override session.voice")
	return cmd
}

func talk(parent context.Context, opts *rootOptions, voice string) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	if voice != "" {
		cfg.Session.Voice = voice
	}

	logger, _, logCloser := newLogger(cfg.Log)
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg, app.WithLogger(logger))
	if err != nil {
		return err
	}
	defer application.Shutdown(context.Background())

	ctrl := application.Controller()
	ctrl.Transcript().OnAppend(func(records []transcript.TurnRecord) {
		for _, r := range records {
			if r.Text != "" {
				fmt.Fprintln(os.Stdout, r.String())
			}
		}
	})
	ctrl.OnStatus(func(s s2s.SessionState) {
		if s == s2s.StateOpen {
			fmt.Fprintln(os.Stderr, "connected, start talking (Ctrl+C to quit)")
		}
	})

	if err := application.StartSession(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctrl.Stop()
	case <-ctrl.Done():
		if ctrl.Status() == s2s.StateErrored {
			return fmt.Errorf("session ended with an error (provider %s)", application.Provider().Name())
		}
		return nil
	}
}
