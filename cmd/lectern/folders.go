package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ryan-winkler/lectern/internal/config"
	"github.com/ryan-winkler/lectern/internal/server"
	"github.com/ryan-winkler/lectern/internal/synology"
)

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "Sign in to the NAS once and print the topic folders",
	Long: `Runs the same sign-in and listing the dashboard uses and prints timing,
the login attempt that succeeded, and the folders or a troubleshooting hint.
Prompts for the NAS password when none is configured and stdin is a terminal.`,
	RunE: runFolders,
}

func runFolders(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	out := cmd.OutOrStdout()

	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	creds, err := config.LoadCredentials(cfg.SecretsFile)
	if err != nil {
		return fmt.Errorf("read secrets: %w", err)
	}
	if creds.NASPassword == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(cmd.ErrOrStderr(), "NAS password for %s: ", creds.NASAccount)
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		creds.NASPassword = string(pw)
	}
	if err := creds.ValidateNAS(cfg.SecretsFile); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	fmt.Fprintf(out, "NAS      %s\n", creds.NASURL)
	fmt.Fprintf(out, "Account  %s\n", creds.NASAccount)
	fmt.Fprintf(out, "Backend  %s\n", cfg.NASBackend)
	fmt.Fprintf(out, "Folder   %s\n", cfg.FolderPath)

	start := time.Now()
	var names []string
	if cfg.NASBackend == "webdav" {
		names, err = server.NewLister(cfg, creds, logger).Folders(ctx, cfg.FolderPath)
	} else {
		names, err = listViaAPI(ctx, out, cfg, creds, logger)
	}
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		fmt.Fprintf(out, "\nFAILED after %s\n  %v\n", elapsed, err)
		if code := synology.Code(err); code != 0 {
			fmt.Fprintf(out, "  code %d\n", code)
		}
		fmt.Fprintf(out, "Hint: %s\n", synology.Hint(err))
		return fmt.Errorf("folder listing failed")
	}

	fmt.Fprintf(out, "\nOK in %s, %d folders\n", elapsed, len(names))
	for _, n := range names {
		fmt.Fprintf(out, "  %s\n", n)
	}
	return nil
}

// listViaAPI walks the DSM steps one by one so each can be reported.
func listViaAPI(ctx context.Context, out io.Writer, cfg *config.Config, creds config.Credentials, logger *slog.Logger) ([]string, error) {
	c := synology.New(synology.Options{
		BaseURL:  creds.NASURL,
		Account:  creds.NASAccount,
		Password: creds.NASPassword,
		Timeout:  cfg.NASTimeout,
	}, logger)

	t := time.Now()
	login, err := c.Login(ctx)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "Login    %s, list v%d (%s)\n", login.Attempt, login.ListVersion, time.Since(t).Round(time.Millisecond))
	defer c.Logout(context.WithoutCancel(ctx), login)

	return c.ListFolders(ctx, login, cfg.FolderPath)
}
