package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mailloft/mailloft/internal/auth"
	"github.com/mailloft/mailloft/internal/config"
	"github.com/mailloft/mailloft/internal/directory"
	imapserver "github.com/mailloft/mailloft/internal/imap"
	"github.com/mailloft/mailloft/internal/logging"
	"github.com/mailloft/mailloft/internal/respond"
	"github.com/mailloft/mailloft/internal/security"
	smtpserver "github.com/mailloft/mailloft/internal/smtp"
	"github.com/mailloft/mailloft/internal/web"
)

const version = "0.1.0"

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailloft",
	Short: "In-memory mail sink for developing mail-sending applications",
	Long: `An in-memory mail sink for development and testing:
- SMTP endpoint that accepts and stores everything
- IMAP with IDLE for inspecting captured mail
- Web frontend for browsing, composing and uploading mail
- Optional auto-responder for reply round-trips

Nothing is ever written to disk; restarting clears all mail.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help commands
		if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "hash" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mail sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger, err := logging.New(logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger.Info("mail sink starting", "user", cfg.Server.User, "multi_user", cfg.Server.MultiUser)

		tlsManager, err := security.NewTLSManager(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize TLS: %w", err)
		}
		if tlsManager.HasTLS() {
			logger.Info("TLS configured")
		}

		authenticator := auth.New(cfg.Server.User, cfg.Server.Password, cfg.Server.MultiUser)
		dir := directory.New(cfg.Server.User, cfg.Server.MultiUser, logger.Store().Logger)

		responder := respond.New(dir, cfg.SMTP.FlaggedSeen, logger.Responder().Logger)
		responder.Load(cfg.Responder.Policy)
		if responder.Loaded() {
			logger.Info("auto-responder enabled", "policy", cfg.Responder.Policy)
		}

		handler := smtpserver.NewHandler(dir, responder,
			cfg.SMTP.FlaggedSeen, cfg.SMTP.EnsureMessageID, logger.SMTP())
		backend := smtpserver.NewBackend(authenticator, handler, cfg, logger.SMTP())
		smtpSrv := smtpserver.NewServer(backend, cfg, tlsManager.TLSConfig(), logger.SMTP())

		imapSrv := imapserver.NewServer(authenticator, dir, cfg, tlsManager.TLSConfig(), logger.IMAP())

		var webSrv *web.Server
		if cfg.HTTP.Enabled {
			webSrv = web.NewServer(dir, cfg, version, logger.Web())
		}

		// Shutdown in reverse order of startup.
		cleanup := func() {
			logger.Info("starting graceful shutdown")
			if webSrv != nil {
				if err := webSrv.Close(); err != nil {
					logger.Error("web server shutdown error", "error", err.Error())
				}
			}
			if err := smtpSrv.Close(); err != nil {
				logger.Error("SMTP server shutdown error", "error", err.Error())
			}
			if err := imapSrv.Close(); err != nil {
				logger.Error("IMAP server shutdown error", "error", err.Error())
			}
			logger.Info("shutdown complete")
		}

		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "PANIC during server operation: %v\n", r)
				cleanup()
				panic(r)
			}
		}()

		if err := imapSrv.ListenAndServe(); err != nil {
			return fmt.Errorf("failed to start IMAP server: %w", err)
		}
		logger.Info("IMAP server started", "port", cfg.Server.IMAPPort)

		if err := smtpSrv.ListenAndServe(); err != nil {
			imapSrv.Close()
			return fmt.Errorf("failed to start SMTP server: %w", err)
		}
		logger.Info("SMTP server started", "port", cfg.Server.SMTPPort)

		if tlsManager.HasTLS() && cfg.Server.SMTPSPort > 0 {
			if err := smtpSrv.ListenAndServeTLS(); err != nil {
				smtpSrv.Close()
				imapSrv.Close()
				return fmt.Errorf("failed to start SMTPS server: %w", err)
			}
			logger.Info("SMTPS server started", "port", cfg.Server.SMTPSPort)
		}

		if webSrv != nil {
			if err := webSrv.ListenAndServe(); err != nil {
				smtpSrv.Close()
				imapSrv.Close()
				return fmt.Errorf("failed to start web server: %w", err)
			}
			logger.Info("web frontend started", "port", cfg.Server.HTTPPort)
		}

		fmt.Printf("Mail sink running on %s\n", cfg.Server.Listen)
		fmt.Printf("  SMTP: %d\n", cfg.Server.SMTPPort)
		if tlsManager.HasTLS() && cfg.Server.SMTPSPort > 0 {
			fmt.Printf("  SMTPS: %d\n", cfg.Server.SMTPSPort)
		}
		fmt.Printf("  IMAP: %d\n", cfg.Server.IMAPPort)
		if webSrv != nil {
			fmt.Printf("  Web:  http://%s:%d\n", cfg.Server.Listen, cfg.Server.HTTPPort)
		}
		fmt.Println("\nPress Ctrl+C to stop. All mail is lost on exit.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())

		cleanup()
		return nil
	},
}

var hashCmd = &cobra.Command{
	Use:   "hash <password>",
	Short: "Hash a password for use as the shared secret in the config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		encoded, err := auth.HashPassword(args[0])
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
		fmt.Println(encoded)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailloft v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(versionCmd)
}
