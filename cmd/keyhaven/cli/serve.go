package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keyhaven/keyhaven/internal/server"
	"github.com/keyhaven/keyhaven/internal/service"
	"github.com/keyhaven/keyhaven/internal/telemetry"
)

const banner = `
 _  __ ___ __   __ _  _    _   __   __ ___  _  _
| |/ /| __|\ \ / /| || |  /_\  \ \ / /| __|| \| |
| ' < | _|  \ V / | __ | / _ \  \ V / | _| | .' |
|_|\_\|___|  |_|  |_||_|/_/ \_\  \_/  |___||_|\_|
`

func newServeCmd() *cobra.Command {
	var (
		port       int
		host       string
		dev        bool
		background bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Keyhaven API server",
		Long:  "Start the HTTP server that exposes the account, key management, and key-authenticated endpoints.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if background {
				return runServeBackground()
			}
			return runServe(host, port, dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")
	cmd.Flags().BoolVar(&background, "background", false, "Detach and run the server in the background")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

// runServeBackground re-executes the current command detached from the
// terminal, with output redirected to the log file.
func runServeBackground() error {
	args := make([]string, 0, len(os.Args)-1)
	for _, a := range os.Args[1:] {
		if a == "--background" {
			continue
		}
		args = append(args, a)
	}

	logFile, err := os.OpenFile(logFilePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(os.Args[0], args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setSysProcAttr(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start background server: %w", err)
	}
	if err := writePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	fmt.Printf("Keyhaven server started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("  Logs: %s\n", logFilePath())
	fmt.Println("  Stop with: keyhaven stop")
	return nil
}

func runServe(host string, port int, dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	// Set up logger
	logLevel := slog.LevelInfo
	switch viper.GetString("logging.level") {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	if dev {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	if viper.GetString("logging.format") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	ctx := context.Background()

	// 1. Open the SQLite store
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store initialized", "path", resolveDataDir())

	// 2. Resolve secrets
	encKey := encryptionKey()
	if encKey == devEncryptionKey {
		logger.Warn("using built-in development encryption key - set KEYHAVEN_ENCRYPTION_KEY before storing real credentials")
	}
	jwtSecret := viper.GetString("auth.jwt_secret")
	if jwtSecret == "" {
		jwtSecret = "keyhaven-dev-secret-change-me"
		logger.Warn("using built-in development JWT secret - set KEYHAVEN_JWT_SECRET in production")
	}
	sessionTTL := 7 * 24 * time.Hour
	if ttlStr := viper.GetString("auth.session_ttl"); ttlStr != "" {
		if ttl, err := time.ParseDuration(ttlStr); err == nil {
			sessionTTL = ttl
		} else {
			logger.Warn("invalid auth.session_ttl, using default", "value", ttlStr)
		}
	}

	// 3. Wire services
	keys := newKeyService(st, logger)
	authSvc := service.NewAuthService(st, keys, jwtSecret, sessionTTL)
	rec := telemetry.NewRecorder(st, logger)

	// 4. Check for first-run (no user exists)
	hasUser, err := st.HasAnyUser(ctx)
	if err != nil {
		logger.Warn("failed to check for users", "error", err)
	}
	if !hasUser {
		logger.Warn("no user accounts found - register via POST /api/v1/auth/register or run: keyhaven user create")
	}

	// 5. Build and start HTTP server
	srvCfg := server.DefaultConfig()
	srvCfg.Host = host
	srvCfg.Port = port
	if origins := viper.GetStringSlice("server.cors.origins"); len(origins) > 0 {
		srvCfg.CORSOrigins = origins
	}
	if n := viper.GetInt("rate_limit.login_per_minute"); n > 0 {
		srvCfg.LoginRateLimit = n
	}
	if n := viper.GetInt("rate_limit.key_per_minute"); n > 0 {
		srvCfg.KeyRateLimit = n
	}

	srv := server.New(srvCfg, st, keys, authSvc, rec, logger)

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write pid file", "error", err)
	}
	defer removePID()

	fmt.Printf("→ Keyhaven %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", host, port)
	fmt.Printf("→ API:     http://%s:%d/api/v1\n", host, port)
	fmt.Printf("→ Health:  http://%s:%d/healthz\n", host, port)
	fmt.Println()

	return srv.ListenAndServe()
}
