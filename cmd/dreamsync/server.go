package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jerryapp/dreamsync/internal/api"
	"github.com/jerryapp/dreamsync/internal/config"
	"github.com/jerryapp/dreamsync/internal/connectivity"
	"github.com/jerryapp/dreamsync/internal/dreamapi"
	"github.com/jerryapp/dreamsync/internal/history"
	"github.com/jerryapp/dreamsync/internal/social"
	"github.com/jerryapp/dreamsync/internal/storage"
	"github.com/jerryapp/dreamsync/internal/submit"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the dreamsync daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running dreamsync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dreamsync system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "dreamsync.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "dreamsync version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Ensure the loopback API token exists in the platform secret store.
	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Refuse to start twice. Check the health endpoint, then claim the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("dreamsync is already running (PID %d)", pid)
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}
		printWarning("dreamsync is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("daemon already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	client := dreamapi.New(dreamapi.Config{
		BaseURL:       cfg.Remote.BaseURL,
		TextTimeout:   cfg.Remote.TextTimeout,
		AudioTimeout:  cfg.Remote.AudioTimeout,
		StatusTimeout: cfg.Remote.StatusTimeout,
		PollInterval:  cfg.Remote.PollInterval,
		PollMaxFails:  cfg.Remote.PollMaxFails,
	}, store)

	monitor := connectivity.New(connectivity.HTTPProbe(cfg.Remote.BaseURL), cfg.Network.ProbeInterval)
	monitor.Start(ctx)
	defer monitor.Stop()

	hist := history.NewManager(store, cfg.History.Limit)
	soc := social.NewManager(store)

	controller := submit.New(store, client, monitor, hist, soc, cfg.Queue.MaxRetries)
	controller.Start(ctx)
	defer controller.Stop()

	handler := api.NewAppHandler(api.AppDeps{
		Store:      store,
		Controller: controller,
		Social:     soc,
		History:    hist,
		Status:     client,
		Net:        monitor,
		Token:      apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("dreamsync listening", "addr", addr, "remote", cfg.Remote.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("dreamsync is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop dreamsync (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to dreamsync (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	httpClient := &http.Client{Timeout: 2 * time.Second}

	resp, err := httpClient.Get(serverURL + "/health")
	if err != nil {
		printStatus("Daemon", "stopped")
		printStatus("Remote", "%s", cfg.Remote.BaseURL)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	defer resp.Body.Close()

	var health struct {
		Status string `json:"status"`
		Online bool   `json:"online"`
	}
	if resp.StatusCode == 200 && json.NewDecoder(resp.Body).Decode(&health) == nil {
		printStatus("Daemon", "running on port %d", cfg.Server.Port)
		if health.Online {
			printStatus("Remote", "%s (reachable)", cfg.Remote.BaseURL)
		} else {
			printStatus("Remote", "%s (offline)", cfg.Remote.BaseURL)
		}
	} else {
		printStatus("Daemon", "error (HTTP %d)", resp.StatusCode)
	}

	// Queue depth, visible only with a token.
	if client, err := newAPIClient(); err == nil {
		if qResp, err := client.get(ctx, "/queue"); err == nil {
			var items []json.RawMessage
			if decodeJSON(qResp, &items) == nil {
				printStatus("Queued", "%d request(s)", len(items))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
