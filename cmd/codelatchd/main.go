// Command codelatchd is the supervision-broker daemon: it accepts
// hook events over a local socket, forwards permission requests and
// notifications to a chat operator, and routes operator replies back
// into terminal panes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/cmakafui/codelatch/internal/broker"
	"github.com/cmakafui/codelatch/internal/chatclient"
	"github.com/cmakafui/codelatch/internal/config"
	"github.com/cmakafui/codelatch/internal/lifecycle"
	"github.com/cmakafui/codelatch/internal/pane"
	"github.com/cmakafui/codelatch/internal/store"
	"github.com/cmakafui/codelatch/pkg/logger"
)

var version = "dev"

func main() {
	logger.Setup()

	if len(os.Args) < 2 {
		if err := runDaemon(os.Args[1:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "doctor":
		if err := runDoctor(os.Args[2:]); err != nil {
			slog.Error("doctor check failed", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		if len(os.Args[1]) > 0 && os.Args[1][0] == '-' {
			if err := runDaemon(os.Args[1:]); err != nil {
				slog.Error("fatal", "error", err)
				os.Exit(1)
			}
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "usage: codelatchd [doctor|version] [flags]\n")
		os.Exit(1)
	}
}

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("codelatchd", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml (default: OS config dir)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	_ = fs.Parse(args)

	if level, err := logger.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(level)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.IsConfigured() {
		return fmt.Errorf("codelatch is not configured: set telegram_bot_token and telegram_chat_id")
	}

	lockPath, err := config.LockPath()
	if err != nil {
		return fmt.Errorf("resolve lock path: %w", err)
	}
	pidPath, err := config.PIDPath()
	if err != nil {
		return fmt.Errorf("resolve pid path: %w", err)
	}

	lock, err := lifecycle.Acquire(lockPath, pidPath)
	if err != nil {
		return fmt.Errorf("acquire singleton lock: %w", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		lock.Release()
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	chat, err := chatclient.New(cfg.TelegramBotToken, cfg.TelegramChatID)
	if err != nil {
		lock.Release()
		return fmt.Errorf("construct chat client: %w", err)
	}

	daemon := broker.NewDaemon(lock, st, chat, pane.New(), cfg.SocketPath, broker.Config{
		AutoDenySeconds: cfg.AutoDenySeconds,
		ContextLines:    cfg.ContextLines,
		MaxInlineLength: cfg.MaxInlineLength,
		MetricsAddr:     cfg.MetricsAddr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("codelatchd starting", "socket", cfg.SocketPath, "db", cfg.DBPath)
	if err := daemon.Run(ctx); err != nil {
		return fmt.Errorf("daemon run: %w", err)
	}
	slog.Info("codelatchd stopped")
	return nil
}

// runDoctor runs a fast health check against the configured store and
// singleton lock without starting the accept loop: useful for
// verifying a deployment before wiring up the chat operator.
func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml (default: OS config dir)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Println("config:", configOK(cfg))

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Println("store: FAIL:", err)
		return err
	}
	defer st.Close()
	fmt.Println("store: OK", cfg.DBPath)

	pidPath, err := config.PIDPath()
	if err == nil {
		if pid, ok := lifecycle.ReadPID(pidPath); ok {
			if lifecycle.ProcessAlive(pid) {
				fmt.Println("daemon: running, pid", pid)
			} else {
				fmt.Println("daemon: stale pid file, pid", pid, "not running")
			}
		} else {
			fmt.Println("daemon: not running")
		}
	}

	if err := exec.Command("tmux", "-V").Run(); err != nil {
		fmt.Println("tmux: FAIL:", err)
	} else {
		fmt.Println("tmux: OK")
	}

	if cfg.IsConfigured() {
		chat, err := chatclient.New(cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			fmt.Println("telegram auth: FAIL:", err)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			username, err := chat.GetMe(ctx)
			if err != nil {
				fmt.Println("telegram auth: FAIL:", err)
			} else {
				fmt.Println("telegram auth: OK, bot", username)
			}
		}
	} else {
		fmt.Println("telegram auth: SKIP (not configured)")
	}

	return nil
}

func configOK(cfg *config.Config) string {
	if cfg.IsConfigured() {
		return "OK"
	}
	return "INCOMPLETE (missing telegram_bot_token or telegram_chat_id)"
}
