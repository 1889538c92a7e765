package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"

	"podcast-sync/internal/auth"
	"podcast-sync/internal/config"
	"podcast-sync/internal/server"
	"podcast-sync/internal/store"
)

func main() {
	logger := log.New(os.Stdout, "podcast-sync ", log.LstdFlags|log.Lmsgprefix)

	if len(os.Args) > 1 && os.Args[1] == "hash-secret" {
		if err := hashSecret(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	flags := pflag.NewFlagSet("podcast-sync", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to YAML config file (default: $PODSYNC_CONFIG)")
	legacyPath := flags.String("legacy-config", "", "path to a podcasts.cfg file holding the data directory and secret")
	dataDir := flags.String("data-dir", "", "directory holding {id}.mp3 and {id}.tag files")
	listenAddr := flags.String("listen", "", "address to listen on")
	allowRemote := flags.Bool("allow-remote", false, "allow binding to a non-localhost address")
	secretFile := flags.String("secret-file", "", "file whose first line is the shared secret")
	deleteMode := flags.String("delete-mode", "", "episode deletion strategy: direct or command")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatalf("parse flags: %v", err)
	}

	cfg, err := config.Load(*configPath, *legacyPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = *dataDir
	}
	if flags.Changed("listen") {
		cfg.ListenAddr = *listenAddr
	}
	if flags.Changed("allow-remote") {
		cfg.AllowRemote = *allowRemote
	}
	if flags.Changed("secret-file") {
		cfg.SecretFile = *secretFile
	}
	if flags.Changed("delete-mode") {
		cfg.DeleteMode = strings.ToLower(*deleteMode)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	dataRoot, err := config.ResolveDataDir(cfg.DataDir)
	if err != nil {
		logger.Fatalf("resolve data directory: %v", err)
	}

	var remover store.Remover = store.DirectRemover{}
	if cfg.DeleteMode == config.DeleteCommand {
		remover = store.NewCommandRemover(cfg.DeleteCommand)
	}
	episodes := store.New(dataRoot, logger, store.WithRemover(remover), store.WithHeartbeatFile(cfg.HeartbeatFile))

	var gate server.Gate
	if cfg.SecretFile != "" {
		path, err := config.ExpandPath(cfg.SecretFile)
		if err != nil {
			logger.Fatalf("resolve secret file: %v", err)
		}
		watched, err := auth.NewSecretFile(path, cfg.RefreshDebounce, logger)
		if err != nil {
			logger.Fatalf("initialise secret file: %v", err)
		}
		defer func() {
			if err := watched.Close(); err != nil {
				logger.Printf("error closing secret file: %v", err)
			}
		}()
		gate = watched
	} else {
		gate = auth.StaticSecret(cfg.Secret)
	}

	handler, err := server.New(episodes, episodes, gate, cfg.Compress, logger)
	if err != nil {
		logger.Fatalf("initialise handler: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("graceful shutdown error: %v", err)
		}
	}()

	logger.Printf("listening on %s (data directory: %s, delete mode: %s)", cfg.ListenAddr, dataRoot, cfg.DeleteMode)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("http server error: %v", err)
	}
	logger.Println("shutdown complete")
}

// hashSecret prints a bcrypt hash of a secret read from the first line of
// stdin, for use as the configured secret.
func hashSecret(args []string) error {
	flags := pflag.NewFlagSet("hash-secret", pflag.ContinueOnError)
	cost := flags.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	hash, err := auth.HashSecret(strings.TrimRight(line, "\r\n"), *cost)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
