package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prxssh/rabbit/pkg/torrent"
	"github.com/prxssh/rabbit/pkg/utils/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		logLevel    string
		logOutput   string
		downloadDir string
	)

	flag.StringVar(&logLevel, "l", "CRITICAL", "log level: CRITICAL, ERROR, WARNING, INFO, DEBUG")
	flag.StringVar(&logLevel, "log-level", "CRITICAL", "log level: CRITICAL, ERROR, WARNING, INFO, DEBUG")
	flag.StringVar(&logOutput, "f", "NONE", "log output file path, or NONE to discard")
	flag.StringVar(&logOutput, "log-output", "NONE", "log output file path, or NONE to discard")
	flag.StringVar(&downloadDir, "d", "", "download directory (default: platform downloads folder)")
	flag.StringVar(&downloadDir, "download-dir", "", "download directory (default: platform downloads folder)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] source_file\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}
	sourceFile := flag.Arg(0)

	closeLog, err := setupLogger(logLevel, logOutput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup: %v\n", err)
		return 1
	}
	defer closeLog()

	data, err := os.ReadFile(sourceFile)
	if err != nil {
		slog.Error("failed to read torrent file", "path", sourceFile, "error", err)
		return 1
	}

	if downloadDir == "" {
		downloadDir = defaultDownloadDir()
	}

	client, err := torrent.NewClient()
	if err != nil {
		slog.Error("failed to initialize client", "error", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	client.Startup(ctx)

	t, err := client.AddTorrent(data, downloadDir)
	if err != nil {
		slog.Error("failed to add torrent", "error", err)
		return 1
	}

	<-ctx.Done()
	t.Stop()

	return 0
}

func setupLogger(level, output string) (func(), error) {
	slogLevel := parseLogLevel(level)

	var w = os.Stdout
	closer := func() {}

	if output != "" && !strings.EqualFold(output, "NONE") {
		f, err := os.OpenFile(filepath.Clean(output), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		w = f
		closer = func() { _ = f.Close() }
	} else if strings.EqualFold(output, "NONE") {
		devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, err
		}
		w = devNull
		closer = func() { _ = devNull.Close() }
	}

	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slogLevel
	opts.UseColor = w == os.Stdout

	h := logging.NewPrettyHandler(w, &opts)
	slog.SetDefault(slog.New(h))

	return closer, nil
}

// parseLogLevel maps the CLI's CRITICAL/ERROR/WARNING/INFO/DEBUG vocabulary
// onto slog's four levels; CRITICAL has no slog equivalent so it maps to a
// level above Error, effectively silencing everything but fatal-looking logs.
func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	case "CRITICAL":
		return slog.LevelError + 4
	default:
		return slog.LevelError + 4
	}
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}
	return filepath.Join(home, "Downloads", "rabbit")
}
