package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"telegram-forwarder/internal/app"
	"telegram-forwarder/internal/config"
	"telegram-forwarder/internal/logger"
	"telegram-forwarder/internal/pr"
)

// usage печатается при отсутствии или опечатке команды.
const usage = "usage: forwarder [-config config.json] [-env assets/.env] <download|upload|forward|monitor>"

func main() {
	if err := pr.Init(); err != nil {
		logger.Fatal("failed to assign stdout and stderr", zap.Error(err))
	}

	// configPath — JSON с секциями GENERAL/DOWNLOAD/UPLOAD/FORWARD/MONITOR.
	configPath := flag.String("config", "config.json", "path to config file")
	// envPath — .env с секретами (API_ID, API_HASH, PHONE_NUMBER) и
	// операционными параметрами (SESSION_FILE, LOG_LEVEL, LOG_FILE).
	envPath := flag.String("env", "assets/.env", "path to .env file")
	flag.Parse()

	command := flag.Arg(0)
	if !validCommand(command) {
		if command == "" {
			pr.ErrPrintln(usage)
		} else {
			pr.ErrPrintf("unknown command %q\n%s\n", command, usage)
		}
		os.Exit(2)
	}

	if err := config.Load(*configPath, *envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	cfg := config.Get()

	// logger.Init задаёт уровень, SetWriters направляет вывод в буферы pr
	// (чтобы логи не рвали строку ввода), SetFile включает файловую копию.
	logger.Init(cfg.Runtime.LogLevel)
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	logger.SetFile(cfg.Runtime.LogFile)
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := app.New(ctx, stop, cfg, command)
	if runErr := a.Run(); runErr != nil {
		stop()
		logger.Fatal("app run failed", zap.Error(runErr))
	}

	stop()
	logger.Info("Graceful shutdown complete")
}

// validCommand проверяет позиционный аргумент по списку команд движка.
func validCommand(cmd string) bool {
	switch cmd {
	case app.CommandDownload, app.CommandUpload, app.CommandForward, app.CommandMonitor:
		return true
	default:
		return false
	}
}
