// Package logger — общая обёртка над zap для всего движка пересылки.
// Держит глобальный логгер с динамическим уровнем (zap.AtomicLevel), позволяет
// на лету переназначать консольные потоки и дополнительно направлять JSON-копию
// логов в файл с ротацией (lumberjack). Все пакеты движка пишут только сюда.

package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// mu защищает пересборку глобального логгера и смену writer'ов.
	mu sync.Mutex
	// log — текущий экземпляр zap.Logger. Создаётся лениво при первом обращении.
	log *zap.Logger
	// logLevel — динамический уровень; меняется без пересоздания ядра.
	logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	// consoleOut и consoleErr — целевые консольные потоки.
	consoleOut = zapcore.Lock(zapcore.AddSync(os.Stdout))
	consoleErr = zapcore.Lock(zapcore.AddSync(os.Stderr))
	// fileSink — опциональный файловый выход с ротацией. nil, пока SetFile не вызван.
	fileSink zapcore.WriteSyncer
)

// consoleEncoderConfig задаёт человекочитаемый формат для терминала.
func consoleEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// fileEncoderConfig задаёт машинный JSON-формат для файла: ISO-время, без цветов.
func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := consoleEncoderConfig()
	cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

// rebuildLocked пересобирает глобальный логгер из текущих настроек.
// Вызывающий обязан удерживать mu. AddCallerSkip(1) скрывает функции-обёртки пакета.
func rebuildLocked() {
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderConfig()), consoleOut, logLevel),
	}
	if fileSink != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig()), fileSink, logLevel))
	}
	if log != nil {
		_ = log.Sync()
	}
	log = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1), zap.ErrorOutput(consoleErr))
}

// Init задаёт уровень логирования. Допустимо: debug, info, warn, error;
// неизвестные значения трактуются как info. Сравнение без учёта регистра.
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(level) {
	case "debug":
		logLevel.SetLevel(zap.DebugLevel)
	case "warn":
		logLevel.SetLevel(zap.WarnLevel)
	case "error":
		logLevel.SetLevel(zap.ErrorLevel)
	default:
		logLevel.SetLevel(zap.InfoLevel)
	}
	rebuildLocked()
}

// SetWriters переназначает консольные потоки (например, на буферы readline).
// nil возвращает поток к os.Stdout/os.Stderr. Потокобезопасно.
func SetWriters(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if stdout == nil {
		consoleOut = zapcore.Lock(zapcore.AddSync(os.Stdout))
	} else {
		consoleOut = zapcore.Lock(zapcore.AddSync(stdout))
	}
	if stderr == nil {
		consoleErr = zapcore.Lock(zapcore.AddSync(os.Stderr))
	} else {
		consoleErr = zapcore.Lock(zapcore.AddSync(stderr))
	}
	rebuildLocked()
}

// SetFile включает дублирование логов в файл с ротацией.
// Пустой путь отключает файловый выход. Параметры ротации фиксированы:
// 10 МБ на файл, 3 резервных копии, 28 дней хранения.
func SetFile(path string) {
	mu.Lock()
	defer mu.Unlock()

	if path == "" {
		fileSink = nil
	} else {
		fileSink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		})
	}
	rebuildLocked()
}

// Logger возвращает текущий zap.Logger, лениво создавая его при первом вызове.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if log == nil {
		rebuildLocked()
	}
	return log
}

// IsDebugEnabled сообщает, активен ли уровень Debug.
func IsDebugEnabled() bool {
	return logLevel.Level() <= zap.DebugLevel
}

// Debug пишет структурированное сообщение уровня Debug.
func Debug(msg string, fields ...zap.Field) { Logger().Debug(msg, fields...) }

// Info пишет структурированное сообщение уровня Info.
func Info(msg string, fields ...zap.Field) { Logger().Info(msg, fields...) }

// Warn пишет структурированное предупреждение.
func Warn(msg string, fields ...zap.Field) { Logger().Warn(msg, fields...) }

// Error пишет структурированное сообщение об ошибке.
func Error(msg string, fields ...zap.Field) { Logger().Error(msg, fields...) }

// Fatal пишет сообщение и завершает процесс с кодом 1.
func Fatal(msg string, fields ...zap.Field) {
	Logger().Fatal(msg, fields...)
	_ = Logger().Sync()
	os.Exit(1)
}

// Debugf форматирует через fmt.Sprintf. Для горячих путей предпочитайте поля.
func Debugf(msg string, a ...any) { Logger().Debug(fmt.Sprintf(msg, a...)) }

// Infof форматирует через fmt.Sprintf.
func Infof(msg string, a ...any) { Logger().Info(fmt.Sprintf(msg, a...)) }

// Warnf форматирует через fmt.Sprintf.
func Warnf(msg string, a ...any) { Logger().Warn(fmt.Sprintf(msg, a...)) }

// Errorf форматирует через fmt.Sprintf.
func Errorf(msg string, a ...any) { Logger().Error(fmt.Sprintf(msg, a...)) }
