// Package app — сборка клиента пересылки и запуск выбранной команды.
// Здесь связываются конфигурация, сетевой слой gotd (сессия, middleware,
// прокси), менеджер апдейтов для монитора и Runner, который ведёт логин,
// исполнение команды и graceful shutdown.
package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/telegram"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	"telegram-forwarder/internal/config"
	"telegram-forwarder/internal/connection"
	"telegram-forwarder/internal/logger"
	"telegram-forwarder/internal/session"
	"telegram-forwarder/internal/storage"
)

// appVersion отправляется серверу в паспорте устройства.
const appVersion = "1.4.0"

const (
	// clientRPS — глобальный потолок запросов клиента; burst вдвое больше.
	// Поверх него работает поштучный троттлер движка, поэтому знака
	// в конфигурации у этого значения нет.
	clientRPS   = 20
	clientBurst = clientRPS * 2

	// maxFloodWait — предел паузы, которую клиентский middleware отрабатывает
	// сам. Более длинные FLOOD_WAIT поднимаются до троттлера движка: у того
	// есть обратный отсчёт в логах и лимит повторов.
	maxFloodWait = 60 * time.Second
)

// App агрегирует зависимости процесса: конфигурацию, клиента, менеджер
// апдейтов (только для монитора) и Runner жизненного цикла.
type App struct {
	cfg     *config.Config
	command string

	mainCtx    context.Context
	mainCancel context.CancelFunc

	waiter     *floodwait.Waiter
	dispatcher tg.UpdateDispatcher
	updMgr     *tgupdates.Manager
	stateDB    *bbolt.DB

	runner *Runner
}

// New создаёт каркас приложения. Сборка выполняется в Run.
func New(mainCtx context.Context, mainCancel context.CancelFunc, cfg *config.Config, command string) *App {
	return &App{
		cfg:        cfg,
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
		command:    command,
	}
}

// Run собирает клиента и исполняет команду. Блокируется до завершения
// команды или остановки по сигналу.
func (a *App) Run() error {
	logger.Infof("Forwarder starting, command %q", a.command)

	a.waiter = floodwait.NewWaiter().
		WithMaxWait(maxFloodWait).
		WithCallback(func(_ context.Context, wait floodwait.FloodWait) {
			logger.Warnf("Telegram asks to wait %s before the next call", wait.Duration)
		})

	options := telegram.Options{
		SessionStorage: &session.FileStorage{Path: a.cfg.Runtime.SessionFile},
		// Команды без подписки на апдейты игнорируют поток событий.
		UpdateHandler: telegram.UpdateHandlerFunc(func(context.Context, tg.UpdatesClass) error { return nil }),
		Middlewares:   a.middlewares(),
		OnDead: func() {
			connection.MarkDisconnected()
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "PC 64bit",
			SystemVersion: "Linux",
			AppVersion:    appVersion,
		},
	}

	dcResolver, err := proxyResolver(a.cfg.General)
	if err != nil {
		return errors.Wrap(err, "configure proxy")
	}
	if dcResolver != nil {
		options.Resolver = dcResolver
	}

	// Монитору нужен менеджер апдейтов с персистентным состоянием: пробелы
	// в потоке событий добираются через getDifference после реконнекта.
	if a.command == CommandMonitor {
		if err := a.initUpdates(&options); err != nil {
			return err
		}
		defer a.closeUpdates()
	}

	client := telegram.NewClient(a.cfg.General.APIID, a.cfg.General.APIHash, options)

	a.runner = NewRunner(a.mainCtx, a.mainCancel, a.cfg, a.command, client, a.dispatcher, a.updMgr)
	return a.runner.Run(a.waiter)
}

// middlewares собирает цепочку клиента: гашение FLOOD_WAIT, глобальный
// rate limit и потолок длительности одного вызова из GENERAL.timeout.
// Порядок важен: потолок — самый внутренний, чтобы паузы FLOOD_WAIT
// и ожидание токена в него не засчитывались.
func (a *App) middlewares() []telegram.Middleware {
	mw := []telegram.Middleware{
		a.waiter,
		ratelimit.New(rate.Limit(clientRPS), clientBurst),
	}
	if timeout := a.cfg.General.Timeout; timeout > 0 {
		mw = append(mw, invokeTimeout(time.Duration(timeout)*time.Second))
	}
	return mw
}

// invokeTimeout ограничивает длительность одного RPC-вызова.
func invokeTimeout(d time.Duration) telegram.Middleware {
	return telegram.MiddlewareFunc(func(next tg.Invoker) telegram.InvokeFunc {
		return func(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next.Invoke(ctx, input, output)
		}
	})
}

// initUpdates открывает bbolt-хранилище состояния и строит менеджер
// апдейтов поверх диспетчера. Менеджер становится UpdateHandler клиента.
func (a *App) initUpdates(options *telegram.Options) error {
	stateFile := a.cfg.Runtime.UpdatesStateFile
	if err := storage.EnsureDir(stateFile); err != nil {
		return errors.Wrap(err, "ensure updates state dir")
	}
	db, err := bbolt.Open(stateFile, 0o600, nil)
	if err != nil {
		return errors.Wrap(err, "open updates state storage")
	}
	a.stateDB = db

	a.dispatcher = tg.NewUpdateDispatcher()
	a.updMgr = tgupdates.New(tgupdates.Config{
		Handler: a.dispatcher,
		Storage: boltstor.NewStateStorage(db),
	})
	options.UpdateHandler = a.updMgr
	return nil
}

// closeUpdates закрывает хранилище состояния апдейтов.
func (a *App) closeUpdates() {
	if a.stateDB == nil {
		return
	}
	if err := a.stateDB.Close(); err != nil {
		logger.Warnf("Close updates state storage: %v", err)
	}
	a.stateDB = nil
}
