package app

// Файл runner.go — оркестрация жизненного цикла: логин, исполнение команды
// и корректное завершение. Сигнал останавливает команду кооперативно через
// отмену задач; если за отведённый бюджет команда не развернулась,
// соединение закрывается принудительно.

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/telegram"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"telegram-forwarder/internal/auth"
	"telegram-forwarder/internal/config"
	"telegram-forwarder/internal/connection"
	"telegram-forwarder/internal/logger"
	"telegram-forwarder/internal/pr"
	"telegram-forwarder/internal/task"
)

// closeBudget — сколько времени после сигнала команда разворачивается
// кооперативно, прежде чем соединение будет закрыто.
const closeBudget = 5 * time.Second

// Runner ведёт подключённого клиента через логин и команду до завершения.
type Runner struct {
	cfg     *config.Config
	command string
	client  *telegram.Client

	mainCtx    context.Context
	mainCancel context.CancelFunc

	dispatcher tg.UpdateDispatcher
	updMgr     *tgupdates.Manager

	tasks *task.Registry
}

// NewRunner собирает Runner с готовым клиентом и, для монитора,
// менеджером апдейтов.
func NewRunner(
	mainCtx context.Context,
	mainCancel context.CancelFunc,
	cfg *config.Config,
	command string,
	client *telegram.Client,
	dispatcher tg.UpdateDispatcher,
	updMgr *tgupdates.Manager,
) *Runner {
	return &Runner{
		cfg:        cfg,
		command:    command,
		client:     client,
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
		dispatcher: dispatcher,
		updMgr:     updMgr,
		tasks:      task.NewRegistry(),
	}
}

// Run подключает клиента, логинится и исполняет команду. Контекст MTProto
// намеренно отвязан от сигнального: после Ctrl+C команда получает шанс
// дописать журналы и снять временные каталоги, пока соединение живо.
func (r *Runner) Run(waiter *floodwait.Waiter) error {
	clientCtx, clientCancel := context.WithCancel(context.Background())

	var shutdownWG sync.WaitGroup
	defer shutdownWG.Wait()
	defer clientCancel()

	shutdownWG.Go(func() {
		select {
		case <-r.mainCtx.Done():
			logger.Info("Shutdown signal received, stopping the current command")
			r.tasks.CancelAll()
			pr.InterruptReadline()
			select {
			case <-clientCtx.Done():
			case <-time.After(closeBudget):
				logger.Warn("Graceful stop did not finish in time, closing the connection")
				clientCancel()
			}
		case <-clientCtx.Done():
		}
	})

	err := waiter.Run(clientCtx, func(ctx context.Context) error {
		return r.client.Run(ctx, func(ctx context.Context) error {
			self, loginErr := r.loginSelf(ctx)
			if loginErr != nil {
				return loginErr
			}

			connection.Init(ctx, r.client)
			defer connection.Shutdown()

			return r.runCommand(ctx, self)
		})
	})

	// Остановка по сигналу — штатное завершение, а не сбой.
	if errors.Is(err, context.Canceled) && r.mainCtx.Err() != nil {
		logger.Info("Stopped by user")
		return nil
	}
	return err
}

// loginSelf выполняет интерактивный вход при необходимости и печатает,
// под каким аккаунтом работает движок.
func (r *Runner) loginSelf(ctx context.Context) (*tg.User, error) {
	flow := auth.Flow(r.cfg.General.PhoneNumber)
	if err := r.client.Auth().IfNecessary(ctx, flow); err != nil {
		return nil, errors.Wrap(err, "auth")
	}

	self, err := r.client.Self(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch self")
	}
	logger.Logger().Info("Logged in",
		zap.String("FirstName", self.FirstName),
		zap.String("LastName", self.LastName),
		zap.String("Username", self.Username),
		zap.Int64("ID", self.ID),
	)
	return self, nil
}
