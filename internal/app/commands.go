package app

// Файл commands.go — исполнение команд движка: download, upload, forward,
// monitor. Здесь конфигурация переводится в разрешённые каналы и собранные
// сервисы, а работа каждой команды оборачивается в задачу реестра.

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-faster/errors"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"

	"telegram-forwarder/internal/config"
	"telegram-forwarder/internal/downloads"
	"telegram-forwarder/internal/forwarder"
	"telegram-forwarder/internal/history"
	"telegram-forwarder/internal/logger"
	"telegram-forwarder/internal/media"
	"telegram-forwarder/internal/monitor"
	"telegram-forwarder/internal/pipeline"
	"telegram-forwarder/internal/resolver"
	"telegram-forwarder/internal/task"
	"telegram-forwarder/internal/textproc"
	"telegram-forwarder/internal/throttle"
	"telegram-forwarder/internal/tgutil"
	"telegram-forwarder/internal/uploads"
	"telegram-forwarder/internal/video"
)

// Команды движка; значение передаётся позиционным аргументом бинаря.
const (
	CommandDownload = "download"
	CommandUpload   = "upload"
	CommandForward  = "forward"
	CommandMonitor  = "monitor"
)

// Файлы журналов доставки.
const (
	downloadHistoryFile = "data/download_history.json"
	uploadHistoryFile   = "data/upload_history.json"
	forwardHistoryFile  = "data/forward_history.json"
)

const (
	// engineRPS — частота поштучного троттлера движка. Ниже клиентского
	// потолка, чтобы пагинация истории не выедала весь глобальный бюджет.
	engineRPS = 10
	// retryBaseDelay — страховочная добавка к серверным паузам: пробуждение
	// ровно по таймеру FLOOD_WAIT сервер иногда наказывает повтором.
	retryBaseDelay = 500 * time.Millisecond
)

// runCommand исполняет команду процесса под живым соединением.
func (r *Runner) runCommand(ctx context.Context, self *tg.User) error {
	switch r.command {
	case CommandDownload:
		return r.runDownload(ctx)
	case CommandUpload:
		return r.runUpload(ctx)
	case CommandForward:
		return r.runForward(ctx)
	case CommandMonitor:
		return r.runMonitor(ctx, self.ID)
	default:
		return errors.Errorf("unknown command %q", r.command)
	}
}

// services — общие зависимости команд поверх живого клиента.
type services struct {
	lim    *throttle.Throttler
	res    *resolver.Resolver
	fwd    *forwarder.Forwarder
	sender *uploads.Sender
	worker *downloads.Worker
}

// buildServices собирает троттлер, резолвер и рабочих. Троттлер запущен;
// остановка — на вызывающем.
func (r *Runner) buildServices(ctx context.Context) *services {
	lim := throttle.New(engineRPS,
		throttle.WithMaxRetries(r.cfg.General.MaxRetries),
		throttle.WithBaseDelay(retryBaseDelay),
		throttle.WithWaitExtractors(tgutil.FloodWaitExtractor),
		throttle.WithProgress(func(remaining, total time.Duration) {
			logger.Infof("FloodWait: %s of %s remaining", remaining.Round(time.Second), total.Round(time.Second))
		}),
	)
	lim.Start(ctx)

	api := r.client.API()
	return &services{
		lim:    lim,
		res:    resolver.New(api, resolver.WithThrottler(lim)),
		fwd:    forwarder.New(api, lim),
		sender: uploads.NewSender(api, lim),
		worker: downloads.NewWorker(api),
	}
}

// runTask оборачивает работу команды в задачу реестра: старт, терминальный
// статус по исходу, снятие с учёта.
func (r *Runner) runTask(ctx context.Context, kind string, fn func(context.Context, *task.Task) error) error {
	t := r.tasks.NewTask(kind, task.LogReporter{})
	defer r.tasks.Remove(t.ID())

	t.Start()
	err := fn(ctx, t)
	switch {
	case err == nil:
		t.Complete()
		return nil
	case errors.Is(err, context.Canceled):
		t.Cancel()
		return err
	default:
		t.Fail(err)
		return err
	}
}

// runDownload выполняет правила секции DOWNLOAD: историческое скачивание
// медиа в постоянный каталог.
func (r *Runner) runDownload(ctx context.Context) error {
	section := r.cfg.Download
	if len(section.Settings) == 0 {
		logger.Info("Download: no downloadSetting entries configured, nothing to do")
		return nil
	}

	svc := r.buildServices(ctx)
	defer svc.lim.Stop()

	store, err := history.NewDownloadStore(downloadHistoryFile)
	if err != nil {
		return errors.Wrap(err, "open download history")
	}

	rules := make([]pipeline.DownloadRule, 0, len(section.Settings))
	for _, s := range section.Settings {
		sources := r.resolveRefs(ctx, svc.res, "Download", s.SourceChannels)
		if len(sources) == 0 {
			logger.Warnf("Download: rule with sources %v has nothing resolvable, skipping", s.SourceChannels)
			continue
		}
		rules = append(rules, pipeline.DownloadRule{
			Sources:  sources,
			StartID:  s.StartID,
			EndID:    s.EndID,
			Keywords: s.Keywords,
			Kinds:    kindFilter(s.MediaTypes),
		})
	}
	if len(rules) == 0 {
		return errors.New("no download rules could be resolved")
	}

	dl := pipeline.NewDownloader(pipeline.DownloaderOptions{
		API:         r.client.API(),
		Throttler:   svc.lim,
		Worker:      svc.worker,
		Store:       store,
		Root:        section.DownloadPath,
		Parallel:    section.ParallelDownload,
		Concurrency: section.MaxConcurrentDownloads,
		Quota:       pipeline.NewQuota(section.DownloadPath, section.DirSizeLimitEnabled, section.DirSizeLimitMB),
	})

	return r.runTask(ctx, CommandDownload, func(ctx context.Context, t *task.Task) error {
		return dl.Run(ctx, t, rules)
	})
}

// runUpload отправляет файлы каталога UPLOAD.directory в целевые каналы.
func (r *Runner) runUpload(ctx context.Context) error {
	section := r.cfg.Upload
	if len(section.TargetChannels) == 0 {
		return errors.New("UPLOAD.target_channels is empty")
	}

	svc := r.buildServices(ctx)
	defer svc.lim.Stop()

	targets := r.resolveRefs(ctx, svc.res, "Upload", section.TargetChannels)
	if len(targets) == 0 {
		return errors.New("none of UPLOAD.target_channels could be resolved")
	}

	store, err := history.NewUploadStore(uploadHistoryFile)
	if err != nil {
		return errors.Wrap(err, "open upload history")
	}

	local := uploads.NewLocal(section, svc.sender, store, video.NewCached(video.Nop{}), targets)
	return r.runTask(ctx, CommandUpload, local.Run)
}

// runForward прогоняет пары секции FORWARD через исторический конвейер.
func (r *Runner) runForward(ctx context.Context) error {
	section := r.cfg.Forward
	pairs := r.cfg.ForwardPairs()
	if len(pairs) == 0 {
		logger.Info("Forward: no forward_channel_pairs configured, nothing to do")
		return nil
	}

	svc := r.buildServices(ctx)
	defer svc.lim.Stop()

	store, err := history.NewForwardStore(forwardHistoryFile)
	if err != nil {
		return errors.Wrap(err, "open forward history")
	}

	resolved := r.buildPairs(ctx, svc.res, "Forward", pairs, section.StartID, section.EndID)
	if len(resolved) == 0 {
		return errors.New("no forward pairs could be resolved")
	}

	runner := r.newPipelineRunner(svc, store, section.TmpPath, section.ForwardDelay)
	return r.runTask(ctx, CommandForward, func(ctx context.Context, t *task.Task) error {
		for _, pair := range resolved {
			if err := runner.RunPair(ctx, t, pair); err != nil {
				return err
			}
		}
		return nil
	})
}

// runMonitor подписывает пары секции MONITOR на поток апдейтов и доставляет
// свежие группы до сигнала или настроенного срока.
func (r *Runner) runMonitor(ctx context.Context, selfID int64) error {
	if r.updMgr == nil {
		return errors.New("update manager is not initialised")
	}
	pairs := r.cfg.MonitorPairs()
	if len(pairs) == 0 {
		logger.Info("Monitor: no monitor_channel_pairs configured, nothing to do")
		return nil
	}

	svc := r.buildServices(ctx)
	defer svc.lim.Stop()

	// Горячий кэш диалогов: маршрутизация апдейтов сверяет id источников,
	// поэтому числовые идентификаторы должны разрешаться без догадок.
	if err := svc.res.WarmUp(ctx); err != nil {
		logger.Warnf("Monitor: dialogs warmup failed: %v", err)
	}

	store, err := history.NewForwardStore(forwardHistoryFile)
	if err != nil {
		return errors.Wrap(err, "open forward history")
	}

	resolved := r.buildPairs(ctx, svc.res, "Monitor", pairs, 0, 0)
	if len(resolved) == 0 {
		return errors.New("no monitor pairs could be resolved")
	}

	tmpRoot := filepath.Join(r.cfg.Forward.TmpPath, "monitor")
	runner := r.newPipelineRunner(svc, store, tmpRoot, r.cfg.Monitor.ForwardDelay)

	mon := monitor.New(monitor.Options{
		Runner:         runner,
		Window:         r.cfg.MonitorDebounce(),
		Delay:          time.Duration(r.cfg.Monitor.ForwardDelay * float64(time.Second)),
		BudgetLimit:    r.cfg.General.Limit,
		BudgetPauseSec: r.cfg.General.PauseTime,
		Deadline:       r.cfg.MonitorDeadline,
	})
	for _, pair := range resolved {
		if !mon.Subscribe(pair) {
			logger.Warnf("Monitor: duplicate pair %q ignored", pair.Source.Title)
		}
	}

	r.dispatcher.OnNewChannelMessage(mon.OnNewChannelMessage)
	r.dispatcher.OnNewMessage(mon.OnNewMessage)

	return r.runTask(ctx, CommandMonitor, func(ctx context.Context, t *task.Task) error {
		updCtx, updCancel := context.WithCancel(ctx)
		defer updCancel()

		var wg sync.WaitGroup
		wg.Go(func() {
			err := r.updMgr.Run(updCtx, r.client.API(), selfID, tgupdates.AuthOptions{
				OnStart: func(context.Context) {
					logger.Info("Monitor: update feed is live")
				},
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("Monitor: update feed stopped: %v", err)
				t.Cancel()
			}
		})

		runErr := mon.Run(ctx, t)
		updCancel()
		wg.Wait()
		return runErr
	})
}

// newPipelineRunner собирает конвейер пересылки с общими настройками
// темпа, бюджета и квоты временного каталога.
func (r *Runner) newPipelineRunner(svc *services, store *history.ForwardStore, tmpRoot string, delaySec float64) *pipeline.Runner {
	return pipeline.NewRunner(pipeline.RunnerOptions{
		API:            r.client.API(),
		Throttler:      svc.lim,
		Resolver:       svc.res,
		Forwarder:      svc.fwd,
		Sender:         svc.sender,
		Worker:         svc.worker,
		Store:          store,
		TempRoot:       tmpRoot,
		Concurrency:    r.cfg.Download.MaxConcurrentDownloads,
		Quota:          pipeline.NewQuota(tmpRoot, r.cfg.Download.DirSizeLimitEnabled, r.cfg.Download.DirSizeLimitMB),
		Delay:          time.Duration(delaySec * float64(time.Second)),
		BudgetLimit:    r.cfg.General.Limit,
		BudgetPauseSec: r.cfg.General.PauseTime,
	})
}

// resolveRefs разрешает список идентификаторов, пропуская неудачные с
// предупреждением. Порядок сохраняется, дубликаты убирает конфигурация.
func (r *Runner) resolveRefs(ctx context.Context, res *resolver.Resolver, section string, ids []string) []resolver.ChannelRef {
	out := make([]resolver.ChannelRef, 0, len(ids))
	for _, id := range ids {
		ref, err := res.Resolve(ctx, id)
		if err != nil {
			logger.Warnf("%s: %q skipped: %v", section, id, err)
			continue
		}
		out = append(out, ref)
	}
	return out
}

// buildPairs переводит пары конфигурации в пары конвейера: разрешённые
// каналы плюс политика обработки текста.
func (r *Runner) buildPairs(ctx context.Context, res *resolver.Resolver, section string, pairs []config.Pair, startID, endID int) []pipeline.Pair {
	out := make([]pipeline.Pair, 0, len(pairs))
	for _, p := range pairs {
		source, err := res.Resolve(ctx, p.Source)
		if err != nil {
			logger.Warnf("%s: source %q skipped: %v", section, p.Source, err)
			continue
		}
		targets := r.resolveRefs(ctx, res, section, p.Targets)
		if len(targets) == 0 {
			logger.Warnf("%s: pair %q has no resolvable targets, skipping", section, p.Source)
			continue
		}
		out = append(out, pipeline.Pair{
			Source:  source,
			Targets: targets,
			Policy: textproc.Policy{
				Keywords:      p.Keywords,
				Rules:         rulesOf(p.Replacements),
				RemoveCaption: p.RemoveCaptions,
			},
			Kinds:        kindsOf(p.MediaTypes),
			StartID:      startID,
			EndID:        endID,
			FinalMessage: p.FinalMessage,
		})
	}
	return out
}

// rulesOf переводит замены конфигурации в правила текстового процессора,
// сохраняя пользовательский порядок.
func rulesOf(replacements []config.Replacement) []textproc.Rule {
	if len(replacements) == 0 {
		return nil
	}
	out := make([]textproc.Rule, 0, len(replacements))
	for _, rep := range replacements {
		out = append(out, textproc.Rule{From: rep.Original, To: rep.Replacement})
	}
	return out
}

// kindsOf строит фильтр видов медиа из уже нормализованного списка.
func kindsOf(kinds []media.Kind) map[media.Kind]struct{} {
	out := make(map[media.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		out[k] = struct{}{}
	}
	return out
}

// kindFilter строит фильтр видов медиа из имён секции DOWNLOAD.
// Пустой результат означает «все виды».
func kindFilter(names []string) map[media.Kind]struct{} {
	out := make(map[media.Kind]struct{}, len(names))
	for _, name := range names {
		if kind, ok := media.ParseKind(name); ok {
			out[kind] = struct{}{}
		}
	}
	return out
}
