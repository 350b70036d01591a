// Пакет config собирает конфигурацию движка пересылки из двух источников:
//  1. JSON-файл с секциями GENERAL / DOWNLOAD / UPLOAD / FORWARD / MONITOR
//     (пользовательские настройки задач),
//  2. переменные окружения из .env (секреты и операционные параметры:
//     API_ID, API_HASH, PHONE_NUMBER, SESSION_FILE, LOG_LEVEL, LOG_FILE).
//
// Значения окружения имеют приоритет над JSON для секретов: хранить api_hash
// в config.json допустимо, но .env удобнее не коммитить. Некритичные ошибки
// конфигурации не валят процесс: подставляется дефолт и копится предупреждение,
// доступное через Warnings(). Жёстко отклоняются только неработоспособные
// комбинации: отсутствующие учётные данные, оба флага use_folder_name и
// read_title_txt, прошедший срок монитора.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"

	"telegram-forwarder/internal/media"
	"telegram-forwarder/internal/shared"
	"telegram-forwarder/internal/timeutil"
)

// General — секция GENERAL: учётные данные, глобальные лимиты и прокси.
type General struct {
	APIID       int    `json:"api_id"`
	APIHash     string `json:"api_hash"`
	PhoneNumber string `json:"phone_number"`
	// Limit — сколько групп пересылается до паузы; 0 отключает бюджет.
	Limit int `json:"limit"`
	// PauseTime — длительность паузы бюджета в секундах.
	PauseTime int `json:"pause_time"`
	// Timeout — потолок одной удалённой операции в секундах; 0 = без потолка.
	Timeout    int `json:"timeout"`
	MaxRetries int `json:"max_retries"`

	ProxyEnabled  bool   `json:"proxy_enabled"`
	ProxyType     string `json:"proxy_type"`
	ProxyAddr     string `json:"proxy_addr"`
	ProxyPort     int    `json:"proxy_port"`
	ProxyUsername string `json:"proxy_username"`
	ProxyPassword string `json:"proxy_password"`
}

// Поддерживаемые типы прокси.
const (
	ProxySOCKS5  = "SOCKS5"
	ProxyHTTP    = "HTTP"
	ProxyMTProto = "MTProto"
)

// DownloadSetting — одно правило исторической загрузки.
type DownloadSetting struct {
	SourceChannels []string `json:"source_channels"`
	StartID        int      `json:"start_id"`
	EndID          int      `json:"end_id"`
	Keywords       []string `json:"keywords"`
	MediaTypes     []string `json:"media_types"`
}

// Download — секция DOWNLOAD.
type Download struct {
	Settings               []DownloadSetting `json:"downloadSetting"`
	DownloadPath           string            `json:"download_path"`
	ParallelDownload       bool              `json:"parallel_download"`
	MaxConcurrentDownloads int               `json:"max_concurrent_downloads"`
	DirSizeLimitEnabled    bool              `json:"dir_size_limit_enabled"`
	// DirSizeLimitMB — квота каталога загрузок в мегабайтах.
	DirSizeLimitMB int64 `json:"dir_size_limit"`
}

// UploadOptions — флаги локального аплоада. Пара (use_folder_name,
// read_title_txt) взаимоисключающая, это проверяет загрузчик конфигурации.
type UploadOptions struct {
	UseFolderName        bool   `json:"use_folder_name"`
	ReadTitleTxt         bool   `json:"read_title_txt"`
	SendFinalMessage     bool   `json:"send_final_message"`
	FinalMessageHTMLFile string `json:"final_message_html_file"`
	EnableWebPagePreview bool   `json:"enable_web_page_preview"`
	AutoThumbnail        bool   `json:"auto_thumbnail"`
}

// Upload — секция UPLOAD.
type Upload struct {
	TargetChannels []string `json:"target_channels"`
	Directory      string   `json:"directory"`
	// CaptionTemplate поддерживает плейсхолдер {filename}.
	CaptionTemplate     string        `json:"caption_template"`
	DelayBetweenUploads float64       `json:"delay_between_uploads"`
	Options             UploadOptions `json:"options"`
}

// Replacement — одна замена текста. Порядок в массиве определяет порядок
// применения: JSON-объект не сохраняет порядок ключей, поэтому массив.
type Replacement struct {
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
}

// ChannelPair — пара каналов из конфигурации. Поля политики опциональны:
// nil или пустое значение означает "взять из секции".
type ChannelPair struct {
	Source         string        `json:"source"`
	Targets        []string      `json:"targets"`
	Keywords       []string      `json:"keywords,omitempty"`
	Replacements   []Replacement `json:"replacements,omitempty"`
	RemoveCaptions *bool         `json:"remove_captions,omitempty"`
	MediaTypes     []string      `json:"media_types,omitempty"`
	FinalMessage   string        `json:"final_message,omitempty"`
}

// Forward — секция FORWARD.
type Forward struct {
	Pairs          []ChannelPair `json:"forward_channel_pairs"`
	RemoveCaptions bool          `json:"remove_captions"`
	MediaTypes     []string      `json:"media_types"`
	ForwardDelay   float64       `json:"forward_delay"`
	StartID        int           `json:"start_id"`
	EndID          int           `json:"end_id"`
	TmpPath        string        `json:"tmp_path"`
}

// Monitor — секция MONITOR.
type Monitor struct {
	Pairs          []ChannelPair `json:"monitor_channel_pairs"`
	RemoveCaptions bool          `json:"remove_captions"`
	MediaTypes     []string      `json:"media_types"`
	// Duration — срок остановки в формате YYYY-M-D-H; пустая строка = без срока.
	Duration     string  `json:"duration"`
	ForwardDelay float64 `json:"forward_delay"`
}

// Runtime — операционные параметры из окружения, не входящие в JSON-секции.
type Runtime struct {
	SessionFile string
	// UpdatesStateFile — bbolt-база состояния менеджера апдейтов.
	UpdatesStateFile string
	LogLevel         string
	LogFile          string
}

// Pair — нормализованная пара: политика секции уже применена, цели
// дедуплицированы. Именно этот тип потребляет конвейер.
type Pair struct {
	Source         string
	Targets        []string
	Keywords       []string
	Replacements   []Replacement
	RemoveCaptions bool
	MediaTypes     []media.Kind
	FinalMessage   string
}

// Config — корневая структура конфигурации приложения.
type Config struct {
	General  General  `json:"GENERAL"`
	Download Download `json:"DOWNLOAD"`
	Upload   Upload   `json:"UPLOAD"`
	Forward  Forward  `json:"FORWARD"`
	Monitor  Monitor  `json:"MONITOR"`

	Runtime Runtime `json:"-"`

	// MonitorDeadline — разобранный Monitor.Duration; нулевое время = без срока.
	MonitorDeadline time.Time `json:"-"`

	warnings []string
}

// Значения по умолчанию.
const (
	defaultMaxRetries        = 3
	defaultConcurrency       = 3
	maxConcurrency           = 20
	defaultDirSizeLimitMB    = 1000
	defaultForwardDelay      = 0.5
	defaultUploadDelay       = 0.5
	defaultCaptionTemplate   = "{filename}"
	defaultTmpPath           = "tmp"
	defaultDownloadPath      = "downloads"
	defaultSessionFile       = "data/session.json"
	defaultUpdatesStateFile  = "data/updates.bolt.db"
	defaultLogLevel          = "info"
	defaultMonitorDebounceMS = 1000
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load загружает глобальную конфигурацию. Повторный вызов — ошибка:
// конфигурация неизменяема на время работы процесса.
func Load(configPath, envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(configPath, envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// Get возвращает загруженную конфигурацию. Паника до Load — ошибка программиста.
func Get() *Config {
	if cfgInstance == nil {
		panic("config: Get before Load")
	}
	return cfgInstance
}

// Warnings возвращает копию предупреждений, накопленных при загрузке.
func Warnings() []string {
	c := Get()
	out := make([]string, len(c.warnings))
	copy(out, c.warnings)
	return out
}

// loadConfig выполняет фактический разбор без установки глобального состояния.
// Выделена отдельно, чтобы тесты могли собирать временные конфигурации.
func loadConfig(configPath, envPath string) (*Config, error) {
	var warnings []string

	// .env опционален: секреты могут лежать и в JSON.
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			appendWarningf(&warnings, "env file %s not loaded: %v", envPath, err)
		}
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", configPath)
	}
	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", configPath)
	}

	applyEnvOverrides(cfg, &warnings)
	if err := validateGeneral(&cfg.General, &warnings); err != nil {
		return nil, err
	}
	validateDownload(&cfg.Download, &warnings)
	if err := validateUpload(&cfg.Upload, &warnings); err != nil {
		return nil, err
	}
	validateForward(&cfg.Forward, &warnings)
	if err := validateMonitor(cfg, &warnings); err != nil {
		return nil, err
	}

	cfg.Runtime = Runtime{
		SessionFile:      envString("SESSION_FILE", defaultSessionFile),
		UpdatesStateFile: envString("UPDATES_STATE_FILE", defaultUpdatesStateFile),
		LogLevel:         sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings),
		LogFile:          strings.TrimSpace(os.Getenv("LOG_FILE")),
	}

	cfg.warnings = warnings
	return cfg, nil
}

// applyEnvOverrides переносит секреты из окружения поверх значений JSON.
func applyEnvOverrides(cfg *Config, warnings *[]string) {
	if v := strings.TrimSpace(os.Getenv("API_ID")); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.General.APIID = id
		} else {
			appendWarningf(warnings, "env API_ID value %q is not a valid integer; keeping config value", v)
		}
	}
	if v := strings.TrimSpace(os.Getenv("API_HASH")); v != "" {
		cfg.General.APIHash = v
	}
	if v := strings.TrimSpace(os.Getenv("PHONE_NUMBER")); v != "" {
		cfg.General.PhoneNumber = v
	}
}

// validateGeneral проверяет учётные данные и нормализует лимиты и прокси.
func validateGeneral(g *General, warnings *[]string) error {
	if g.APIID <= 0 {
		return errors.New("GENERAL.api_id must be set (config or env API_ID)")
	}
	if strings.TrimSpace(g.APIHash) == "" {
		return errors.New("GENERAL.api_hash must be set (config or env API_HASH)")
	}
	if strings.TrimSpace(g.PhoneNumber) == "" {
		return errors.New("GENERAL.phone_number must be set (config or env PHONE_NUMBER)")
	}

	g.Limit = intDefault("GENERAL.limit", g.Limit, 0, nonNegative, warnings)
	g.PauseTime = intDefault("GENERAL.pause_time", g.PauseTime, 0, nonNegative, warnings)
	g.Timeout = intDefault("GENERAL.timeout", g.Timeout, 0, nonNegative, warnings)
	if g.MaxRetries <= 0 {
		if g.MaxRetries < 0 {
			appendWarningf(warnings, "GENERAL.max_retries %d is invalid; using default %d", g.MaxRetries, defaultMaxRetries)
		}
		g.MaxRetries = defaultMaxRetries
	}

	if g.ProxyEnabled {
		switch g.ProxyType {
		case ProxySOCKS5, ProxyHTTP, ProxyMTProto:
		default:
			appendWarningf(warnings, "GENERAL.proxy_type %q is not one of SOCKS5/HTTP/MTProto; proxy disabled", g.ProxyType)
			g.ProxyEnabled = false
		}
		if g.ProxyEnabled && (strings.TrimSpace(g.ProxyAddr) == "" || g.ProxyPort <= 0) {
			appendWarningf(warnings, "GENERAL.proxy_addr/proxy_port are incomplete; proxy disabled")
			g.ProxyEnabled = false
		}
	}
	return nil
}

// validateDownload нормализует секцию DOWNLOAD.
func validateDownload(d *Download, warnings *[]string) {
	if strings.TrimSpace(d.DownloadPath) == "" {
		d.DownloadPath = defaultDownloadPath
	}
	if d.MaxConcurrentDownloads == 0 {
		d.MaxConcurrentDownloads = defaultConcurrency
	}
	if d.MaxConcurrentDownloads < 1 || d.MaxConcurrentDownloads > maxConcurrency {
		appendWarningf(warnings, "DOWNLOAD.max_concurrent_downloads %d is outside [1, %d]; using default %d",
			d.MaxConcurrentDownloads, maxConcurrency, defaultConcurrency)
		d.MaxConcurrentDownloads = defaultConcurrency
	}
	if !d.ParallelDownload {
		d.MaxConcurrentDownloads = 1
	}
	if d.DirSizeLimitMB <= 0 {
		if d.DirSizeLimitMB < 0 {
			appendWarningf(warnings, "DOWNLOAD.dir_size_limit %d is invalid; using default %d",
				d.DirSizeLimitMB, defaultDirSizeLimitMB)
		}
		d.DirSizeLimitMB = defaultDirSizeLimitMB
	}
	kept := d.Settings[:0]
	for i := range d.Settings {
		s := &d.Settings[i]
		if len(s.SourceChannels) == 0 {
			appendWarningf(warnings, "DOWNLOAD.downloadSetting[%d] has no source_channels; entry skipped", i)
			continue
		}
		s.MediaTypes = sanitizeKindNames(fmt.Sprintf("DOWNLOAD.downloadSetting[%d].media_types", i), s.MediaTypes, warnings)
		kept = append(kept, *s)
	}
	d.Settings = kept
}

// validateUpload нормализует секцию UPLOAD и проверяет взаимоисключающие опции.
func validateUpload(u *Upload, warnings *[]string) error {
	if u.Options.UseFolderName && u.Options.ReadTitleTxt {
		return errors.New("UPLOAD.options: use_folder_name and read_title_txt are mutually exclusive")
	}
	if strings.TrimSpace(u.CaptionTemplate) == "" {
		u.CaptionTemplate = defaultCaptionTemplate
	}
	if u.DelayBetweenUploads < 0 {
		appendWarningf(warnings, "UPLOAD.delay_between_uploads %v is negative; using default %v",
			u.DelayBetweenUploads, defaultUploadDelay)
		u.DelayBetweenUploads = defaultUploadDelay
	}
	if u.DelayBetweenUploads == 0 {
		u.DelayBetweenUploads = defaultUploadDelay
	}
	if u.Options.SendFinalMessage && strings.TrimSpace(u.Options.FinalMessageHTMLFile) == "" {
		appendWarningf(warnings, "UPLOAD.options.send_final_message is set without final_message_html_file; option disabled")
		u.Options.SendFinalMessage = false
	}
	u.TargetChannels = shared.Unique(trimAll(u.TargetChannels))
	return nil
}

// validateForward нормализует секцию FORWARD.
func validateForward(f *Forward, warnings *[]string) {
	if strings.TrimSpace(f.TmpPath) == "" {
		f.TmpPath = defaultTmpPath
	}
	if f.ForwardDelay < 0 {
		appendWarningf(warnings, "FORWARD.forward_delay %v is negative; using default %v", f.ForwardDelay, defaultForwardDelay)
		f.ForwardDelay = defaultForwardDelay
	}
	if f.ForwardDelay == 0 {
		f.ForwardDelay = defaultForwardDelay
	}
	f.MediaTypes = sanitizeKindNames("FORWARD.media_types", f.MediaTypes, warnings)
	f.Pairs = sanitizePairs("FORWARD.forward_channel_pairs", f.Pairs, warnings)
}

// validateMonitor нормализует секцию MONITOR и разбирает срок остановки.
// Прошедший срок — жёсткая ошибка: монитор с истёкшим сроком не имеет смысла.
func validateMonitor(cfg *Config, warnings *[]string) error {
	m := &cfg.Monitor
	if m.ForwardDelay < 0 {
		appendWarningf(warnings, "MONITOR.forward_delay %v is negative; using default %v", m.ForwardDelay, defaultForwardDelay)
		m.ForwardDelay = defaultForwardDelay
	}
	if m.ForwardDelay == 0 {
		m.ForwardDelay = defaultForwardDelay
	}
	m.MediaTypes = sanitizeKindNames("MONITOR.media_types", m.MediaTypes, warnings)
	m.Pairs = sanitizePairs("MONITOR.monitor_channel_pairs", m.Pairs, warnings)

	if strings.TrimSpace(m.Duration) == "" {
		return nil
	}
	deadline, err := timeutil.ParseDeadline(m.Duration)
	if err != nil {
		return errors.Wrap(err, "MONITOR.duration")
	}
	if !deadline.After(time.Now()) {
		return errors.Errorf("MONITOR.duration %q is in the past", m.Duration)
	}
	cfg.MonitorDeadline = deadline
	return nil
}

// sanitizePairs отбрасывает непригодные пары (нет источника или целей) и
// дедуплицирует цели с сохранением порядка.
func sanitizePairs(section string, pairs []ChannelPair, warnings *[]string) []ChannelPair {
	kept := pairs[:0]
	for i := range pairs {
		p := &pairs[i]
		p.Source = strings.TrimSpace(p.Source)
		p.Targets = shared.Unique(trimAll(p.Targets))
		if p.Source == "" {
			appendWarningf(warnings, "%s[%d] has empty source; pair skipped", section, i)
			continue
		}
		if len(p.Targets) == 0 {
			appendWarningf(warnings, "%s[%d] (%s) has no targets; pair skipped", section, i, p.Source)
			continue
		}
		p.MediaTypes = sanitizeKindNames(fmt.Sprintf("%s[%d].media_types", section, i), p.MediaTypes, warnings)
		kept = append(kept, *p)
	}
	return kept
}

// sanitizeKindNames отбрасывает неизвестные типы медиа с предупреждением.
// Возвращает нормализованные имена; пустой результат означает "все типы".
func sanitizeKindNames(name string, in []string, warnings *[]string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, raw := range in {
		kind, ok := media.ParseKind(raw)
		if !ok {
			appendWarningf(warnings, "%s entry %q is not a known media type; ignored", name, raw)
			continue
		}
		out = append(out, string(kind))
	}
	return shared.Unique(out)
}

// ForwardPairs возвращает пары секции FORWARD с применённой политикой секции.
func (c *Config) ForwardPairs() []Pair {
	return resolvePairs(c.Forward.Pairs, c.Forward.RemoveCaptions, c.Forward.MediaTypes)
}

// MonitorPairs возвращает пары секции MONITOR с применённой политикой секции.
func (c *Config) MonitorPairs() []Pair {
	return resolvePairs(c.Monitor.Pairs, c.Monitor.RemoveCaptions, c.Monitor.MediaTypes)
}

// resolvePairs сводит политику секции и переопределения пары в итоговый Pair.
func resolvePairs(pairs []ChannelPair, removeCaptions bool, kindNames []string) []Pair {
	out := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		rp := Pair{
			Source:         p.Source,
			Targets:        append([]string(nil), p.Targets...),
			Keywords:       append([]string(nil), p.Keywords...),
			Replacements:   append([]Replacement(nil), p.Replacements...),
			RemoveCaptions: removeCaptions,
			FinalMessage:   p.FinalMessage,
		}
		if p.RemoveCaptions != nil {
			rp.RemoveCaptions = *p.RemoveCaptions
		}
		names := kindNames
		if len(p.MediaTypes) > 0 {
			names = p.MediaTypes
		}
		rp.MediaTypes = kindSet(names)
		out = append(out, rp)
	}
	return out
}

// kindSet превращает имена типов в []media.Kind. Пустой вход остаётся пустым:
// пара без media_types пропускает всё, включая чисто текстовые сообщения.
// Явный словарь здесь сделал бы текст недостижимым — у текстовых сообщений
// нет вида медиа, и любой непустой фильтр их отсекает.
func kindSet(names []string) []media.Kind {
	out := make([]media.Kind, 0, len(names))
	for _, n := range names {
		if kind, ok := media.ParseKind(n); ok {
			out = append(out, kind)
		}
	}
	return out
}

// MonitorDebounce возвращает окно дебаунса альбомов монитора.
// Значение фиксировано как константа; вынесено в метод, чтобы будущая
// настройка не трогала вызывающий код.
func (c *Config) MonitorDebounce() time.Duration {
	return time.Duration(defaultMonitorDebounceMS) * time.Millisecond
}

// intDefault возвращает v, если validator пропускает; иначе пишет
// предупреждение и возвращает def.
func intDefault(name string, v, def int, validator func(int) bool, warnings *[]string) int {
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "%s value %d does not satisfy constraints; using default %d", name, v, def)
		return def
	}
	return v
}

// sanitizeLogLevel ограничивает уровень набором {debug, info, warn, error}.
func sanitizeLogLevel(level, fallback string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return fallback
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, fallback)
		return fallback
	}
}

// envString возвращает переменную окружения или fallback.
func envString(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

// appendWarningf копит предупреждения загрузки; список доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func nonNegative(v int) bool { return v >= 0 }

// trimAll обрезает пробелы и выкидывает пустые строки, сохраняя порядок.
func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}
