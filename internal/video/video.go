// Package video — контракт внешнего видеопомощника: размеры, длительность и
// обложка для загружаемых видеофайлов. Сам движок метаданные не извлекает;
// любой сбой помощника нефатален — выгрузка продолжается без недостающих
// атрибутов, сервер досчитает их сам.
package video

import (
	"context"
	"sync"
)

// Meta — свойства видеофайла, нужные для атрибутов выгрузки.
type Meta struct {
	Width    int
	Height   int
	Duration float64 // секунды
}

// Thumb — извлечённая обложка видео вместе с метаданными кадра.
type Thumb struct {
	Path     string // путь файла обложки; вызывающий код обязан удалить его после выгрузки
	Width    int
	Height   int
	Duration float64
}

// Prober — три операции видеопомощника. Реализации могут делать тяжёлую
// работу (ffprobe, декодирование кадра), поэтому все методы принимают контекст.
type Prober interface {
	// Dimensions возвращает ширину и высоту кадра. ok=false — метаданные недоступны.
	Dimensions(ctx context.Context, path string) (width, height int, ok bool)
	// Duration возвращает длительность ролика в секундах.
	Duration(ctx context.Context, path string) (seconds float64, ok bool)
	// Thumbnail извлекает обложку во временный файл.
	Thumbnail(ctx context.Context, path string) (Thumb, bool)
}

// Nop — помощник-заглушка: метаданных нет, обложек нет. Используется, когда
// внешний извлекатель не сконфигурирован.
type Nop struct{}

// Dimensions всегда отвечает «недоступно».
func (Nop) Dimensions(ctx context.Context, path string) (int, int, bool) { return 0, 0, false }

// Duration всегда отвечает «недоступно».
func (Nop) Duration(ctx context.Context, path string) (float64, bool) { return 0, false }

// Thumbnail всегда отвечает «недоступно».
func (Nop) Thumbnail(ctx context.Context, path string) (Thumb, bool) { return Thumb{}, false }

// Cached мемоизирует ответы помощника по пути файла. Живёт столько же,
// сколько группа конвейера: один файл пробится не более одного раза даже при
// нескольких целевых каналах. Потокобезопасен — обложки группы считаются
// параллельно под семафором.
type Cached struct {
	inner Prober

	mu     sync.Mutex
	meta   map[string]metaResult
	thumbs map[string]thumbResult
}

type metaResult struct {
	meta Meta
	ok   bool
}

type thumbResult struct {
	thumb Thumb
	ok    bool
}

// NewCached оборачивает помощника мемоизацией.
func NewCached(inner Prober) *Cached {
	if inner == nil {
		inner = Nop{}
	}
	return &Cached{
		inner:  inner,
		meta:   make(map[string]metaResult),
		thumbs: make(map[string]thumbResult),
	}
}

// Dimensions возвращает кэшированные размеры кадра.
func (c *Cached) Dimensions(ctx context.Context, path string) (int, int, bool) {
	m, ok := c.probeMeta(ctx, path)
	if !ok {
		return 0, 0, false
	}
	return m.Width, m.Height, true
}

// Duration возвращает кэшированную длительность.
func (c *Cached) Duration(ctx context.Context, path string) (float64, bool) {
	m, ok := c.probeMeta(ctx, path)
	if !ok {
		return 0, false
	}
	return m.Duration, true
}

// Thumbnail возвращает кэшированную обложку, извлекая её при первом запросе.
func (c *Cached) Thumbnail(ctx context.Context, path string) (Thumb, bool) {
	c.mu.Lock()
	if res, hit := c.thumbs[path]; hit {
		c.mu.Unlock()
		return res.thumb, res.ok
	}
	c.mu.Unlock()

	// Извлечение вне мьютекса: обложка может считаться долго.
	thumb, ok := c.inner.Thumbnail(ctx, path)

	c.mu.Lock()
	c.thumbs[path] = thumbResult{thumb: thumb, ok: ok}
	c.mu.Unlock()
	return thumb, ok
}

// Thumbnails возвращает пути всех извлечённых обложек — список на удаление
// после доставки группы.
func (c *Cached) Thumbnails() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.thumbs))
	for _, res := range c.thumbs {
		if res.ok && res.thumb.Path != "" {
			out = append(out, res.thumb.Path)
		}
	}
	return out
}

// probeMeta единожды опрашивает размеры и длительность файла.
func (c *Cached) probeMeta(ctx context.Context, path string) (Meta, bool) {
	c.mu.Lock()
	if res, hit := c.meta[path]; hit {
		c.mu.Unlock()
		return res.meta, res.ok
	}
	c.mu.Unlock()

	var (
		m  Meta
		ok bool
	)
	if w, h, dimOK := c.inner.Dimensions(ctx, path); dimOK {
		m.Width, m.Height = w, h
		ok = true
	}
	if d, durOK := c.inner.Duration(ctx, path); durOK {
		m.Duration = d
		ok = true
	}

	c.mu.Lock()
	c.meta[path] = metaResult{meta: m, ok: ok}
	c.mu.Unlock()
	return m, ok
}
