// Package uploads — отправка файлов в целевые каналы: одиночные сообщения,
// альбомы через sendMultiMedia и локальный аплоад каталога. Альбомные медиа
// сначала материализуются на сервере через messages.uploadMedia: в
// sendMultiMedia можно передавать только ссылки на уже существующие
// серверные объекты.
package uploads

import (
	"context"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/html"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"

	"telegram-forwarder/internal/logger"
	"telegram-forwarder/internal/media"
	"telegram-forwarder/internal/resolver"
	"telegram-forwarder/internal/shared"
	"telegram-forwarder/internal/tgutil"
	"telegram-forwarder/internal/throttle"
)

const (
	// partSize — максимальный размер части upload.saveFilePart.
	partSize = 512 * 1024
	// albumLimit — предел Telegram на размер одного альбома.
	albumLimit = 10
)

// Item — один файл для отправки.
type Item struct {
	Path     string
	Kind     media.Kind
	MimeType string // пусто — определяется по расширению
	Filename string // имя у получателя; пусто — базовое имя Path

	// Геометрия и длительность видео; нули допустимы.
	Width    int
	Height   int
	Duration int

	// Thumb — путь к файлу превью для видео; пусто — без превью.
	Thumb string
}

// Sent — результат доставки группы: идентификаторы созданных сообщений
// в целевом канале. По ним консьюмер копирует группу в остальные цели.
type Sent struct {
	MessageIDs []int
}

// Sender отправляет файлы в каналы. Потокобезопасен: состояние неизменяемо
// после создания, кроме seed, который фиксируется при конструировании.
type Sender struct {
	api  *tg.Client
	lim  *throttle.Throttler
	up   *uploader.Uploader
	seed uint64
}

// NewSender создаёт отправителя поверх сырого API. Seed запуска входит в
// детерминированные random_id: ретраи внутри запуска дедуплицируются
// сервером, а повторный запуск шлёт заново.
func NewSender(api *tg.Client, lim *throttle.Throttler) *Sender {
	return &Sender{
		api:  api,
		lim:  lim,
		up:   uploader.NewUploader(api).WithPartSize(partSize),
		seed: uint64(time.Now().UnixNano()), // #nosec G115
	}
}

func (s *Sender) invoke(ctx context.Context, fn func() error) error {
	if s.lim == nil {
		return fn()
	}
	return s.lim.Do(ctx, fn)
}

// randomID строит random_id из seed запуска, цели, пути файла и позиции.
func (s *Sender) randomID(target resolver.ChannelRef, path string, position int) int64 {
	return tgutil.DeterministicRandomID(
		s.seed,
		uint64(target.MarkedID()), // #nosec G115
		tgutil.HashPart(path),
		uint64(position), // #nosec G115
	)
}

// SendGroup доставляет группу файлов в целевой канал: текст без файлов,
// одиночное сообщение или альбом. Альбомы длиннее десяти участников
// разрезаются на чанки; подпись уходит только с первым сообщением.
func (s *Sender) SendGroup(ctx context.Context, target resolver.ChannelRef, items []Item, caption string) (Sent, error) {
	switch len(items) {
	case 0:
		if strings.TrimSpace(caption) == "" {
			return Sent{}, nil
		}
		ids, err := s.sendText(ctx, target, caption)
		return Sent{MessageIDs: ids}, err
	case 1:
		ids, err := s.sendSingle(ctx, target, items[0], caption)
		return Sent{MessageIDs: ids}, err
	default:
		var all []int
		for i, chunk := range shared.Chunk(items, albumLimit) {
			chunkCaption := ""
			if i == 0 {
				chunkCaption = caption
			}
			var (
				ids []int
				err error
			)
			if len(chunk) == 1 {
				// Хвост от разрезания длинного альбома уходит одиночным сообщением.
				ids, err = s.sendSingle(ctx, target, chunk[0], chunkCaption)
			} else {
				ids, err = s.sendAlbum(ctx, target, chunk, chunkCaption)
			}
			if err != nil {
				return Sent{MessageIDs: all}, err
			}
			all = append(all, ids...)
		}
		return Sent{MessageIDs: all}, nil
	}
}

// sendSingle отправляет один файл с подписью.
func (s *Sender) sendSingle(ctx context.Context, target resolver.ChannelRef, item Item, caption string) ([]int, error) {
	input, err := s.buildMedia(ctx, item)
	if err != nil {
		return nil, err
	}

	req := &tg.MessagesSendMediaRequest{
		Peer:     target.InputPeer(),
		Media:    input,
		Message:  caption,
		RandomID: s.randomID(target, item.Path, 0),
	}
	req.SetFlags()

	var updates tg.UpdatesClass
	err = s.invoke(ctx, func() error {
		var rpcErr error
		updates, rpcErr = s.api.MessagesSendMedia(ctx, req)
		return rpcErr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "send media to %q", target.Title)
	}
	return tgutil.MessageIDsFromUpdates(updates), nil
}

// sendAlbum отправляет до десяти файлов одним альбомом.
func (s *Sender) sendAlbum(ctx context.Context, target resolver.ChannelRef, items []Item, caption string) ([]int, error) {
	peer := target.InputPeer()
	multi := make([]tg.InputSingleMedia, 0, len(items))
	for i, item := range items {
		input, err := s.buildMedia(ctx, item)
		if err != nil {
			return nil, err
		}
		ref, err := s.materialize(ctx, peer, input)
		if err != nil {
			return nil, errors.Wrapf(err, "materialize %s", filepath.Base(item.Path))
		}

		single := tg.InputSingleMedia{
			Media:    ref,
			RandomID: s.randomID(target, item.Path, i),
		}
		if i == 0 && caption != "" {
			single.Message = caption
		}
		single.SetFlags()
		multi = append(multi, single)
	}

	req := &tg.MessagesSendMultiMediaRequest{
		Peer:       peer,
		MultiMedia: multi,
	}
	req.SetFlags()

	var updates tg.UpdatesClass
	err := s.invoke(ctx, func() error {
		var rpcErr error
		updates, rpcErr = s.api.MessagesSendMultiMedia(ctx, req)
		return rpcErr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "send album to %q", target.Title)
	}
	return tgutil.MessageIDsFromUpdates(updates), nil
}

// sendText отправляет чисто текстовое сообщение.
func (s *Sender) sendText(ctx context.Context, target resolver.ChannelRef, text string) ([]int, error) {
	req := &tg.MessagesSendMessageRequest{
		Peer:     target.InputPeer(),
		Message:  text,
		RandomID: s.randomID(target, text, 0),
	}
	req.SetFlags()

	var updates tg.UpdatesClass
	err := s.invoke(ctx, func() error {
		var rpcErr error
		updates, rpcErr = s.api.MessagesSendMessage(ctx, req)
		return rpcErr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "send message to %q", target.Title)
	}
	return tgutil.MessageIDsFromUpdates(updates), nil
}

// SendHTML отправляет сообщение с HTML-разметкой (финальное сообщение
// локального аплоада).
func (s *Sender) SendHTML(ctx context.Context, target resolver.ChannelRef, htmlText string, webPreview bool) error {
	builder := message.NewSender(s.api).To(target.InputPeer())
	err := s.invoke(ctx, func() error {
		var rpcErr error
		if webPreview {
			_, rpcErr = builder.StyledText(ctx, html.String(nil, htmlText))
		} else {
			_, rpcErr = builder.NoWebpage().StyledText(ctx, html.String(nil, htmlText))
		}
		return rpcErr
	})
	return errors.Wrapf(err, "send html message to %q", target.Title)
}

// buildMedia загружает файл и собирает InputMedia: фото — как фото,
// остальное — документом с атрибутами по виду медиа. Превью видео
// прикладывается по возможности; его отсутствие не мешает отправке.
func (s *Sender) buildMedia(ctx context.Context, item Item) (tg.InputMediaClass, error) {
	file, err := s.up.FromPath(ctx, item.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "upload %s", filepath.Base(item.Path))
	}

	if item.Kind == media.KindPhoto {
		photo := &tg.InputMediaUploadedPhoto{File: file}
		photo.SetFlags()
		return photo, nil
	}

	filename := item.Filename
	if filename == "" {
		filename = filepath.Base(item.Path)
	}
	attrs := []tg.DocumentAttributeClass{
		&tg.DocumentAttributeFilename{FileName: filename},
	}
	switch item.Kind {
	case media.KindVideo:
		v := &tg.DocumentAttributeVideo{
			SupportsStreaming: true,
			W:                 item.Width,
			H:                 item.Height,
			Duration:          float64(item.Duration),
		}
		v.SetFlags()
		attrs = append(attrs, v)
	case media.KindAudio:
		a := &tg.DocumentAttributeAudio{Duration: item.Duration}
		a.SetFlags()
		attrs = append(attrs, a)
	case media.KindAnimation:
		attrs = append(attrs, &tg.DocumentAttributeAnimated{})
	}

	doc := &tg.InputMediaUploadedDocument{
		File:       file,
		MimeType:   mimeFor(item),
		Attributes: attrs,
	}
	if item.Thumb != "" {
		thumb, thumbErr := s.up.FromPath(ctx, item.Thumb)
		if thumbErr != nil {
			logger.Warnf("Uploads: thumbnail %s not attached: %v", item.Thumb, thumbErr)
		} else {
			doc.SetThumb(thumb)
		}
	}
	doc.SetFlags()
	return doc, nil
}

// materialize регистрирует загруженный файл на сервере и возвращает
// постоянную ссылку, пригодную для sendMultiMedia.
func (s *Sender) materialize(ctx context.Context, peer tg.InputPeerClass, input tg.InputMediaClass) (tg.InputMediaClass, error) {
	var resp tg.MessageMediaClass
	err := s.invoke(ctx, func() error {
		var rpcErr error
		resp, rpcErr = s.api.MessagesUploadMedia(ctx, &tg.MessagesUploadMediaRequest{
			Peer:  peer,
			Media: input,
		})
		return rpcErr
	})
	if err != nil {
		return nil, errors.Wrap(err, "upload media")
	}
	return referenceMedia(resp)
}

// referenceMedia переводит ответ uploadMedia в InputMedia с серверными
// идентификаторами.
func referenceMedia(m tg.MessageMediaClass) (tg.InputMediaClass, error) {
	switch v := m.(type) {
	case *tg.MessageMediaPhoto:
		pc, has := v.GetPhoto()
		if !has {
			return nil, errors.New("uploaded photo is empty")
		}
		photo, ok := pc.AsNotEmpty()
		if !ok {
			return nil, errors.New("uploaded photo is empty")
		}
		return &tg.InputMediaPhoto{
			ID: &tg.InputPhoto{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
			},
		}, nil
	case *tg.MessageMediaDocument:
		dc, has := v.GetDocument()
		if !has {
			return nil, errors.New("uploaded document is empty")
		}
		doc, ok := dc.AsNotEmpty()
		if !ok {
			return nil, errors.New("uploaded document is empty")
		}
		return &tg.InputMediaDocument{
			ID: &tg.InputDocument{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
		}, nil
	default:
		return nil, errors.Errorf("unexpected uploaded media %T", m)
	}
}

// mediaMimeTypes — типы медиарасширений, которых нет во встроенной таблице
// пакета mime, а системный /etc/mime.types может отсутствовать.
var mediaMimeTypes = map[string]string{
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
	".flv":  "video/x-flv",
	".webm": "video/webm",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".aac":  "audio/aac",
}

// mimeFor определяет MIME-тип файла: явный тип, затем словарь медиа,
// затем системная таблица расширений, затем octet-stream.
func mimeFor(item Item) string {
	if item.MimeType != "" {
		return item.MimeType
	}
	ext := strings.ToLower(filepath.Ext(item.Path))
	if mt, ok := mediaMimeTypes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}
	return "application/octet-stream"
}
