// Package media — словарь типов медиа и извлечение медиа-дескрипторов из
// сообщений Telegram. Здесь живёт классификация photo/video/document/audio/
// animation, наборы расширений для локальной загрузки и построение
// InputFileLocation для скачивания.
package media

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gotd/td/tg"
)

// Kind — тип медиа в терминах движка.
type Kind string

// Поддерживаемые типы медиа. Всё, что не распознано по расширению,
// при локальной загрузке трактуется как document.
const (
	KindPhoto     Kind = "photo"
	KindVideo     Kind = "video"
	KindDocument  Kind = "document"
	KindAudio     Kind = "audio"
	KindAnimation Kind = "animation"
)

// AllKinds возвращает полный словарь типов в стабильном порядке.
func AllKinds() []Kind {
	return []Kind{KindPhoto, KindVideo, KindDocument, KindAudio, KindAnimation}
}

// ParseKind нормализует строку из конфигурации в Kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindPhoto:
		return KindPhoto, true
	case KindVideo:
		return KindVideo, true
	case KindDocument:
		return KindDocument, true
	case KindAudio:
		return KindAudio, true
	case KindAnimation:
		return KindAnimation, true
	default:
		return "", false
	}
}

// Наборы расширений для классификации локальных файлов при аплоаде.
var (
	photoExts = map[string]struct{}{
		".jpg": {}, ".jpeg": {}, ".png": {}, ".webp": {},
	}
	videoExts = map[string]struct{}{
		".mp4": {}, ".avi": {}, ".mkv": {}, ".mov": {}, ".flv": {}, ".webm": {},
	}
	audioExts = map[string]struct{}{
		".mp3": {}, ".ogg": {}, ".m4a": {}, ".wav": {}, ".flac": {}, ".aac": {},
	}
)

// KindForPath классифицирует локальный файл по расширению.
// Неизвестные расширения дают document.
func KindForPath(path string) Kind {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case hasExt(photoExts, ext):
		return KindPhoto
	case hasExt(videoExts, ext):
		return KindVideo
	case hasExt(audioExts, ext):
		return KindAudio
	default:
		return KindDocument
	}
}

func hasExt(set map[string]struct{}, ext string) bool {
	_, ok := set[ext]
	return ok
}

// Info — дескриптор медиа одного сообщения: тип, размер, имя файла и ссылки
// на сырые объекты Telegram, достаточные для скачивания и повторной отправки.
type Info struct {
	Kind     Kind
	Size     int64
	Filename string
	MimeType string

	// Геометрия и длительность видео/аудио, если Telegram их прислал.
	Width    int
	Height   int
	Duration int

	// Ровно одно из полей ниже заполнено.
	Photo    *tg.Photo
	Document *tg.Document

	// thumbType — тип самого крупного размера фото; нужен для InputPhotoFileLocation.
	thumbType string
}

// FromMessage извлекает медиа-дескриптор из сообщения.
// Возвращает (nil, false) для сообщений без поддерживаемого медиа
// (сервисные, голосования, географии и т.п.).
func FromMessage(msg *tg.Message) (*Info, bool) {
	if msg == nil || msg.Media == nil {
		return nil, false
	}
	switch m := msg.Media.(type) {
	case *tg.MessageMediaPhoto:
		// Поле опциональное: у сгоревших самоуничтожающихся фото его нет.
		pc, has := m.GetPhoto()
		if !has {
			return nil, false
		}
		photo, ok := pc.AsNotEmpty()
		if !ok {
			return nil, false
		}
		return photoInfo(msg, photo), true
	case *tg.MessageMediaDocument:
		dc, has := m.GetDocument()
		if !has {
			return nil, false
		}
		doc, ok := dc.AsNotEmpty()
		if !ok {
			return nil, false
		}
		return documentInfo(msg, doc), true
	default:
		return nil, false
	}
}

// photoInfo строит дескриптор фото, выбирая самый крупный из доступных размеров.
func photoInfo(msg *tg.Message, photo *tg.Photo) *Info {
	info := &Info{
		Kind:     KindPhoto,
		Photo:    photo,
		Filename: fmt.Sprintf("photo_%d.jpg", msg.ID),
		MimeType: "image/jpeg",
	}
	for _, sz := range photo.Sizes {
		switch s := sz.(type) {
		case *tg.PhotoSize:
			if int64(s.Size) >= info.Size {
				info.Size = int64(s.Size)
				info.Width = s.W
				info.Height = s.H
				info.thumbType = s.Type
			}
		case *tg.PhotoSizeProgressive:
			size := 0
			for _, b := range s.Sizes {
				if b > size {
					size = b
				}
			}
			if int64(size) >= info.Size {
				info.Size = int64(size)
				info.Width = s.W
				info.Height = s.H
				info.thumbType = s.Type
			}
		}
	}
	return info
}

// documentInfo строит дескриптор документа и уточняет тип по атрибутам:
// видео, аудио и анимация приходят как документы с соответствующим атрибутом.
func documentInfo(msg *tg.Message, doc *tg.Document) *Info {
	info := &Info{
		Kind:     KindDocument,
		Document: doc,
		Size:     doc.Size,
		MimeType: doc.MimeType,
	}
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeFilename:
			info.Filename = a.FileName
		case *tg.DocumentAttributeVideo:
			info.Kind = KindVideo
			info.Width = a.W
			info.Height = a.H
			info.Duration = int(a.Duration)
		case *tg.DocumentAttributeAudio:
			// Голосовые заметки тоже аудио; отдельного типа в словаре нет.
			info.Kind = KindAudio
			info.Duration = int(a.Duration)
		case *tg.DocumentAttributeAnimated:
			info.Kind = KindAnimation
		}
	}
	// GIF-документы Telegram помечает mime-типом даже без атрибута Animated.
	if doc.MimeType == "image/gif" {
		info.Kind = KindAnimation
	}
	if info.Filename == "" {
		info.Filename = fmt.Sprintf("%s_%d%s", info.Kind, msg.ID, extensionForMime(doc.MimeType))
	}
	return info
}

// extensionForMime подбирает расширение для документов без имени файла.
func extensionForMime(mime string) string {
	switch mime {
	case "video/mp4":
		return ".mp4"
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "audio/mpeg":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "audio/flac":
		return ".flac"
	default:
		return ".bin"
	}
}

// Location возвращает InputFileLocation для скачивания файла.
func (i *Info) Location() tg.InputFileLocationClass {
	switch {
	case i.Photo != nil:
		return &tg.InputPhotoFileLocation{
			ID:            i.Photo.ID,
			AccessHash:    i.Photo.AccessHash,
			FileReference: i.Photo.FileReference,
			ThumbSize:     i.thumbType,
		}
	case i.Document != nil:
		return i.Document.AsInputDocumentFileLocation()
	default:
		return nil
	}
}
