// Package forwarder — серверные примитивы доставки: нативная пересылка с
// атрибуцией и копирование без неё. Оба накрывают целый альбом одним
// вызовом. Ответ сервера разбирается до идентификаторов созданных
// сообщений — по ним дальше работает копирование в остальные цели.
//
// Запрет пересылки (защищённый контент) здесь не обрабатывается: ошибка
// возвращается вызывающему, решение о деградации принимает конвейер.
package forwarder

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"telegram-forwarder/internal/resolver"
	"telegram-forwarder/internal/tgutil"
	"telegram-forwarder/internal/throttle"
)

// Forwarder выполняет forwardMessages от имени аккаунта.
type Forwarder struct {
	api  *tg.Client
	lim  *throttle.Throttler
	seed uint64
}

// New создаёт форвардер. Seed запуска участвует в random_id, поэтому
// повторы внутри запуска сервер дедуплицирует.
func New(api *tg.Client, lim *throttle.Throttler) *Forwarder {
	return &Forwarder{
		api:  api,
		lim:  lim,
		seed: uint64(time.Now().UnixNano()), // #nosec G115
	}
}

func (f *Forwarder) invoke(ctx context.Context, fn func() error) error {
	if f.lim == nil {
		return fn()
	}
	return f.lim.Do(ctx, fn)
}

// Forward нативно пересылает сообщения с сохранением авторства источника.
func (f *Forwarder) Forward(ctx context.Context, source resolver.ChannelRef, msgIDs []int, target resolver.ChannelRef) ([]int, error) {
	req := &tg.MessagesForwardMessagesRequest{
		FromPeer: source.InputPeer(),
		ToPeer:   target.InputPeer(),
		ID:       msgIDs,
		RandomID: f.randomIDs(source, msgIDs, target),
	}
	req.SetFlags()
	return f.send(ctx, req, source, target)
}

// Copy копирует сообщения без атрибуции источника: forward с DropAuthor.
// dropCaptions дополнительно снимает подписи с медиа — так реализовано
// удаление подписей при запрете текста в целях.
func (f *Forwarder) Copy(ctx context.Context, source resolver.ChannelRef, msgIDs []int, target resolver.ChannelRef, dropCaptions bool) ([]int, error) {
	req := &tg.MessagesForwardMessagesRequest{
		DropAuthor:        true,
		DropMediaCaptions: dropCaptions,
		FromPeer:          source.InputPeer(),
		ToPeer:            target.InputPeer(),
		ID:                msgIDs,
		RandomID:          f.randomIDs(source, msgIDs, target),
	}
	req.SetFlags()
	return f.send(ctx, req, source, target)
}

func (f *Forwarder) send(ctx context.Context, req *tg.MessagesForwardMessagesRequest, source, target resolver.ChannelRef) ([]int, error) {
	var updates tg.UpdatesClass
	err := f.invoke(ctx, func() error {
		var rpcErr error
		updates, rpcErr = f.api.MessagesForwardMessages(ctx, req)
		return rpcErr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "forward %d messages %q -> %q", len(req.ID), source.Title, target.Title)
	}
	return tgutil.MessageIDsFromUpdates(updates), nil
}

// randomIDs строит вектор random_id: по одному на сообщение, с учётом
// позиции, чтобы одинаковые id в разных позициях не склеивались.
func (f *Forwarder) randomIDs(source resolver.ChannelRef, msgIDs []int, target resolver.ChannelRef) []int64 {
	out := make([]int64, len(msgIDs))
	for i, id := range msgIDs {
		out[i] = tgutil.DeterministicRandomID(
			f.seed,
			uint64(source.MarkedID()), // #nosec G115
			uint64(target.MarkedID()), // #nosec G115
			uint64(id),                // #nosec G115
			uint64(i),                 // #nosec G115
		)
	}
	return out
}
