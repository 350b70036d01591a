package resolver

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/tg"

	"telegram-forwarder/internal/logger"
	"telegram-forwarder/internal/throttle"
	"telegram-forwarder/internal/tgutil"
)

// channelMarkOffset — смещение маркированных id каналов в стиле Bot API:
// канал 123 снаружи выглядит как -1000000000123. Маркированная форма
// используется как стабильный ключ журналов и кэша.
const channelMarkOffset int64 = 1_000_000_000_000

// defaultTTL — срок жизни записи кэша. Записи старше считаются протухшими
// и перечитываются при следующем обращении.
const defaultTTL = time.Hour

// dialogsPageSize — размер страницы при прогреве кэша диалогами.
const dialogsPageSize = 100

// PeerKind — тип разрешённого пира.
type PeerKind int8

// Виды пиров, которые умеет разрешать резолвер.
const (
	KindChannel PeerKind = iota // канал или супергруппа
	KindChat                    // обычная группа
	KindUser                    // пользователь (цель «избранное» и личные чаты)
)

// ChannelRef — каноническая запись разрешённого канала.
type ChannelRef struct {
	Input       string    // каноническая строка идентификатора, как дал пользователь
	Kind        PeerKind  // канал / группа / пользователь
	ID          int64     // внутренний id (положительный)
	AccessHash  int64     // access hash для RPC; ноль у обычных групп
	Title       string    // отображаемое имя
	Username    string    // публичное имя, если есть
	CanForward  bool      // false при включённом protected content
	LastChecked time.Time // момент последнего обращения к серверу
}

// MarkedID возвращает маркированный id в стиле Bot API: у каналов -100XXXX,
// у групп отрицательный, у пользователей положительный. Маркированная форма
// однозначна между видами пиров и служит ключом журналов.
func (r ChannelRef) MarkedID() int64 {
	switch r.Kind {
	case KindChannel:
		return -(channelMarkOffset + r.ID)
	case KindChat:
		return -r.ID
	default:
		return r.ID
	}
}

// InputPeer собирает InputPeer для RPC-вызовов.
func (r ChannelRef) InputPeer() tg.InputPeerClass {
	switch r.Kind {
	case KindChannel:
		return &tg.InputPeerChannel{ChannelID: r.ID, AccessHash: r.AccessHash}
	case KindChat:
		return &tg.InputPeerChat{ChatID: r.ID}
	default:
		return &tg.InputPeerUser{UserID: r.ID, AccessHash: r.AccessHash}
	}
}

// InputChannel собирает InputChannel для канальных методов API.
// Второе значение false для групп и пользователей.
func (r ChannelRef) InputChannel() (*tg.InputChannel, bool) {
	if r.Kind != KindChannel {
		return nil, false
	}
	return &tg.InputChannel{ChannelID: r.ID, AccessHash: r.AccessHash}, true
}

// ResolveError — идентификатор не удалось перевести в канал: неизвестное имя,
// недоступный приватный канал, инвайт без членства. Резолвер не угадывает.
type ResolveError struct {
	Input  string // исходный идентификатор, как дал пользователь
	Reason string // человекочитаемая причина
	Err    error  // исходная ошибка API, если была
}

// Error собирает сообщение с исходным идентификатором.
func (e *ResolveError) Error() string {
	if e.Err != nil {
		return "resolve " + strconv.Quote(e.Input) + ": " + e.Reason + ": " + e.Err.Error()
	}
	return "resolve " + strconv.Quote(e.Input) + ": " + e.Reason
}

// Unwrap отдаёт исходную ошибку API.
func (e *ResolveError) Unwrap() error { return e.Err }

// StopRetry запрещает троттлеру повторять разрешение: неизвестный
// идентификатор не станет известным от повторов.
func (e *ResolveError) StopRetry() bool { return true }

// entry — запись кэша. Хранится по указателю, чтобы понижение can_forward
// было видно через все ключи-алиасы.
type entry struct {
	ref      ChannelRef
	cachedAt time.Time
}

// Option настраивает резолвер при создании.
type Option func(*Resolver)

// WithTTL переопределяет срок жизни записей кэша.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithNow подменяет источник времени (для тестов).
func WithNow(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithThrottler заворачивает RPC-вызовы резолвера в общий троттлер.
func WithThrottler(lim *throttle.Throttler) Option {
	return func(r *Resolver) {
		r.lim = lim
	}
}

// Resolver — кэширующий переводчик идентификаторов в ChannelRef.
// Потокобезопасен: кэш под мьютексом, прогрев диалогов сериализован.
type Resolver struct {
	api *tg.Client
	lim *throttle.Throttler

	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]*entry

	warmMu   sync.Mutex
	warmedAt time.Time
}

// New создаёт резолвер поверх сырого API-клиента.
func New(api *tg.Client, opts ...Option) *Resolver {
	r := &Resolver{
		api:   api,
		ttl:   defaultTTL,
		now:   time.Now,
		cache: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve переводит идентификатор в каноническую запись канала. Сначала
// кэш, затем сервер. Протухшие записи перечитываются. Неизвестные и
// недоступные идентификаторы дают ResolveError без попыток угадать.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (ChannelRef, error) {
	link, err := Parse(identifier)
	if err != nil {
		return ChannelRef{}, &ResolveError{Input: identifier, Reason: err.Error()}
	}

	key := cacheKey(link)
	if ref, ok := r.lookup(key); ok {
		return ref, nil
	}

	ref, rerr := r.resolveLink(ctx, identifier, link)
	if rerr != nil {
		return ChannelRef{}, rerr
	}
	ref.Input = Format(link)
	ref.LastChecked = r.now()
	r.store(ref, key)
	logger.Debugf("Resolver: %q -> %s (id=%d, can_forward=%v)", identifier, ref.Title, ref.MarkedID(), ref.CanForward)
	return ref, nil
}

// CanForward — дешёвая проверка способности нативного форварда по
// маркированному id. Второе значение false, если канала нет в кэше.
func (r *Resolver) CanForward(markedID int64) (bool, bool) {
	ref, ok := r.lookup(idKey(markedID))
	if !ok {
		return false, false
	}
	return ref.CanForward, true
}

// DowngradeForward немедленно понижает can_forward в кэше: сервер ответил
// на нативный форвард ошибкой защищённого контента, и до конца TTL канал
// идёт по пути скачивания-перезаливки.
func (r *Resolver) DowngradeForward(markedID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.cache[idKey(markedID)]; ok && e.ref.CanForward {
		e.ref.CanForward = false
		logger.Infof("Resolver: channel %d lost forward capability, switching to re-upload", markedID)
	}
}

// ClearExpired выкидывает из кэша записи старше TTL.
func (r *Resolver) ClearExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for key, e := range r.cache {
		if now.Sub(e.cachedAt) >= r.ttl {
			delete(r.cache, key)
		}
	}
}

// ClearAll полностью сбрасывает кэш и отметку прогрева диалогов.
func (r *Resolver) ClearAll() {
	r.mu.Lock()
	r.cache = make(map[string]*entry)
	r.mu.Unlock()

	r.warmMu.Lock()
	r.warmedAt = time.Time{}
	r.warmMu.Unlock()
}

// WarmUp принудительно прогревает кэш диалогами аккаунта. Полезно на старте:
// приватные каналы без прогрева не разрешаются.
func (r *Resolver) WarmUp(ctx context.Context) error {
	return r.ensureDialogs(ctx)
}

// lookup возвращает свежую запись кэша по ключу.
func (r *Resolver) lookup(key string) (ChannelRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[key]
	if !ok || r.now().Sub(e.cachedAt) >= r.ttl {
		return ChannelRef{}, false
	}
	return e.ref, true
}

// store кладёт запись в кэш под всеми её ключами: маркированный id, имя
// пользователя и дополнительные алиасы (исходная форма запроса).
func (r *Resolver) store(ref ChannelRef, aliases ...string) {
	e := &entry{ref: ref, cachedAt: r.now()}

	keys := make([]string, 0, 3+len(aliases))
	keys = append(keys, idKey(ref.MarkedID()))
	if ref.Username != "" {
		keys = append(keys, usernameKey(ref.Username))
	}
	keys = append(keys, aliases...)

	r.mu.Lock()
	for _, key := range keys {
		if key != "" {
			r.cache[key] = e
		}
	}
	r.mu.Unlock()
}

// idKey — ключ кэша по числовому id.
func idKey(id int64) string { return "id:" + strconv.FormatInt(id, 10) }

// usernameKey — ключ кэша по публичному имени.
func usernameKey(name string) string { return "username:" + strings.ToLower(name) }

// cacheKey возвращает первичный ключ кэша для разобранного идентификатора.
func cacheKey(l Link) string {
	switch l.Type {
	case LinkUsername, LinkPublic, LinkMessage:
		return usernameKey(l.Username)
	case LinkNumeric:
		return idKey(l.ID)
	case LinkPrivate, LinkPrivateMessage:
		return idKey(-(channelMarkOffset + l.ID))
	case LinkInvite:
		return "invite:" + l.InviteCode
	default:
		return "raw:" + Format(l)
	}
}

// invoke выполняет RPC-вызов через общий троттлер, если тот задан.
func (r *Resolver) invoke(ctx context.Context, fn func() error) error {
	if r.lim == nil {
		return fn()
	}
	return r.lim.Do(ctx, fn)
}

// resolveLink обращается к серверу согласно форме идентификатора.
func (r *Resolver) resolveLink(ctx context.Context, input string, link Link) (ChannelRef, error) {
	switch link.Type {
	case LinkUsername, LinkPublic, LinkMessage:
		return r.resolveUsername(ctx, input, link.Username)
	case LinkInvite:
		return r.resolveInvite(ctx, input, link.InviteCode)
	case LinkNumeric:
		return r.resolveNumeric(ctx, input, link.ID)
	case LinkPrivate, LinkPrivateMessage:
		return r.resolveInternal(ctx, input, link.ID)
	default:
		return ChannelRef{}, &ResolveError{Input: input, Reason: "unsupported identifier form"}
	}
}

// resolveUsername разрешает публичное имя через contacts.resolveUsername.
func (r *Resolver) resolveUsername(ctx context.Context, input, name string) (ChannelRef, error) {
	var resolved *tg.ContactsResolvedPeer
	err := r.invoke(ctx, func() error {
		var rpcErr error
		resolved, rpcErr = r.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
			Username: name,
		})
		return rpcErr
	})
	if err != nil {
		return ChannelRef{}, &ResolveError{Input: input, Reason: "username not found", Err: err}
	}

	switch peer := resolved.Peer.(type) {
	case *tg.PeerChannel:
		for _, c := range resolved.Chats {
			if ref, ok := refFromChat(c); ok && ref.Kind == KindChannel && ref.ID == peer.ChannelID {
				return ref, nil
			}
		}
	case *tg.PeerChat:
		for _, c := range resolved.Chats {
			if ref, ok := refFromChat(c); ok && ref.Kind == KindChat && ref.ID == peer.ChatID {
				return ref, nil
			}
		}
	case *tg.PeerUser:
		for _, u := range resolved.Users {
			if ref, ok := refFromUser(u); ok && ref.ID == peer.UserID {
				return ref, nil
			}
		}
	}
	return ChannelRef{}, &ResolveError{Input: input, Reason: "resolved peer is missing from server response"}
}

// resolveInvite проверяет инвайт-ссылку. Резолвер никогда не вступает в чат
// сам: разрешаются только приглашения, по которым аккаунт уже состоит.
func (r *Resolver) resolveInvite(ctx context.Context, input, code string) (ChannelRef, error) {
	var invite tg.ChatInviteClass
	err := r.invoke(ctx, func() error {
		var rpcErr error
		invite, rpcErr = r.api.MessagesCheckChatInvite(ctx, code)
		return rpcErr
	})
	if err != nil {
		return ChannelRef{}, &ResolveError{Input: input, Reason: "invite link check failed", Err: err}
	}

	already, ok := invite.(*tg.ChatInviteAlready)
	if !ok {
		return ChannelRef{}, &ResolveError{Input: input, Reason: "account is not a member of the invited chat, join it manually first"}
	}
	ref, ok := refFromChat(already.Chat)
	if !ok {
		return ChannelRef{}, &ResolveError{Input: input, Reason: "invite chat is inaccessible"}
	}
	return ref, nil
}

// resolveNumeric разрешает числовой id: маркированный канал, маркированная
// группа или голый внутренний id. Access hash берётся из диалогов аккаунта.
func (r *Resolver) resolveNumeric(ctx context.Context, input string, v int64) (ChannelRef, error) {
	candidates := markedCandidates(v)

	if ref, ok := r.lookupAny(candidates); ok {
		return ref, nil
	}
	if err := r.ensureDialogs(ctx); err != nil {
		return ChannelRef{}, &ResolveError{Input: input, Reason: "dialogs warm-up failed", Err: err}
	}
	if ref, ok := r.lookupAny(candidates); ok {
		return ref, nil
	}
	return ChannelRef{}, &ResolveError{Input: input, Reason: "channel is not among the account dialogs"}
}

// resolveInternal разрешает внутренний id приватной ссылки t.me/c/<id>.
func (r *Resolver) resolveInternal(ctx context.Context, input string, internal int64) (ChannelRef, error) {
	marked := -(channelMarkOffset + internal)

	if ref, ok := r.lookup(idKey(marked)); ok {
		return ref, nil
	}
	if err := r.ensureDialogs(ctx); err != nil {
		return ChannelRef{}, &ResolveError{Input: input, Reason: "dialogs warm-up failed", Err: err}
	}
	if ref, ok := r.lookup(idKey(marked)); ok {
		return ref, nil
	}
	return ChannelRef{}, &ResolveError{Input: input, Reason: "private channel is not accessible from this account"}
}

// lookupAny пробует кандидатов маркированных id по порядку.
func (r *Resolver) lookupAny(ids []int64) (ChannelRef, bool) {
	for _, id := range ids {
		if ref, ok := r.lookup(idKey(id)); ok {
			return ref, true
		}
	}
	return ChannelRef{}, false
}

// markedCandidates возвращает варианты маркированного id для голого числа:
// уже маркированные формы однозначны, положительное число может оказаться
// каналом, группой или пользователем.
func markedCandidates(v int64) []int64 {
	switch {
	case v <= -channelMarkOffset:
		return []int64{v}
	case v < 0:
		return []int64{v}
	default:
		return []int64{-(channelMarkOffset + v), -v, v}
	}
}

// ensureDialogs прогревает кэш диалогами аккаунта не чаще раза в TTL.
// Прогрев сериализован: параллельные вызовы ждут первый.
func (r *Resolver) ensureDialogs(ctx context.Context) error {
	r.warmMu.Lock()
	defer r.warmMu.Unlock()
	if !r.warmedAt.IsZero() && r.now().Sub(r.warmedAt) < r.ttl {
		return nil
	}
	if err := r.loadDialogs(ctx); err != nil {
		return err
	}
	r.warmedAt = r.now()
	return nil
}

// loadDialogs постранично выгребает messages.getDialogs и складывает все
// встреченные каналы, группы и пользователей в кэш.
func (r *Resolver) loadDialogs(ctx context.Context) error {
	var (
		offsetDate int
		offsetID   int
		offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}
		total      int
	)

	for {
		var resp tg.MessagesDialogsClass
		err := r.invoke(ctx, func() error {
			var rpcErr error
			resp, rpcErr = r.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
				OffsetDate: offsetDate,
				OffsetID:   offsetID,
				OffsetPeer: offsetPeer,
				Limit:      dialogsPageSize,
			})
			return rpcErr
		})
		if err != nil {
			return err
		}

		var (
			dialogs  []tg.DialogClass
			messages []tg.MessageClass
			chats    []tg.ChatClass
			users    []tg.UserClass
		)
		switch d := resp.(type) {
		case *tg.MessagesDialogs:
			dialogs, messages, chats, users = d.Dialogs, d.Messages, d.Chats, d.Users
		case *tg.MessagesDialogsSlice:
			dialogs, messages, chats, users = d.Dialogs, d.Messages, d.Chats, d.Users
		case *tg.MessagesDialogsNotModified:
			return nil
		default:
			return nil
		}

		r.absorbPeers(chats, users)
		total += len(dialogs)

		// Полный список без среза либо неполная страница — это конец.
		if _, full := resp.(*tg.MessagesDialogs); full || len(dialogs) < dialogsPageSize {
			logger.Debugf("Resolver: warmed peer cache from %d dialogs", total)
			return nil
		}

		// Смещение следующей страницы: верхнее сообщение последнего диалога.
		last, ok := dialogs[len(dialogs)-1].(*tg.Dialog)
		if !ok {
			return nil
		}
		lastPeerID := tgutil.GetPeerID(last.Peer)
		offsetID = last.TopMessage
		offsetDate = 0
		for _, mc := range messages {
			switch m := mc.(type) {
			case *tg.Message:
				if m.ID == last.TopMessage && tgutil.GetPeerID(m.PeerID) == lastPeerID {
					offsetDate = m.Date
				}
			case *tg.MessageService:
				if m.ID == last.TopMessage && tgutil.GetPeerID(m.PeerID) == lastPeerID {
					offsetDate = m.Date
				}
			}
		}
		if offsetDate == 0 {
			// Опорное сообщение не нашлось — дальше листать не по чему.
			return nil
		}
		if ref, found := r.lookup(idKey(MarkedFromPeer(last.Peer))); found {
			offsetPeer = ref.InputPeer()
		} else {
			offsetPeer = &tg.InputPeerEmpty{}
		}
	}
}

// absorbPeers складывает пиров из ответа сервера в кэш.
func (r *Resolver) absorbPeers(chats []tg.ChatClass, users []tg.UserClass) {
	for _, c := range chats {
		if ref, ok := refFromChat(c); ok {
			ref.Input = strconv.FormatInt(ref.MarkedID(), 10)
			ref.LastChecked = r.now()
			r.store(ref)
		}
	}
	for _, u := range users {
		if ref, ok := refFromUser(u); ok {
			ref.Input = strconv.FormatInt(ref.MarkedID(), 10)
			ref.LastChecked = r.now()
			r.store(ref)
		}
	}
}

// MarkedFromPeer возвращает маркированный id для peer из ответа сервера.
func MarkedFromPeer(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerChannel:
		return -(channelMarkOffset + p.ChannelID)
	case *tg.PeerChat:
		return -p.ChatID
	case *tg.PeerUser:
		return p.UserID
	default:
		return 0
	}
}

// refFromChat строит запись из канала или группы. Forbidden-варианты
// пропускаются: аккаунт их не видит, резолвить нечего.
func refFromChat(c tg.ChatClass) (ChannelRef, bool) {
	switch v := c.(type) {
	case *tg.Channel:
		return ChannelRef{
			Kind:       KindChannel,
			ID:         v.ID,
			AccessHash: v.AccessHash,
			Title:      v.Title,
			Username:   v.Username,
			CanForward: !v.Noforwards,
		}, true
	case *tg.Chat:
		return ChannelRef{
			Kind:       KindChat,
			ID:         v.ID,
			Title:      v.Title,
			CanForward: !v.Noforwards,
		}, true
	default:
		return ChannelRef{}, false
	}
}

// refFromUser строит запись из пользователя. У пользователей защищённого
// контента не бывает, can_forward всегда истинно.
func refFromUser(u tg.UserClass) (ChannelRef, bool) {
	v, ok := u.(*tg.User)
	if !ok {
		return ChannelRef{}, false
	}
	title := strings.TrimSpace(v.FirstName + " " + v.LastName)
	if title == "" {
		title = v.Username
	}
	return ChannelRef{
		Kind:       KindUser,
		ID:         v.ID,
		AccessHash: v.AccessHash,
		Title:      title,
		Username:   v.Username,
		CanForward: true,
	}, true
}
