package app

// Прокси-слой клиента: перевод секции GENERAL.proxy_* в dcs.Resolver.
// SOCKS5 идёт через golang.org/x/net/proxy, MTProto — через штатный
// резолвер gotd, HTTP — через CONNECT-туннель. Выключенный или неполный
// прокси означает прямое подключение.

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/hex"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/dcs"
	"golang.org/x/net/proxy"

	"telegram-forwarder/internal/config"
	"telegram-forwarder/internal/logger"
)

// proxyResolver строит dcs.Resolver по настройкам прокси. Возвращает
// (nil, nil), когда прокси выключен: клиент пойдёт напрямую.
func proxyResolver(g config.General) (dcs.Resolver, error) {
	if !g.ProxyEnabled {
		return nil, nil
	}

	addr := net.JoinHostPort(g.ProxyAddr, strconv.Itoa(g.ProxyPort))
	switch g.ProxyType {
	case config.ProxySOCKS5:
		return socks5Resolver(addr, g.ProxyUsername, g.ProxyPassword)
	case config.ProxyHTTP:
		return httpResolver(addr, g.ProxyUsername, g.ProxyPassword), nil
	case config.ProxyMTProto:
		return mtproxyResolver(addr, g.ProxyPassword)
	default:
		return nil, errors.Errorf("unsupported proxy type %q", g.ProxyType)
	}
}

// socks5Resolver подключает клиента через SOCKS5-прокси.
func socks5Resolver(addr, user, password string) (dcs.Resolver, error) {
	var auth *proxy.Auth
	if user != "" {
		auth = &proxy.Auth{User: user, Password: password}
	}
	dialer, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
	if err != nil {
		return nil, errors.Wrap(err, "create SOCKS5 dialer")
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("SOCKS5 dialer does not support DialContext")
	}
	logger.Infof("Using SOCKS5 proxy %s", addr)
	return dcs.Plain(dcs.PlainOptions{Dial: contextDialer.DialContext}), nil
}

// httpResolver подключает клиента через HTTP-прокси CONNECT-туннелем.
func httpResolver(addr, user, password string) dcs.Resolver {
	d := &connectDialer{proxyAddr: addr}
	if user != "" {
		d.auth = base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
	}
	logger.Infof("Using HTTP proxy %s", addr)
	return dcs.Plain(dcs.PlainOptions{Dial: d.DialContext})
}

// mtproxyResolver подключает клиента к MTProto-прокси. Секрет прокси
// задаётся в proxy_password шестнадцатеричной строкой.
func mtproxyResolver(addr, secret string) (dcs.Resolver, error) {
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return nil, errors.Wrap(err, "decode MTProto proxy secret (expected hex in proxy_password)")
	}
	resolver, err := dcs.MTProxy(addr, raw, dcs.MTProxyOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "create MTProto proxy resolver")
	}
	logger.Infof("Using MTProto proxy %s", addr)
	return resolver, nil
}

// connectDialer устанавливает TCP-туннель через HTTP-прокси методом CONNECT.
// x/net/proxy из коробки умеет только SOCKS5, поэтому HTTP-вариант собран
// на стандартной библиотеке.
type connectDialer struct {
	proxyAddr string
	auth      string // Basic-учётка в base64; пустая строка — без авторизации
	dialer    net.Dialer
}

// DialContext открывает соединение к прокси и согласует туннель до addr.
func (d *connectDialer) DialContext(ctx context.Context, _, addr string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, "tcp", d.proxyAddr)
	if err != nil {
		return nil, errors.Wrap(err, "dial HTTP proxy")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.auth != "" {
		req.Header.Set("Proxy-Authorization", "Basic "+d.auth)
	}

	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "send CONNECT request")
	}

	// После ответа на CONNECT сервер молчит до первых байт клиента, поэтому
	// буфер читателя не может захватить данные туннеля.
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "read CONNECT response")
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, errors.Errorf("HTTP proxy refused CONNECT: %s", resp.Status)
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
