// Package telegram implements transport.Client on top of the Telegram Bot API.
//
// Addresses follow the normalized form used by the task store (digits plus
// suffix); the digits are interpreted as the destination chat ID.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"sendlater/internal/eventbus"
	"sendlater/internal/transport"
	logx "sendlater/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	RatePerSec  int
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	bot     *tele.Bot
	limiter *rate.Limiter
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &Adapter{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

func (a *Adapter) SendText(ctx context.Context, address, text string) (transport.Delivery, error) {
	to, err := recipientFromAddress(address)
	if err != nil {
		return transport.Delivery{}, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return transport.Delivery{}, err
	}
	msg, err := a.bot.Send(to, text)
	if err != nil {
		return transport.Delivery{}, fmt.Errorf("send text: %w", err)
	}
	return a.delivered(to, msg), nil
}

func (a *Adapter) SendMedia(ctx context.Context, address, filePath string, opt *transport.SendOptions) (transport.Delivery, error) {
	to, err := recipientFromAddress(address)
	if err != nil {
		return transport.Delivery{}, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return transport.Delivery{}, err
	}
	caption := ""
	if opt != nil {
		caption = opt.Caption
	}
	msg, err := a.bot.Send(to, mediaFromFile(filePath, caption))
	if err != nil {
		return transport.Delivery{}, fmt.Errorf("send media %s: %w", filepath.Base(filePath), err)
	}
	return a.delivered(to, msg), nil
}

// delivered builds the Delivery and publishes the initial acknowledgment.
// The Bot API confirms server receipt synchronously, so the first ack level is
// known at send time; it still flows through the bus like any later update.
func (a *Adapter) delivered(to tele.ChatID, msg *tele.Message) transport.Delivery {
	id := fmt.Sprintf("%d_%d", int64(to), msg.ID)
	if a.bus != nil {
		a.bus.Publish(eventbus.Event{
			Type: eventbus.TypeAck,
			Data: transport.Ack{DeliveryID: id, Code: transport.AckServer},
		})
	}
	return transport.Delivery{ID: id, Ack: transport.AckServer}
}

func recipientFromAddress(address string) (tele.ChatID, error) {
	digits := strings.TrimSuffix(strings.TrimSpace(address), transport.AddressSuffix)
	if digits == "" {
		return 0, fmt.Errorf("empty address")
	}
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", address, err)
	}
	return tele.ChatID(id), nil
}

// mediaFromFile picks a sendable type by file extension. Anything unknown
// goes out as a document so the payload always arrives.
func mediaFromFile(path, caption string) any {
	file := tele.FromDisk(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".webp":
		return &tele.Photo{File: file, Caption: caption}
	case ".mp4", ".mov", ".avi":
		return &tele.Video{File: file, Caption: caption}
	case ".mp3", ".m4a", ".ogg", ".flac":
		return &tele.Audio{File: file, Caption: caption}
	default:
		return &tele.Document{File: file, Caption: caption, FileName: filepath.Base(path)}
	}
}
