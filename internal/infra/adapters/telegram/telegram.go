package telegram

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"personal-agent-gateway/internal/domain/model"
	"personal-agent-gateway/internal/domain/ports/adapter"
	"personal-agent-gateway/internal/infra/metrics"
	red "personal-agent-gateway/internal/infra/redis"
)

var (
	_ adapter.Ingress          = (*Adapter)(nil)
	_ adapter.Egress           = (*Adapter)(nil)
	_ adapter.AttachmentEgress = (*Adapter)(nil)
)

// Telegram rejects messages above this length; longer replies are chunked.
const maxMessageLen = 4096

type bufferedMessage struct {
	rowID int64
	msg   *model.Message
}

// Adapter is the Telegram surface: long-polling ingress plus chunked egress.
// Update IDs double as the ingress high-water mark. Senders are addressed by
// username when present, chat id otherwise; the chat id for each sender is
// learned from inbound traffic.
type Adapter struct {
	bot      *tgbotapi.BotAPI
	outbound *red.OutboundCache
	workers  int
	log      *zerolog.Logger

	mu       sync.Mutex
	buffer   []bufferedMessage
	chats    map[string]int64 // sender -> chat id
	lastRow  int64
	stopOnce sync.Once
	done     chan struct{}
}

func NewAdapter(token string, workers int, outbound *red.OutboundCache, logger *zerolog.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	if workers <= 0 {
		workers = 1
	}
	l := logger.With().Str("component", "TelegramAdapter").Logger()
	return &Adapter{
		bot:      bot,
		outbound: outbound,
		workers:  workers,
		log:      &l,
		chats:    make(map[string]int64),
		done:     make(chan struct{}),
	}, nil
}

// StartPolling begins consuming updates into the ingress buffer. It returns
// once the polling goroutine is running.
func (a *Adapter) StartPolling(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := a.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				a.StopPolling()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				a.ingestUpdate(update)
			}
		}
	}()
	a.log.Info().Str("bot", a.bot.Self.UserName).Msg("telegram polling started")
}

func (a *Adapter) StopPolling() {
	a.stopOnce.Do(func() {
		a.bot.StopReceivingUpdates()
		close(a.done)
	})
}

func (a *Adapter) ingestUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	m := update.Message
	sender := senderKey(m)

	msg := &model.Message{
		ID:       fmt.Sprintf("tg-%d", m.MessageID),
		Sender:   sender,
		Text:     m.Text,
		Channel:  model.ChannelChat,
		IsFromMe: m.From != nil && m.From.ID == a.bot.Self.ID,
		Context: model.MessageContext{
			OccurrenceKey: strconv.Itoa(update.UpdateID),
		},
		ReceivedAt: time.Unix(int64(m.Date), 0),
	}
	msg.DedupeHash = model.DedupeHash(msg.Sender, msg.Text)

	a.mu.Lock()
	a.chats[sender] = m.Chat.ID
	rowID := int64(update.UpdateID)
	if rowID > a.lastRow {
		a.lastRow = rowID
	}
	a.buffer = append(a.buffer, bufferedMessage{rowID: rowID, msg: msg})
	a.mu.Unlock()
	metrics.IncMessageIngested(string(model.ChannelChat))
}

// FetchNew returns buffered messages with a rowid above sinceRowID, oldest first.
func (a *Adapter) FetchNew(_ context.Context, sinceRowID int64) ([]*model.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*model.Message
	for _, b := range a.buffer {
		if b.rowID > sinceRowID {
			out = append(out, b.msg)
		}
	}
	return out, nil
}

func (a *Adapter) MarkProcessed(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, b := range a.buffer {
		if b.msg.ID == id {
			a.buffer = append(a.buffer[:i], a.buffer[i+1:]...)
			return nil
		}
	}
	return nil
}

func (a *Adapter) LatestRowID(_ context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastRow, nil
}

// Send delivers text to the recipient, splitting into Telegram-sized chunks.
func (a *Adapter) Send(ctx context.Context, recipient, text string) error {
	chatID, err := a.resolveChat(recipient)
	if err != nil {
		metrics.IncEgressSend("telegram", "error")
		return err
	}
	for _, chunk := range splitChunks(text, maxMessageLen) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if _, err := a.bot.Send(msg); err != nil {
			metrics.IncEgressSend("telegram", "error")
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	metrics.IncEgressSend("telegram", "sent")
	return nil
}

// SendAttachment uploads the file at path to the recipient as a document.
func (a *Adapter) SendAttachment(ctx context.Context, recipient, path string) error {
	chatID, err := a.resolveChat(recipient)
	if err != nil {
		metrics.IncEgressSend("telegram", "error")
		return err
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
	if _, err := a.bot.Send(doc); err != nil {
		metrics.IncEgressSend("telegram", "error")
		return fmt.Errorf("telegram send document: %w", err)
	}
	metrics.IncEgressSend("telegram", "sent")
	return nil
}

func (a *Adapter) WasRecentOutbound(ctx context.Context, sender, text string) bool {
	if a.outbound == nil {
		return false
	}
	return a.outbound.WasRecentOutbound(ctx, sender, text)
}

func (a *Adapter) MarkOutbound(ctx context.Context, recipient, text string) {
	if a.outbound != nil {
		a.outbound.MarkOutbound(ctx, recipient, text)
	}
}

func (a *Adapter) resolveChat(recipient string) (int64, error) {
	a.mu.Lock()
	id, ok := a.chats[recipient]
	a.mu.Unlock()
	if ok {
		return id, nil
	}
	// A numeric recipient is already a chat id.
	if n, err := strconv.ParseInt(recipient, 10, 64); err == nil {
		return n, nil
	}
	return 0, fmt.Errorf("no known chat for recipient %q", recipient)
}

func senderKey(m *tgbotapi.Message) string {
	if m.From != nil && m.From.UserName != "" {
		return m.From.UserName
	}
	return strconv.FormatInt(m.Chat.ID, 10)
}

// splitChunks cuts text into pieces of at most max bytes, preferring to break
// at a line boundary. Forced cuts land on a rune boundary so no chunk carries
// a torn UTF-8 sequence, which Telegram rejects.
func splitChunks(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}
	var chunks []string
	for len(text) > max {
		cut := max
		for i := max; i > max/2; i-- {
			if text[i-1] == '\n' {
				cut = i
				break
			}
		}
		if text[cut-1] != '\n' {
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = max
			}
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
