package telegram

import (
	"context"
	"fmt"
	"log"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/agentrelay/internal/gateway"
	"github.com/user/agentrelay/internal/types"
)

const maxTelegramMessage = 4096

// Adapter bridges Telegram to the gateway. Each Telegram chat maps to
// one agent session; /new drops the mapping so the next message starts
// a fresh conversation.
type Adapter struct {
	bot      *tgbotapi.BotAPI
	gateway  *gateway.Gateway
	sessions types.SessionStore

	mu    sync.Mutex
	chats map[int64]types.SessionID
}

// New creates a Telegram adapter.
func New(token string, gw *gateway.Gateway, sessions types.SessionStore) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Adapter{
		bot:      bot,
		gateway:  gw,
		sessions: sessions,
		chats:    make(map[int64]types.SessionID),
	}, nil
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	// Handle commands
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	chatID := msg.Chat.ID
	_, err := a.gateway.Chat(a.sessionFor(chatID), msg.Text,
		gateway.WithOnComplete(func(run *gateway.Run, response string) {
			a.bindSession(chatID, run.SessionID())
			a.sendResponse(chatID, response)
		}),
	)
	if err != nil {
		log.Printf("handle message error: %v", err)
		a.sendResponse(chatID, "Sorry, I encountered an error processing your message.")
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, "Hello! Send me a message and I'll relay it to the agent.")

	case "new":
		a.bindSession(chatID, "")
		a.sendResponse(chatID, "Starting a new session. The next message opens a fresh conversation.")

	case "status":
		sid := a.sessionFor(chatID)
		if sid == "" {
			a.sendResponse(chatID, "No active session.")
			return
		}
		sessionLog, err := a.sessions.Read(ctx, sid)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		a.sendResponse(chatID, fmt.Sprintf("Session: %s\nMessages: %d\nTurn: %d\nCost: $%.4f",
			sid, len(sessionLog.Messages),
			sessionLog.Metadata.State.CurrentTurn,
			sessionLog.Metadata.State.TotalCostUSD))

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /new, /status")
	}
}

func (a *Adapter) sessionFor(chatID int64) types.SessionID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chats[chatID]
}

func (a *Adapter) bindSession(chatID int64, id types.SessionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id == "" {
		delete(a.chats, chatID)
		return
	}
	a.chats[chatID] = id
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				log.Printf("send message error: %v", err)
			}
		}
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
