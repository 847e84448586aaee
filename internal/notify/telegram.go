// Package notify posts clearing-round summaries to a Telegram admin chat.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Notifier sends operational messages. A nil Notifier is a no-op, so the
// rest of the system can call it unconditionally.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// New connects the Telegram bot. Returns nil (and logs) when token or chat
// id are unset; notifications are optional.
func New(token string, chatID int64) *Notifier {
	if token == "" || chatID == 0 {
		log.Info().Msg("Telegram notifications disabled")
		return nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Warn().Err(err).Msg("Telegram bot unavailable, notifications disabled")
		return nil
	}
	log.Info().Str("bot", api.Self.UserName).Msg("Telegram notifications enabled")
	return &Notifier{api: api, chatID: chatID}
}

// RoundCleared posts a one-line summary of a non-empty clearing round.
func (n *Notifier) RoundCleared(auctionID int64, product string, round int, price, volume decimal.Decimal, matched int) {
	if n == nil {
		return
	}
	text := fmt.Sprintf("🔨 Auction #%d (%s) round %d cleared: price %s, volume %s, %d orders matched",
		auctionID, product, round, price.String(), volume.String(), matched)
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		log.Warn().Err(err).Int64("auction", auctionID).Msg("Failed to send Telegram notification")
	}
}

// AuctionClosed posts a window-expiry notice.
func (n *Notifier) AuctionClosed(auctionID int64, product string) {
	if n == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, fmt.Sprintf("⏰ Auction #%d (%s) window ended, auction closed", auctionID, product))
	if _, err := n.api.Send(msg); err != nil {
		log.Warn().Err(err).Int64("auction", auctionID).Msg("Failed to send Telegram notification")
	}
}
