package telegram

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
)

// handleMessage normalises one Telegram message and delivers it.
func (c *Channel) handleMessage(msg *telego.Message) {
	if msg.From == nil {
		return
	}
	if isServiceMessage(msg) {
		return
	}

	// Long polling redelivers on restart gaps; suppress duplicates.
	if !c.MarkSeen(fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID)) {
		return
	}

	chatType := bus.ChatTypePrivate
	chatName := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	if msg.Chat.Type == "group" || msg.Chat.Type == "supergroup" {
		chatType = bus.ChatTypeGroup
		chatName = msg.Chat.Title
	}

	content := flattenText(msg.Text, msg.Entities)
	if tag := mediaPlaceholder(msg); tag != "" {
		caption := flattenText(msg.Caption, msg.CaptionEntities)
		if caption != "" {
			content = tag + " " + caption
		} else {
			content = tag
		}
	}
	if content == "" {
		return
	}

	senderName := msg.From.FirstName
	if msg.From.Username != "" {
		senderName = msg.From.Username
	}

	// msg.Date is second-granular; stamp receive time so same-second messages
	// keep distinct, ordered cursor positions.
	c.Deliver(bus.InboundMessage{
		ID:         fmt.Sprintf("%d", msg.MessageID),
		ChatJID:    channels.JID(c.Name(), fmt.Sprintf("%d", msg.Chat.ID)),
		ChatName:   chatName,
		SenderID:   fmt.Sprintf("%d", msg.From.ID),
		SenderName: senderName,
		Content:    content,
		Timestamp:  bus.FormatTime(time.Now()),
		ChatType:   chatType,
		FromMe:     msg.From.ID == c.botID,
	})
}

// flattenText renders a message's text with entities resolved to plain text:
// text_mention spans (users without usernames) become "@FirstName". Entity
// offsets are UTF-16 code units per the Bot API.
func flattenText(text string, entities []telego.MessageEntity) string {
	if text == "" || len(entities) == 0 {
		return text
	}

	units := utf16.Encode([]rune(text))
	var mentions []telego.MessageEntity
	for _, e := range entities {
		if e.Type == telego.EntityTypeTextMention && e.User != nil &&
			e.Offset >= 0 && e.Offset+e.Length <= len(units) {
			mentions = append(mentions, e)
		}
	}
	if len(mentions) == 0 {
		return text
	}
	sort.Slice(mentions, func(i, j int) bool { return mentions[i].Offset < mentions[j].Offset })

	var b strings.Builder
	pos := 0
	for _, e := range mentions {
		if e.Offset < pos {
			continue
		}
		b.WriteString(string(utf16.Decode(units[pos:e.Offset])))
		b.WriteString("@" + e.User.FirstName)
		pos = e.Offset + e.Length
	}
	b.WriteString(string(utf16.Decode(units[pos:])))
	return b.String()
}

// mediaPlaceholder maps message media to a textual tag. Media bytes are never
// downloaded; the agent only sees that something was attached.
func mediaPlaceholder(msg *telego.Message) string {
	switch {
	case len(msg.Photo) > 0:
		return "<media:image>"
	case msg.Video != nil, msg.VideoNote != nil:
		return "<media:video>"
	case msg.Animation != nil:
		return "<media:animation>"
	case msg.Voice != nil:
		return "<media:voice>"
	case msg.Audio != nil:
		return "<media:audio>"
	case msg.Document != nil:
		return "<media:document>"
	case msg.Sticker != nil:
		return "<media:sticker>"
	case msg.Location != nil, msg.Venue != nil:
		return "<media:location>"
	case msg.Contact != nil:
		return "<media:contact>"
	}
	return ""
}

// isServiceMessage reports whether the message is a system event (member
// joined, title changed, pinned, ...) rather than user content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	return mediaPlaceholder(msg) == ""
}
