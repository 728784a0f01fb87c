// Package pipeline encrypts chat messages on their way into the store and
// decrypts pages of them on the way out.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"chatroom-e2ee/auth"
	"chatroom-e2ee/common"
	"chatroom-e2ee/configs"
	"chatroom-e2ee/protocol/ratchet"
	"chatroom-e2ee/store"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotSender       = errors.New("cannot act as another user")
	ErrNotMember       = errors.New("not a member of the conversation")
	ErrMessageNotFound = errors.New("message not found")
	ErrEmptyMessage    = errors.New("empty message")
)

// OutgoingMessage is what a client hands to Send. Content is the text for
// text messages and the file URL for file, image and video messages.
type OutgoingMessage struct {
	SenderID    string
	RecipientID string
	Content     string
	MessageType string
}

// Message is a decrypted message or activity log entry ready for display.
type Message struct {
	ID             string                     `json:"id"`
	MessageContent string                     `json:"messageContent"`
	SenderID       string                     `json:"senderId"`
	RecipientID    string                     `json:"recipientId,omitempty"`
	CreatedAt      int64                      `json:"createdAt"`
	MessageType    string                     `json:"messageType"`
	Reactions      map[string]map[string]bool `json:"reactions,omitempty"`
	ReactionCounts map[string]int             `json:"reactionCounts,omitempty"`
	HasReacted     bool                       `json:"hasReacted"`
	IsPinned       bool                       `json:"isPinned,omitempty"`
	IsDeleted      bool                       `json:"isDeleted,omitempty"`
	IsActivityLog  bool                       `json:"isActivityLog,omitempty"`
	Undecryptable  bool                       `json:"undecryptable,omitempty"`
}

type Pipeline struct {
	engine     *ratchet.Engine
	store      store.Store
	membership *ratchet.StoreMembership
	// plaintexts keyed by viewer/conversation/message
	cache  *lru.Cache[string, string]
	logger *logrus.Logger
}

func New(engine *ratchet.Engine, st store.Store, membership *ratchet.StoreMembership, cacheSize int, logger *logrus.Logger) (*Pipeline, error) {
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		engine:     engine,
		store:      st,
		membership: membership,
		cache:      cache,
		logger:     logger,
	}, nil
}

func cacheKey(viewerID, conversationID, messageID string) string {
	return viewerID + "/" + conversationID + "/" + messageID
}

func messagePath(conversationID, messageID string) string {
	return fmt.Sprintf(configs.ChatroomMessagePath, conversationID, messageID)
}

func isFileType(messageType string) bool {
	switch messageType {
	case common.MessageTypeFile, common.MessageTypeImage, common.MessageTypeVideo:
		return true
	}
	return false
}

// Send encrypts msg and appends it to the conversation. The authenticated
// user in ctx must be the sender and, like any recipient, a member. When
// encryption fails nothing is written.
func (p *Pipeline) Send(ctx context.Context, conversationID string, msg OutgoingMessage) (string, error) {
	userID, err := auth.UserFrom(ctx)
	if err != nil {
		return "", err
	}
	if userID != msg.SenderID {
		return "", ErrNotSender
	}
	if msg.Content == "" {
		return "", ErrEmptyMessage
	}
	if msg.MessageType == "" {
		msg.MessageType = common.MessageTypeText
	}
	for _, u := range []string{msg.SenderID, msg.RecipientID} {
		if u == "" {
			continue
		}
		member, err := p.membership.IsMember(ctx, conversationID, u)
		if err != nil {
			return "", err
		}
		if !member {
			return "", fmt.Errorf("%w: %s", ErrNotMember, u)
		}
	}

	var sealed *ratchet.Sealed
	if isFileType(msg.MessageType) {
		sealed, err = p.engine.EncryptFileReference(ctx, msg.Content, msg.SenderID, conversationID, msg.RecipientID)
	} else {
		sealed, err = p.engine.Encrypt(ctx, msg.Content, msg.SenderID, conversationID, msg.RecipientID)
	}
	if err != nil {
		return "", err
	}
	if sealed.Degraded() {
		p.logger.Warnf("Message from %s in %s sealed with the fallback cipher", msg.SenderID, conversationID)
	}

	id, err := p.store.Push(ctx, fmt.Sprintf(configs.ChatroomMessagesPath, conversationID), common.ChatMessage{
		MessageContent: sealed.Payload,
		SenderID:       msg.SenderID,
		RecipientID:    msg.RecipientID,
		MessageType:    msg.MessageType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to store message: %w", err)
	}
	p.cache.Add(cacheKey(msg.SenderID, conversationID, id), msg.Content)
	return id, nil
}

// visible reports whether viewerID may see m. Private messages are only
// shown to their two parties.
func visible(m common.ChatMessage, viewerID string) bool {
	return m.RecipientID == "" || m.SenderID == viewerID || m.RecipientID == viewerID
}

// DecryptPage decrypts messages as seen by currentUserID and merges in the
// activity logs, ordered by creation time. A message that cannot be
// decrypted is kept with a placeholder; it never fails the page.
func (p *Pipeline) DecryptPage(ctx context.Context, conversationID, currentUserID string, messages []common.ChatMessage, logs []common.ActivityLog) []Message {
	page := make([]Message, 0, len(messages)+len(logs))
	for _, m := range messages {
		if !visible(m, currentUserID) {
			continue
		}
		page = append(page, p.decryptOne(ctx, conversationID, currentUserID, m))
	}

	for _, l := range logs {
		sender := l.UserID
		if sender == "" {
			sender = common.MessageTypeSystem
		}
		page = append(page, Message{
			ID:             "system_" + l.Key,
			MessageContent: l.Details,
			SenderID:       sender,
			CreatedAt:      l.Timestamp.Int64(),
			MessageType:    common.MessageTypeSystem,
			IsActivityLog:  true,
		})
	}

	sort.SliceStable(page, func(i, j int) bool { return page[i].CreatedAt < page[j].CreatedAt })
	return page
}

func (p *Pipeline) decryptOne(ctx context.Context, conversationID, currentUserID string, m common.ChatMessage) Message {
	out := Message{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		CreatedAt:   m.CreatedAt.Int64(),
		MessageType: m.MessageType,
		Reactions:   m.Reactions,
		IsPinned:    m.IsPinned,
		IsDeleted:   m.IsDeleted,
	}
	if out.MessageType == "" {
		out.MessageType = common.MessageTypeText
	}
	out.ReactionCounts, out.HasReacted = foldReactions(m.Reactions, currentUserID)

	if m.IsDeleted {
		out.MessageType = common.MessageTypeDeleted
		return out
	}
	if m.MessageContent == "" {
		return out
	}

	key := cacheKey(currentUserID, conversationID, m.ID)
	if content, ok := p.cache.Get(key); ok {
		out.MessageContent = content
		return out
	}

	var (
		content string
		err     error
	)
	if isFileType(out.MessageType) {
		content, err = p.engine.DecryptFileReference(ctx, m.MessageContent, m.SenderID, conversationID, currentUserID)
	} else {
		content, err = p.engine.Decrypt(ctx, m.MessageContent, m.SenderID, conversationID, currentUserID)
	}
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"conversation": conversationID,
			"message":      m.ID,
			"sender":       m.SenderID,
			"viewer":       currentUserID,
		}).Warnf("Error decrypting message: %v", err)
		out.MessageContent = configs.Undecryptable
		out.Undecryptable = true
		return out
	}
	p.cache.Add(key, content)
	out.MessageContent = content
	return out
}

func foldReactions(reactions map[string]map[string]bool, userID string) (map[string]int, bool) {
	var (
		counts  map[string]int
		reacted bool
	)
	for emoji, users := range reactions {
		n := 0
		for u, on := range users {
			if !on {
				continue
			}
			n++
			if u == userID {
				reacted = true
			}
		}
		if n == 0 {
			continue
		}
		if counts == nil {
			counts = make(map[string]int)
		}
		counts[emoji] = n
	}
	return counts, reacted
}

// LoadPage reads the latest messages and activity logs of a conversation
// created since currentUserID joined it, and decrypts them.
func (p *Pipeline) LoadPage(ctx context.Context, conversationID, currentUserID string) ([]Message, error) {
	joinedAt, member, err := p.membership.JoinedAt(ctx, conversationID, currentUserID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotMember
	}

	messages, err := p.loadMessages(ctx, conversationID, joinedAt)
	if err != nil {
		return nil, err
	}
	logs, err := p.loadActivity(ctx, conversationID, joinedAt)
	if err != nil {
		return nil, err
	}
	return p.DecryptPage(ctx, conversationID, currentUserID, messages, logs), nil
}

func (p *Pipeline) loadMessages(ctx context.Context, conversationID string, since int64) ([]common.ChatMessage, error) {
	children, err := p.store.Children(ctx, fmt.Sprintf(configs.ChatroomMessagesPath, conversationID))
	if err != nil {
		return nil, err
	}
	messages := make([]common.ChatMessage, 0, len(children))
	for id, raw := range children {
		var m common.ChatMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			p.logger.Warnf("Skipping malformed message %s in %s: %v", id, conversationID, err)
			continue
		}
		if m.CreatedAt.Int64() < since {
			continue
		}
		m.ID = id
		messages = append(messages, m)
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt != messages[j].CreatedAt {
			return messages[i].CreatedAt < messages[j].CreatedAt
		}
		return messages[i].ID < messages[j].ID
	})
	if len(messages) > configs.MessagePageLimit {
		messages = messages[len(messages)-configs.MessagePageLimit:]
	}
	return messages, nil
}

func (p *Pipeline) loadActivity(ctx context.Context, conversationID string, since int64) ([]common.ActivityLog, error) {
	children, err := p.store.Children(ctx, fmt.Sprintf(configs.ChatroomActivityPath, conversationID))
	if err != nil {
		return nil, err
	}
	logs := make([]common.ActivityLog, 0, len(children))
	for key, raw := range children {
		var l common.ActivityLog
		if err := json.Unmarshal(raw, &l); err != nil {
			p.logger.Warnf("Skipping malformed activity log %s in %s: %v", key, conversationID, err)
			continue
		}
		if l.Timestamp.Int64() < since {
			continue
		}
		l.Key = key
		logs = append(logs, l)
	}
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].Timestamp != logs[j].Timestamp {
			return logs[i].Timestamp < logs[j].Timestamp
		}
		return logs[i].Key < logs[j].Key
	})
	if len(logs) > configs.ActivityPageLimit {
		logs = logs[len(logs)-configs.ActivityPageLimit:]
	}
	return logs, nil
}

// LogActivity appends a system entry to the conversation's activity log.
func (p *Pipeline) LogActivity(ctx context.Context, conversationID, userID, details string) (string, error) {
	return p.store.Push(ctx, fmt.Sprintf(configs.ChatroomActivityPath, conversationID), common.ActivityLog{
		Details: details,
		UserID:  userID,
	})
}
