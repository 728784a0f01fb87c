package pipeline

import (
	"context"
	"fmt"

	"chatroom-e2ee/auth"
	"chatroom-e2ee/common"
	"chatroom-e2ee/configs"
)

// AddReaction records userID's emoji reaction on a message.
func (p *Pipeline) AddReaction(ctx context.Context, conversationID, messageID, userID, emoji string) error {
	return p.react(ctx, conversationID, messageID, userID, emoji, true)
}

func (p *Pipeline) RemoveReaction(ctx context.Context, conversationID, messageID, userID, emoji string) error {
	return p.react(ctx, conversationID, messageID, userID, emoji, nil)
}

func (p *Pipeline) react(ctx context.Context, conversationID, messageID, userID, emoji string, value any) error {
	if err := p.exists(ctx, conversationID, messageID); err != nil {
		return err
	}
	return p.store.Update(ctx, messagePath(conversationID, messageID), map[string]any{
		fmt.Sprintf("reactions/%s/%s", emoji, userID): value,
	})
}

func (p *Pipeline) SetPinned(ctx context.Context, conversationID, messageID string, pinned bool) error {
	if err := p.exists(ctx, conversationID, messageID); err != nil {
		return err
	}
	return p.store.Update(ctx, messagePath(conversationID, messageID), map[string]any{
		"isPinned": pinned,
	})
}

// Delete marks a message deleted and drops its ciphertext. Only the sender
// may delete a message.
func (p *Pipeline) Delete(ctx context.Context, conversationID, messageID string) error {
	userID, err := auth.UserFrom(ctx)
	if err != nil {
		return err
	}
	var m common.ChatMessage
	found, err := p.store.Get(ctx, messagePath(conversationID, messageID), &m)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if m.SenderID != userID {
		return ErrNotSender
	}

	err = p.store.Update(ctx, messagePath(conversationID, messageID), map[string]any{
		"isDeleted":      true,
		"messageContent": "",
	})
	if err != nil {
		return err
	}
	p.cache.Remove(cacheKey(userID, conversationID, messageID))
	return nil
}

func (p *Pipeline) exists(ctx context.Context, conversationID, messageID string) error {
	found, err := p.store.Get(ctx, messagePath(conversationID, messageID), nil)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	return nil
}

// Watch calls fn with the decrypted page of a conversation, once right away
// and again after every change under it, until ctx is done.
func (p *Pipeline) Watch(ctx context.Context, conversationID, currentUserID string, fn func([]Message)) error {
	events, cancel, err := p.store.Subscribe(ctx, fmt.Sprintf(configs.ChatroomPath, conversationID))
	if err != nil {
		return err
	}
	defer cancel()

	emit := func() error {
		page, err := p.LoadPage(ctx, conversationID, currentUserID)
		if err != nil {
			return err
		}
		fn(page)
		return nil
	}
	if err := emit(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-events:
			if !ok {
				return nil
			}
			// a burst of writes needs a single reload
			for drained := false; !drained; {
				select {
				case _, ok := <-events:
					if !ok {
						return nil
					}
				default:
					drained = true
				}
			}
			if err := emit(); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Errorf("Error reloading %s for %s: %v", conversationID, currentUserID, err)
			}
		}
	}
}
