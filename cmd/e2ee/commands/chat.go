package commands

import (
	"fmt"

	"chatroom-e2ee/common"
	"chatroom-e2ee/pipeline"

	"github.com/spf13/cobra"
)

func joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <conversation>",
		Short: "Join a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := appCtx.membership.Add(ctx, args[0], appCtx.userID); err != nil {
				return err
			}
			_, err := appCtx.pipeline.LogActivity(ctx, args[0], appCtx.userID, appCtx.userID+" joined")
			return err
		},
	}
}

// send <conversation> <message>: encrypt and post a message.
func sendCmd() *cobra.Command {
	var (
		to          string
		messageType string
	)
	cmd := &cobra.Command{
		Use:   "send <conversation> <message>",
		Short: "Encrypt and send a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := appCtx.pipeline.Send(appCtx.ctx(cmd.Context()), args[0], pipeline.OutgoingMessage{
				SenderID:    appCtx.userID,
				RecipientID: to,
				Content:     args[1],
				MessageType: messageType,
			})
			if err != nil {
				return err
			}
			fmt.Println("sent", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "send privately to this member")
	cmd.Flags().StringVar(&messageType, "type", common.MessageTypeText, "text, file, image or video (file types send a URL)")
	return cmd
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <conversation>",
		Short: "Decrypt and print the latest messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := appCtx.pipeline.LoadPage(cmd.Context(), args[0], appCtx.userID)
			if err != nil {
				return err
			}
			printPage(page)
			return nil
		},
	}
}

// watch <conversation>: follow the server's change feed and print new
// messages as they arrive.
func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <conversation>",
		Short: "Follow a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conversationID := args[0]
			events, err := appCtx.client.Watch(ctx, conversationID)
			if err != nil {
				return err
			}

			seen := map[string]bool{}
			show := func() error {
				page, err := appCtx.pipeline.LoadPage(ctx, conversationID, appCtx.userID)
				if err != nil {
					return err
				}
				for _, m := range page {
					if seen[m.ID] {
						continue
					}
					seen[m.ID] = true
					fmt.Println(formatMessage(m))
				}
				return nil
			}
			if err := show(); err != nil {
				return err
			}
			for ev := range events {
				logger.Debugf("Change %s %s", ev.Op, ev.Path)
				if err := show(); err != nil {
					logger.Errorf("Error loading %s: %v", conversationID, err)
				}
			}
			return nil
		},
	}
}
