package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mhmd-249/cbi/internal/messaging"
)

// newSimulateCmd posts a channel-shaped webhook to the server, for smoke
// tests of a deployment without a real phone.
func newSimulateCmd(opts *options) *cobra.Command {
	var (
		chatID    int64
		text      string
		secret    string
		appSecret string
		sender    string
	)

	simCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Send a fake inbound channel message through the webhook",
	}

	telegramCmd := &cobra.Command{
		Use:   "telegram",
		Short: "Post a Telegram text update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := telegramUpdate(chatID, text, time.Now())
			if err != nil {
				return err
			}
			headers := map[string]string{}
			if secret != "" {
				headers["X-Telegram-Bot-Api-Secret-Token"] = secret
			}
			return postWebhook(cmd, opts, "/webhook/telegram", body, headers)
		},
	}
	telegramCmd.Flags().Int64Var(&chatID, "chat", 1000001, "chat and sender id")
	telegramCmd.Flags().StringVar(&text, "text", "", "message text")
	telegramCmd.Flags().StringVar(&secret, "secret", envOr("CBI_TELEGRAM_WEBHOOK_SECRET", ""), "webhook secret token")
	_ = telegramCmd.MarkFlagRequired("text")

	whatsappCmd := &cobra.Command{
		Use:   "whatsapp",
		Short: "Post a WhatsApp Cloud API text message event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := whatsappEvent(sender, text, time.Now())
			if err != nil {
				return err
			}
			headers := map[string]string{}
			if appSecret != "" {
				headers["X-Hub-Signature-256"] = messaging.SignWhatsApp(appSecret, body)
			}
			return postWebhook(cmd, opts, "/webhook/whatsapp", body, headers)
		},
	}
	whatsappCmd.Flags().StringVar(&sender, "from", "249900000001", "sender phone number")
	whatsappCmd.Flags().StringVar(&text, "text", "", "message text")
	whatsappCmd.Flags().StringVar(&appSecret, "app-secret", envOr("CBI_WHATSAPP_APP_SECRET", ""), "Meta app secret used to sign the body")
	_ = whatsappCmd.MarkFlagRequired("text")

	simCmd.AddCommand(telegramCmd, whatsappCmd)
	return simCmd
}

func postWebhook(cmd *cobra.Command, opts *options, path string, body []byte, headers map[string]string) error {
	ctx, cancel := commandContext(cmd, opts.timeout)
	defer cancel()

	var resp map[string]any
	if err := newClient(opts).do(ctx, "POST", path, body, headers, &resp); err != nil {
		return err
	}
	status, _ := resp["status"].(string)
	if status != "queued" {
		return fmt.Errorf("webhook %s: %v", status, resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n", countStyle.Render("queued"), resp["entries"])
	return nil
}

func telegramUpdate(chatID int64, text string, now time.Time) ([]byte, error) {
	return json.Marshal(map[string]any{
		"update_id": now.UnixNano() % 1_000_000_000,
		"message": map[string]any{
			"message_id": now.UnixNano() % 1_000_000,
			"date":       now.Unix(),
			"chat":       map[string]any{"id": chatID, "type": "private"},
			"from":       map[string]any{"id": chatID, "is_bot": false, "first_name": "cbictl"},
			"text":       text,
		},
	})
}

func whatsappEvent(from, text string, now time.Time) ([]byte, error) {
	return json.Marshal(map[string]any{
		"object": "whatsapp_business_account",
		"entry": []any{map[string]any{
			"id": "cbictl",
			"changes": []any{map[string]any{
				"field": "messages",
				"value": map[string]any{
					"messaging_product": "whatsapp",
					"messages": []any{map[string]any{
						"from":      from,
						"id":        "wamid.cbictl." + strconv.FormatInt(now.UnixNano(), 36),
						"timestamp": strconv.FormatInt(now.Unix(), 10),
						"type":      "text",
						"text":      map[string]any{"body": text},
					}},
				},
			}},
		}},
	})
}
