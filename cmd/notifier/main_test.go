package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/aq-notify/internal/config"
	"github.com/afroash/aq-notify/internal/cooldown"
	"github.com/afroash/aq-notify/internal/notify"
)

func TestLoadRecipients_DisabledTransportSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipients.yaml")
	if err := os.WriteFile(path, []byte("text: [\"+15550001\"]\nemail: [ops@example.com]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{}
	cfg.Notify.RecipientsFile = path
	cfg.Notify.SMS.Enabled = false
	cfg.Notify.Email.Enabled = true

	recipients, err := loadRecipients(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("loadRecipients() error = %v", err)
	}
	if got := recipients.For(cooldown.AdhocText); len(got) != 0 {
		t.Fatalf("startup text recipients = %v, want empty", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go recipients.Watch(ctx, path)

	deadline := time.Now().Add(5 * time.Second)
	for {
		content := "text: [\"+15550002\"]\ndaily_text: [\"+15550003\"]\nemail: [admin@example.com]\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)
		if got := recipients.For(cooldown.AdhocEmail); len(got) == 1 && got[0] == "admin@example.com" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recipients not reloaded, email = %v", recipients.For(cooldown.AdhocEmail))
		}
	}

	for _, ch := range []cooldown.Channel{cooldown.AdhocText, cooldown.DailyText} {
		if got := recipients.For(ch); len(got) != 0 {
			t.Errorf("%v recipients after reload = %v, want empty while SMS is disabled", ch, got)
		}
	}
}

func TestLoadRecipients_DryRunKeepsEveryList(t *testing.T) {
	cfg := &config.Config{}
	cfg.Notify.DryRun = true
	cfg.Notify.SMS.Recipients = []string{"+15550001"}
	cfg.Notify.Email.Recipients = []string{"ops@example.com"}

	recipients, err := loadRecipients(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("loadRecipients() error = %v", err)
	}
	lists := recipients.Lists()
	if len(lists.Text) != 1 || len(lists.Email) != 1 {
		t.Errorf("lists = %+v, want both kept under dry run", lists)
	}

	recipients.Set(notify.RecipientLists{Text: []string{"+15550009"}})
	if got := recipients.For(cooldown.AdhocText); len(got) != 1 || got[0] != "+15550009" {
		t.Errorf("text after Set = %v", got)
	}
}
