package notify

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/aq-notify/internal/cooldown"
)

func TestRecipientLists_For(t *testing.T) {
	lists := RecipientLists{
		Text:       []string{"+15550000001"},
		Email:      []string{"ops@example.com"},
		DailyEmail: []string{"admin@example.com"},
	}

	tests := []struct {
		ch   cooldown.Channel
		want []string
	}{
		{cooldown.AdhocText, []string{"+15550000001"}},
		{cooldown.AdhocEmail, []string{"ops@example.com"}},
		{cooldown.DailyText, []string{"+15550000001"}},
		{cooldown.DailyEmail, []string{"admin@example.com"}},
	}
	for _, tt := range tests {
		if got := lists.For(tt.ch); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("For(%v) = %v, want %v", tt.ch, got, tt.want)
		}
	}
}

func TestRecipients_ForReturnsCopy(t *testing.T) {
	r := NewRecipients(RecipientLists{Text: []string{"+15550000001"}}, zerolog.Nop())
	got := r.For(cooldown.AdhocText)
	got[0] = "changed"
	if r.For(cooldown.AdhocText)[0] != "+15550000001" {
		t.Error("For() exposed internal slice")
	}
}

func TestLoadRecipientsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipients.yaml")
	content := "text: [\"+15550000001\", \"+15550000002\"]\nemail:\n  - ops@example.com\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	lists, err := LoadRecipientsFile(path)
	if err != nil {
		t.Fatalf("LoadRecipientsFile() error = %v", err)
	}
	if len(lists.Text) != 2 || lists.Email[0] != "ops@example.com" {
		t.Errorf("lists = %+v", lists)
	}

	if _, err := LoadRecipientsFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRecipientsFile(empty); err == nil {
		t.Error("expected error for empty file")
	}
}

func TestRecipients_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipients.yaml")
	if err := os.WriteFile(path, []byte("text: [\"+15550000001\"]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRecipients(RecipientLists{Text: []string{"+15550000001"}}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, path) }()

	// keep rewriting until the watcher is registered and picks it up
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := os.WriteFile(path, []byte("text: [\"+15550000009\"]\n"), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)
		if got := r.For(cooldown.AdhocText); len(got) == 1 && got[0] == "+15550000009" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recipients not reloaded, got %v", r.For(cooldown.AdhocText))
		}
	}

	// invalid YAML keeps the previous lists
	if err := os.WriteFile(path, []byte("text: [unterminated\n"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := r.For(cooldown.AdhocText); len(got) != 1 || got[0] != "+15550000009" {
		t.Errorf("after bad reload = %v, want previous list", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop after cancel")
	}
}

func TestRecipients_FilterAppliesToSet(t *testing.T) {
	noText := func(l RecipientLists) RecipientLists {
		l.Text, l.DailyText = nil, nil
		return l
	}
	r := NewFilteredRecipients(RecipientLists{
		Text:  []string{"+15550000001"},
		Email: []string{"ops@example.com"},
	}, noText, zerolog.Nop())

	if got := r.For(cooldown.AdhocText); len(got) != 0 {
		t.Errorf("initial text = %v, want empty", got)
	}

	r.Set(RecipientLists{
		Text:      []string{"+15550000002"},
		DailyText: []string{"+15550000003"},
		Email:     []string{"admin@example.com"},
	})
	if got := r.For(cooldown.AdhocText); len(got) != 0 {
		t.Errorf("text after Set = %v, want empty", got)
	}
	if got := r.For(cooldown.DailyText); len(got) != 0 {
		t.Errorf("daily text after Set = %v, want empty", got)
	}
	if got := r.For(cooldown.AdhocEmail); len(got) != 1 || got[0] != "admin@example.com" {
		t.Errorf("email after Set = %v, want [admin@example.com]", got)
	}
}

func TestDryRun_Records(t *testing.T) {
	d := NewDryRun(zerolog.Nop())
	_ = d.SendText(context.Background(), []string{"+15550000001"}, "hello")
	_ = d.SendEmail(context.Background(), []string{"a@example.com"}, "subj", "body", []Attachment{{Name: "daily.xlsx"}})

	sent := d.Sent()
	if len(sent) != 2 {
		t.Fatalf("len(Sent()) = %d, want 2", len(sent))
	}
	if sent[1].Subject != "subj" || sent[1].Attachments[0] != "daily.xlsx" {
		t.Errorf("sent[1] = %+v", sent[1])
	}
}
