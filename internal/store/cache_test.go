package store

import (
	"path/filepath"
	"testing"

	"github.com/syntex82/WordPress-Node-sub005/internal/wire"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := OpenCache(filepath.Join(t.TempDir(), "dm.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCacheConversations(t *testing.T) {
	c := newTestCache(t)

	last := msg("m5", "c1", 500)
	convs := []wire.Conversation{
		{ID: "c1", Peer: wire.Identity{ID: "u2", Name: "Bea", Avatar: "a.png"}, LastMessage: &last, Unread: 3, LastActivity: 500},
		{ID: "c2", Peer: wire.Identity{ID: "u3", Name: "Cas"}},
	}
	if err := c.ReplaceConversations(convs); err != nil {
		t.Fatal(err)
	}

	got, err := c.Conversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("conversations = %d", len(got))
	}
	if got[0].Peer.Name != "Bea" || got[0].Unread != 3 {
		t.Fatalf("c1 = %+v", got[0])
	}
	if got[0].LastMessage == nil || got[0].LastMessage.ID != "m5" {
		t.Fatalf("last message = %+v", got[0].LastMessage)
	}
	if got[1].LastMessage != nil {
		t.Fatalf("c2 gained a last message: %+v", got[1].LastMessage)
	}

	// Replace is wholesale.
	if err := c.ReplaceConversations(convs[:1]); err != nil {
		t.Fatal(err)
	}
	got, _ = c.Conversations()
	if len(got) != 1 {
		t.Fatalf("conversations after replace = %d", len(got))
	}
}

func TestCacheMessages(t *testing.T) {
	c := newTestCache(t)

	m1 := msg("m1", "c1", 100)
	m1.Media = []wire.Attachment{{URL: "/u/p.jpg", Kind: wire.AttachmentImage, Filename: "p.jpg", Size: 42, Mime: "image/jpeg"}}
	m2 := msg("m2", "c1", 200)
	m2.Read = true
	if err := c.ReplaceMessages("c1", []wire.Message{m2, m1}); err != nil {
		t.Fatal(err)
	}
	if err := c.UpsertMessage(msg("m3", "c2", 300)); err != nil {
		t.Fatal(err)
	}

	got, err := c.Messages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("messages = %d", len(got))
	}
	if got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("order = %s, %s", got[0].ID, got[1].ID)
	}
	if len(got[0].Media) != 1 || got[0].Media[0].Kind != wire.AttachmentImage {
		t.Fatalf("media = %+v", got[0].Media)
	}
	if !got[1].Read {
		t.Fatal("read flag lost")
	}
	if got[0].Sender.Name != "Bea" {
		t.Fatalf("sender = %+v", got[0].Sender)
	}

	// Upsert replaces by id.
	m2.Content = "edited"
	if err := c.UpsertMessage(m2); err != nil {
		t.Fatal(err)
	}
	got, _ = c.Messages("c1")
	if len(got) != 2 || got[1].Content != "edited" {
		t.Fatalf("upsert result = %+v", got)
	}

	if err := c.DeleteMessage("m1"); err != nil {
		t.Fatal(err)
	}
	got, _ = c.Messages("c1")
	if len(got) != 1 {
		t.Fatalf("messages after delete = %d", len(got))
	}
}

func TestCacheDeleteConversation(t *testing.T) {
	c := newTestCache(t)

	if err := c.ReplaceConversations([]wire.Conversation{conv("c1", "u2")}); err != nil {
		t.Fatal(err)
	}
	if err := c.ReplaceMessages("c1", []wire.Message{msg("m1", "c1", 100)}); err != nil {
		t.Fatal(err)
	}

	if err := c.DeleteConversation("c1"); err != nil {
		t.Fatal(err)
	}
	convs, _ := c.Conversations()
	if len(convs) != 0 {
		t.Fatalf("conversations = %d", len(convs))
	}
	msgs, _ := c.Messages("c1")
	if len(msgs) != 0 {
		t.Fatalf("messages = %d, want cascade delete", len(msgs))
	}
}

func TestStorePreloadsCachedConversations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dm.db")
	c, err := OpenCache(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.ReplaceConversations([]wire.Conversation{conv("c1", "u2")}); err != nil {
		t.Fatal(err)
	}
	c.Close()

	c, err = OpenCache(path)
	if err != nil {
		t.Fatal(err)
	}
	s := New(&fakeAPI{}, c)
	defer s.Close()

	if got := len(s.Conversations()); got != 1 {
		t.Fatalf("preloaded conversations = %d", got)
	}
}
