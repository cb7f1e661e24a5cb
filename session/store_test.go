package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonwraymond/llmguard/llm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStore_SaveLoad(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	s, _ := New(&fakeChatter{}, Config{ID: "s1", SystemPrompt: "rules", Params: llm.Params{Model: "gpt-4o"}})
	s.GenerateWithHistory(ctx, "hello")

	if err := st.Save(ctx, s); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := st.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := s.Messages()
	if len(got) != len(want) {
		t.Fatalf("Load() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestStore_SaveReplaces(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.SaveMessages(ctx, "s1", "", []llm.Message{llm.User("a"), llm.User("b")}); err != nil {
		t.Fatalf("SaveMessages() error = %v", err)
	}
	if err := st.SaveMessages(ctx, "s1", "", []llm.Message{llm.User("c")}); err != nil {
		t.Fatalf("SaveMessages() error = %v", err)
	}

	got, _ := st.Load(ctx, "s1")
	if len(got) != 1 || got[0] != llm.User("c") {
		t.Errorf("Load() = %v, want [user: c]", got)
	}
}

func TestStore_LoadMissing(t *testing.T) {
	st := newTestStore(t)

	if _, err := st.Load(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestStore_LoadEmptySession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.SaveMessages(ctx, "empty", "", nil); err != nil {
		t.Fatalf("SaveMessages() error = %v", err)
	}
	got, err := st.Load(ctx, "empty")
	if err != nil || len(got) != 0 {
		t.Errorf("Load() = %v, %v, want empty history", got, err)
	}
}

func TestStore_Resume(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	saved := []llm.Message{llm.System("rules"), llm.User(text(40)), llm.Assistant(text(40)), llm.User(text(10))}
	if err := st.SaveMessages(ctx, "s1", "", saved); err != nil {
		t.Fatalf("SaveMessages() error = %v", err)
	}

	s, err := st.Resume(ctx, "s1", &fakeChatter{}, Config{MaxHistoryTokens: 60, SystemPrompt: "ignored"})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if s.ID() != "s1" {
		t.Errorf("ID() = %q, want s1", s.ID())
	}

	msgs := s.Messages()
	if msgs[0] != llm.System("rules") {
		t.Errorf("first message = %v, want the stored system prompt", msgs[0])
	}
	if s.Size() > 60 {
		t.Errorf("Size() = %d, want <= 60 after resume", s.Size())
	}
}

func TestStore_ListAndDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return clock }
	_ = st.SaveMessages(ctx, "older", "gpt-4", []llm.Message{llm.User("a")})
	clock = clock.Add(time.Minute)
	_ = st.SaveMessages(ctx, "newer", "gpt-4o", []llm.Message{llm.User("a"), llm.Assistant("b")})

	infos, err := st.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(infos) != 2 || infos[0].ID != "newer" || infos[1].ID != "older" {
		t.Fatalf("List() = %+v, want newer then older", infos)
	}
	if infos[0].Messages != 2 || infos[0].Model != "gpt-4o" {
		t.Errorf("List()[0] = %+v", infos[0])
	}

	if err := st.Delete(ctx, "older"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := st.Load(ctx, "older"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() after Delete error = %v, want ErrNotFound", err)
	}
	if err := st.Delete(ctx, "older"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}
