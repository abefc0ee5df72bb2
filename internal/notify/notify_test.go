package notify

import (
	"context"
	"errors"
	"testing"

	"mindhaven/api/internal/store"
)

func recipients(events []Event) []string {
	ids := make([]string, 0, len(events))
	for _, event := range events {
		ids = append(ids, event.RecipientID)
	}
	return ids
}

func TestArticleCommentSkipsSelf(t *testing.T) {
	if events := ArticleComment("usr_a", "usr_a", "art_1", "cmt_1", "hi"); len(events) != 0 {
		t.Fatalf("self comment produced %d events", len(events))
	}
	events := ArticleComment("usr_a", "usr_b", "art_1", "cmt_1", "hi")
	if len(events) != 1 || events[0].RecipientID != "usr_a" || events[0].Type != TypeComment {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestCommentReplySkipsSelf(t *testing.T) {
	if events := CommentReply("usr_a", "usr_a", "art_1", "cmt_1", "hi"); len(events) != 0 {
		t.Fatalf("self reply produced %d events", len(events))
	}
	events := CommentReply("usr_a", "usr_b", "art_1", "cmt_1", "hi")
	if len(events) != 1 || events[0].Type != TypeReply || events[0].CommentID != "cmt_1" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestArticleLikedOnlyOnAdd(t *testing.T) {
	if events := ArticleLiked("usr_a", "usr_b", "art_1", false); len(events) != 0 {
		t.Fatalf("unlike produced %d events", len(events))
	}
	if events := ArticleLiked("usr_a", "usr_a", "art_1", true); len(events) != 0 {
		t.Fatalf("self like produced %d events", len(events))
	}
	events := ArticleLiked("usr_a", "usr_b", "art_1", true)
	if len(events) != 1 || events[0].Type != TypeLike {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestForumReplyFanOut(t *testing.T) {
	cases := []struct {
		name          string
		author        string
		priorRepliers []string
		actor         string
		want          []string
	}{
		{
			name:          "author and distinct repliers",
			author:        "usr_a",
			priorRepliers: []string{"usr_b", "usr_c", "usr_b"},
			actor:         "usr_d",
			want:          []string{"usr_a", "usr_b", "usr_c"},
		},
		{
			name:          "author replying to own thread",
			author:        "usr_a",
			priorRepliers: []string{"usr_b"},
			actor:         "usr_a",
			want:          []string{"usr_b"},
		},
		{
			name:          "author among prior repliers counted once",
			author:        "usr_a",
			priorRepliers: []string{"usr_a", "usr_b"},
			actor:         "usr_c",
			want:          []string{"usr_a", "usr_b"},
		},
		{
			name:          "actor excluded from prior repliers",
			author:        "usr_a",
			priorRepliers: []string{"usr_b", "usr_c"},
			actor:         "usr_b",
			want:          []string{"usr_a", "usr_c"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events := ForumReply(tc.author, tc.priorRepliers, tc.actor, "thr_1", "hello")
			got := recipients(events)
			if len(got) != len(tc.want) {
				t.Fatalf("recipients %v, want %v", got, tc.want)
			}
			seen := map[string]bool{}
			for _, id := range got {
				if id == tc.actor {
					t.Fatalf("actor %s notified", tc.actor)
				}
				if seen[id] {
					t.Fatalf("recipient %s notified twice", id)
				}
				seen[id] = true
			}
			for _, id := range tc.want {
				if !seen[id] {
					t.Fatalf("recipient %s missing from %v", id, got)
				}
			}
			for _, event := range events {
				if event.Type != TypeForumReply || event.ForumID != "thr_1" {
					t.Fatalf("unexpected event %+v", event)
				}
			}
		})
	}
}

func TestConsultationMessageRouting(t *testing.T) {
	if events := ConsultationMessage("usr_a", "", "usr_a", "con_1", "q", true); len(events) != 0 {
		t.Fatal("user message with no assigned admin should not notify")
	}
	events := ConsultationMessage("usr_a", "usr_adm", "usr_a", "con_1", "q", true)
	if len(events) != 1 || events[0].RecipientID != "usr_adm" {
		t.Fatalf("unexpected events %+v", events)
	}
	events = ConsultationMessage("usr_a", "usr_adm", "usr_adm", "con_1", "a", false)
	if len(events) != 1 || events[0].RecipientID != "usr_a" {
		t.Fatalf("unexpected events %+v", events)
	}
}

type fakeNotificationStore struct {
	inserted []store.Notification
	fail     bool
}

func (f *fakeNotificationStore) InsertNotification(_ context.Context, item store.Notification) error {
	if f.fail {
		return errors.New("boom")
	}
	f.inserted = append(f.inserted, item)
	return nil
}

func TestStoreDispatcherWritesRows(t *testing.T) {
	fake := &fakeNotificationStore{}
	dispatcher := NewStoreDispatcher(fake)

	events := ForumReply("usr_a", []string{"usr_b"}, "usr_c", "thr_1", "hello")
	if err := dispatcher.Dispatch(context.Background(), events); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(fake.inserted) != 2 {
		t.Fatalf("inserted %d rows, want 2", len(fake.inserted))
	}
	for _, item := range fake.inserted {
		if item.ID == "" || item.Type != TypeForumReply || item.ForumID != "thr_1" {
			t.Fatalf("unexpected row %+v", item)
		}
	}
}

func TestStoreDispatcherSurfacesError(t *testing.T) {
	dispatcher := NewStoreDispatcher(&fakeNotificationStore{fail: true})
	events := ArticleComment("usr_a", "usr_b", "art_1", "cmt_1", "hi")
	if err := dispatcher.Dispatch(context.Background(), events); err == nil {
		t.Fatal("expected dispatch error")
	}
}
