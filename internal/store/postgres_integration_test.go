package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"mindhaven/api/internal/util"
)

func openIntegrationStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("MINDHAVEN_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("MINDHAVEN_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func seedIntegrationUser(t *testing.T, ctx context.Context, s *PostgresStore, username string) User {
	t.Helper()
	user := User{
		ID:           util.NewID("usr"),
		Username:     username,
		FullName:     username + " test",
		Email:        username + "@example.com",
		PasswordHash: "x",
		Role:         "user",
	}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("seed user %s: %v", username, err)
	}
	return user
}

func TestArticleLikeToggleParity(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	author := seedIntegrationUser(t, ctx, s, "author")
	liker := seedIntegrationUser(t, ctx, s, "liker")

	article := Article{ID: util.NewID("art"), Title: "t", Content: "c", Category: "general", Status: "published", AuthorID: author.ID}
	if err := s.InsertArticle(ctx, article); err != nil {
		t.Fatalf("insert article: %v", err)
	}

	for i := 0; i < 5; i++ {
		liked, err := s.ToggleArticleLike(ctx, article.ID, liker.ID)
		if err != nil {
			t.Fatalf("toggle %d: %v", i, err)
		}
		wantLiked := i%2 == 0
		if liked != wantLiked {
			t.Fatalf("toggle %d: liked=%v want %v", i, liked, wantLiked)
		}
		likes, err := s.ListArticleLikes(ctx, article.ID)
		if err != nil {
			t.Fatalf("list likes: %v", err)
		}
		wantCount := 0
		if wantLiked {
			wantCount = 1
		}
		if len(likes) != wantCount {
			t.Fatalf("toggle %d: %d likes, want %d", i, len(likes), wantCount)
		}
	}
}

func TestMarkSolutionKeepsSingleSolution(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	asker := seedIntegrationUser(t, ctx, s, "asker")
	helper := seedIntegrationUser(t, ctx, s, "helper")

	thread := ForumThread{ID: util.NewID("thr"), Title: "t", Content: "c", Category: "general", AuthorID: asker.ID}
	if err := s.InsertThread(ctx, thread); err != nil {
		t.Fatalf("insert thread: %v", err)
	}
	first := ForumReply{ID: util.NewID("rep"), ThreadID: thread.ID, UserID: helper.ID, Content: "a"}
	second := ForumReply{ID: util.NewID("rep"), ThreadID: thread.ID, UserID: helper.ID, Content: "b"}
	for _, reply := range []ForumReply{first, second} {
		if err := s.InsertForumReply(ctx, reply); err != nil {
			t.Fatalf("insert reply: %v", err)
		}
	}

	marked, err := s.MarkSolution(ctx, thread.ID, first.ID)
	if err != nil || !marked {
		t.Fatalf("mark first: marked=%v err=%v", marked, err)
	}
	marked, err = s.MarkSolution(ctx, thread.ID, second.ID)
	if err != nil || !marked {
		t.Fatalf("mark second: marked=%v err=%v", marked, err)
	}

	replies, err := s.ListForumReplies(ctx, thread.ID)
	if err != nil {
		t.Fatalf("list replies: %v", err)
	}
	solutions := 0
	for _, reply := range replies {
		if reply.IsSolution {
			solutions++
			if reply.ID != second.ID {
				t.Fatalf("solution moved to %s, want %s", reply.ID, second.ID)
			}
		}
	}
	if solutions != 1 {
		t.Fatalf("%d solutions, want 1", solutions)
	}

	marked, err = s.MarkSolution(ctx, thread.ID, second.ID)
	if err != nil || marked {
		t.Fatalf("re-mark should unmark: marked=%v err=%v", marked, err)
	}
}

func TestListForumRepliesCarriesLikeSets(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	author := seedIntegrationUser(t, ctx, s, "author")
	fanA := seedIntegrationUser(t, ctx, s, "fan-a")
	fanB := seedIntegrationUser(t, ctx, s, "fan-b")

	thread := ForumThread{ID: util.NewID("thr"), Title: "t", Content: "c", Category: "general", AuthorID: author.ID}
	if err := s.InsertThread(ctx, thread); err != nil {
		t.Fatalf("insert thread: %v", err)
	}
	liked := ForumReply{ID: util.NewID("rep"), ThreadID: thread.ID, UserID: author.ID, Content: "a"}
	plain := ForumReply{ID: util.NewID("rep"), ThreadID: thread.ID, UserID: author.ID, Content: "b"}
	for _, reply := range []ForumReply{liked, plain} {
		if err := s.InsertForumReply(ctx, reply); err != nil {
			t.Fatalf("insert reply: %v", err)
		}
	}
	for _, fan := range []User{fanA, fanB} {
		if _, err := s.ToggleForumReplyLike(ctx, liked.ID, fan.ID); err != nil {
			t.Fatalf("like reply: %v", err)
		}
	}

	replies, err := s.ListForumReplies(ctx, thread.ID)
	if err != nil {
		t.Fatalf("list replies: %v", err)
	}
	byID := make(map[string]ForumReplyView, len(replies))
	for _, reply := range replies {
		byID[reply.ID] = reply
	}

	got := byID[liked.ID]
	if got.LikeCount != 2 || len(got.Likes) != 2 {
		t.Fatalf("liked reply: count=%d likes=%v, want both likers", got.LikeCount, got.Likes)
	}
	members := map[string]bool{got.Likes[0]: true, got.Likes[1]: true}
	if !members[fanA.ID] || !members[fanB.ID] {
		t.Fatalf("like set %v missing a liker", got.Likes)
	}
	if other := byID[plain.ID]; other.LikeCount != 0 || len(other.Likes) != 0 || other.Likes == nil {
		t.Fatalf("unliked reply: count=%d likes=%#v, want empty set", other.LikeCount, other.Likes)
	}
}

func TestAppendConsultationMessageGuardsClosedStatus(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	asker := seedIntegrationUser(t, ctx, s, "asker")
	admin := seedIntegrationUser(t, ctx, s, "admin")

	consultation := Consultation{ID: util.NewID("con"), UserID: asker.ID, Question: "q"}
	if err := s.InsertConsultation(ctx, consultation, Message{ID: util.NewID("msg"), ConsultationID: consultation.ID, Content: "q"}); err != nil {
		t.Fatalf("insert consultation: %v", err)
	}

	updated, appended, err := s.AppendConsultationMessage(ctx, Message{
		ID:             util.NewID("msg"),
		ConsultationID: consultation.ID,
		SenderID:       admin.ID,
		Content:        "answer",
		IsFromUser:     false,
	})
	if err != nil || !appended {
		t.Fatalf("admin append: appended=%v err=%v", appended, err)
	}
	if updated.Status != "answered" {
		t.Fatalf("status %q after admin reply, want answered", updated.Status)
	}
	if updated.AdminID != admin.ID {
		t.Fatalf("admin_id %q, want %q", updated.AdminID, admin.ID)
	}

	if closed, err := s.CloseConsultation(ctx, consultation.ID); err != nil || !closed {
		t.Fatalf("close: closed=%v err=%v", closed, err)
	}

	_, appended, err = s.AppendConsultationMessage(ctx, Message{
		ID:             util.NewID("msg"),
		ConsultationID: consultation.ID,
		SenderID:       asker.ID,
		Content:        "follow up",
		IsFromUser:     true,
	})
	if err != nil {
		t.Fatalf("append after close: %v", err)
	}
	if appended {
		t.Fatal("append after close should be rejected")
	}
}
