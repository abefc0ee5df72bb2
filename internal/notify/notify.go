package notify

import (
	"context"
	"fmt"
	"time"

	"mindhaven/api/internal/store"
	"mindhaven/api/internal/util"
)

const (
	TypeLike                = "like"
	TypeComment             = "comment"
	TypeReply               = "reply"
	TypeForumReply          = "forum_reply"
	TypeConsultationMessage = "consultation_message"
)

// Event is one notification to deliver. Recipient and sender are always
// distinct: the rule functions never emit self-notifications.
type Event struct {
	RecipientID    string
	SenderID       string
	Type           string
	Content        string
	ArticleID      string
	ForumID        string
	ConsultationID string
	CommentID      string
}

// Dispatcher delivers notification events. Delivery is best effort: callers
// log failures and never roll back the mutation that produced the events.
type Dispatcher interface {
	Dispatch(ctx context.Context, events []Event) error
}

type notificationStore interface {
	InsertNotification(ctx context.Context, item store.Notification) error
}

// StoreDispatcher writes events straight to the notifications table.
type StoreDispatcher struct {
	store notificationStore
}

func NewStoreDispatcher(s notificationStore) *StoreDispatcher {
	return &StoreDispatcher{store: s}
}

func (d *StoreDispatcher) Dispatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		item := store.Notification{
			ID:             util.NewID("ntf"),
			RecipientID:    event.RecipientID,
			SenderID:       event.SenderID,
			Type:           event.Type,
			Content:        event.Content,
			ArticleID:      event.ArticleID,
			ForumID:        event.ForumID,
			ConsultationID: event.ConsultationID,
			CommentID:      event.CommentID,
			CreatedAt:      time.Now().UTC(),
		}
		if err := d.store.InsertNotification(ctx, item); err != nil {
			return fmt.Errorf("dispatch %s to %s: %w", event.Type, event.RecipientID, err)
		}
	}
	return nil
}

// ArticleComment notifies the article author about a new comment, unless the
// author commented on their own article.
func ArticleComment(articleAuthorID, actorID, articleID, commentID, content string) []Event {
	if articleAuthorID == actorID {
		return nil
	}
	return []Event{{
		RecipientID: articleAuthorID,
		SenderID:    actorID,
		Type:        TypeComment,
		Content:     content,
		ArticleID:   articleID,
		CommentID:   commentID,
	}}
}

// CommentReply notifies the comment author about a reply to their comment,
// unless they replied to themselves.
func CommentReply(commentAuthorID, actorID, articleID, commentID, content string) []Event {
	if commentAuthorID == actorID {
		return nil
	}
	return []Event{{
		RecipientID: commentAuthorID,
		SenderID:    actorID,
		Type:        TypeReply,
		Content:     content,
		ArticleID:   articleID,
		CommentID:   commentID,
	}}
}

// ArticleLiked notifies the article author when a like is added. Removing a
// like never notifies, and neither does liking your own article.
func ArticleLiked(articleAuthorID, actorID, articleID string, added bool) []Event {
	if !added || articleAuthorID == actorID {
		return nil
	}
	return []Event{{
		RecipientID: articleAuthorID,
		SenderID:    actorID,
		Type:        TypeLike,
		ArticleID:   articleID,
	}}
}

// ForumReply fans a new reply out to the thread author and to every user who
// replied earlier. Each recipient gets at most one event, the actor gets
// none, and the thread author is never counted twice even when they also
// appear among the prior repliers.
func ForumReply(threadAuthorID string, priorRepliers []string, actorID, threadID, content string) []Event {
	events := make([]Event, 0, len(priorRepliers)+1)
	seen := map[string]bool{actorID: true}

	if threadAuthorID != actorID {
		events = append(events, Event{
			RecipientID: threadAuthorID,
			SenderID:    actorID,
			Type:        TypeForumReply,
			Content:     content,
			ForumID:     threadID,
		})
	}
	seen[threadAuthorID] = true

	for _, userID := range priorRepliers {
		if seen[userID] {
			continue
		}
		seen[userID] = true
		events = append(events, Event{
			RecipientID: userID,
			SenderID:    actorID,
			Type:        TypeForumReply,
			Content:     content,
			ForumID:     threadID,
		})
	}
	return events
}

// ConsultationMessage routes a consultation message to the other side of the
// conversation. A user message only notifies once an admin is assigned; an
// admin message always notifies the asker.
func ConsultationMessage(askerID, adminID, actorID, consultationID, content string, fromUser bool) []Event {
	recipient := askerID
	if fromUser {
		recipient = adminID
	}
	if recipient == "" || recipient == actorID {
		return nil
	}
	return []Event{{
		RecipientID:    recipient,
		SenderID:       actorID,
		Type:           TypeConsultationMessage,
		Content:        content,
		ConsultationID: consultationID,
	}}
}
