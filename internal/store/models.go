package store

import "time"

type User struct {
	ID             string
	Username       string
	FullName       string
	Email          string
	PasswordHash   string
	Role           string
	ProfilePicture string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UserRef carries the display fields embedded alongside authored content.
type UserRef struct {
	ID             string
	Username       string
	FullName       string
	ProfilePicture string
}

type Article struct {
	ID        string
	Title     string
	Content   string
	Category  string
	ImageURL  string
	Status    string
	AuthorID  string
	Views     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ArticleView struct {
	Article
	Author    UserRef
	LikeCount int
}

type Comment struct {
	ID        string
	ArticleID string
	UserID    string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CommentView struct {
	Comment
	User UserRef
}

type Reply struct {
	ID        string
	CommentID string
	ArticleID string
	UserID    string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ReplyView struct {
	Reply
	User UserRef
}

type ForumThread struct {
	ID          string
	Title       string
	Content     string
	Category    string
	Tags        []string
	AuthorID    string
	IsAnonymous bool
	Status      string
	Views       int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ForumThreadView struct {
	ForumThread
	Author     UserRef
	ReplyCount int
}

type ForumReply struct {
	ID          string
	ThreadID    string
	UserID      string
	Content     string
	IsAnonymous bool
	IsSolution  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ForumReplyView struct {
	ForumReply
	User      UserRef
	LikeCount int
	Likes     []string
}

type Consultation struct {
	ID          string
	UserID      string
	AdminID     string
	Question    string
	IsAnonymous bool
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ConsultationView struct {
	Consultation
	User         UserRef
	Admin        *UserRef
	MessageCount int
}

type Message struct {
	ID             string
	ConsultationID string
	SenderID       string
	Content        string
	IsFromUser     bool
	CreatedAt      time.Time
}

type Notification struct {
	ID             string
	RecipientID    string
	SenderID       string
	Type           string
	Content        string
	ArticleID      string
	ForumID        string
	ConsultationID string
	CommentID      string
	IsRead         bool
	CreatedAt      time.Time
}

// NotificationView resolves the sender and referenced parents for display.
// Referenced rows may have been deleted since the notification was written,
// in which case the joined fields stay empty.
type NotificationView struct {
	Notification
	Sender               *UserRef
	ArticleTitle         string
	ForumTitle           string
	ConsultationQuestion string
}
