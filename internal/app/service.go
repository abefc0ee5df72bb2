package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"mindhaven/api/internal/auth"
	"mindhaven/api/internal/authpw"
	"mindhaven/api/internal/config"
	"mindhaven/api/internal/notify"
	"mindhaven/api/internal/rbac"
	"mindhaven/api/internal/search"
	"mindhaven/api/internal/store"
	"mindhaven/api/internal/uploads"
	"mindhaven/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type RegisterInput struct {
	Username string
	Email    string
	Password string
	FullName string
}

type ArticleInput struct {
	Title    string
	Content  string
	Category string
	ImageURL string
}

type ThreadInput struct {
	Title       string
	Content     string
	Category    string
	Tags        []string
	IsAnonymous bool
}

var allowedThreadStatuses = map[string]bool{
	"active": true,
	"closed": true,
	"hidden": true,
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByUsername(context.Context, string) (store.User, error)
	UpdateUserProfile(context.Context, string, string, string) (bool, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	ListArticles(context.Context, string, string, int, int) ([]store.ArticleView, int, error)
	GetArticle(context.Context, string) (store.ArticleView, error)
	InsertArticle(context.Context, store.Article) error
	UpdateArticle(context.Context, string, string, string, string, string) (bool, error)
	DeleteArticle(context.Context, string) (bool, error)
	IncrementArticleViews(context.Context, string) error
	ToggleArticleLike(context.Context, string, string) (bool, error)
	ListArticleLikes(context.Context, string) ([]string, error)
	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, string, string) (store.Comment, error)
	UpdateCommentContent(context.Context, string, string, string) (bool, error)
	DeleteComment(context.Context, string, string) (bool, error)
	ListArticleComments(context.Context, string) ([]store.CommentView, error)
	InsertReply(context.Context, store.Reply) error
	GetReply(context.Context, string, string) (store.Reply, error)
	UpdateReplyContent(context.Context, string, string, string) (bool, error)
	DeleteReply(context.Context, string, string) (bool, error)
	ListArticleReplies(context.Context, string) ([]store.ReplyView, error)
	ListThreads(context.Context, string, string, bool, int, int) ([]store.ForumThreadView, int, error)
	GetThread(context.Context, string) (store.ForumThreadView, error)
	InsertThread(context.Context, store.ForumThread) error
	UpdateThread(context.Context, string, string, string, string, []string) (bool, error)
	DeleteThread(context.Context, string) (bool, error)
	IncrementThreadViews(context.Context, string) error
	SetThreadStatus(context.Context, string, string) (bool, error)
	InsertForumReply(context.Context, store.ForumReply) error
	GetForumReply(context.Context, string, string) (store.ForumReply, error)
	UpdateForumReplyContent(context.Context, string, string, string) (bool, error)
	DeleteForumReply(context.Context, string, string) (bool, error)
	ListForumReplies(context.Context, string) ([]store.ForumReplyView, error)
	ToggleForumReplyLike(context.Context, string, string) (bool, error)
	ListThreadParticipants(context.Context, string) ([]string, error)
	MarkSolution(context.Context, string, string) (bool, error)
	InsertConsultation(context.Context, store.Consultation, store.Message) error
	ListConsultationsByUser(context.Context, string) ([]store.ConsultationView, error)
	ListConsultations(context.Context) ([]store.ConsultationView, error)
	GetConsultation(context.Context, string) (store.ConsultationView, error)
	ListConsultationMessages(context.Context, string) ([]store.Message, error)
	AppendConsultationMessage(context.Context, store.Message) (store.Consultation, bool, error)
	CloseConsultation(context.Context, string) (bool, error)
	ListNotifications(context.Context, string) ([]store.NotificationView, error)
	MarkNotificationRead(context.Context, string, string) (bool, error)
	MarkAllNotificationsRead(context.Context, string) error
	CountUnreadNotifications(context.Context, string) (int, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	accounts *authpw.Service
	notifier notify.Dispatcher
	search   *search.Service
	uploads  *uploads.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, notifier notify.Dispatcher, searcher *search.Service, uploader *uploads.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		accounts: authpw.NewService(dataStore),
		notifier: notifier,
		search:   searcher,
		uploads:  uploader,
	}
}

// Bootstrap ensures the configured admin account exists. Registration only
// produces regular users, so the first admin has to come from configuration.
func (s *Service) Bootstrap(ctx context.Context) error {
	email := strings.TrimSpace(strings.ToLower(s.cfg.AdminEmail))
	if email == "" {
		return nil
	}

	_, err := s.store.GetUserByEmail(ctx, email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if s.cfg.AdminPassword == "" {
		log.Printf(`{"event":"bootstrap_admin_skipped","reason":"no admin password configured"}`)
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(s.cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	username := email
	if at := strings.IndexByte(email, '@'); at > 0 {
		username = email[:at]
	}

	return s.store.CreateUser(ctx, store.User{
		ID:           util.NewID("usr"),
		Username:     username,
		FullName:     "Administrator",
		Email:        email,
		PasswordHash: string(hash),
		Role:         "admin",
	})
}

// --- Sessions ---------------------------------------------------------------

func (s *Service) Register(ctx context.Context, in RegisterInput) (Session, error) {
	user, err := s.accounts.Register(ctx, authpw.RegisterRequest{
		Username: in.Username,
		Email:    in.Email,
		Password: in.Password,
		FullName: in.FullName,
	})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, identifier, password string) (Session, error) {
	user, err := s.accounts.Login(ctx, identifier, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		Role:     user.Role,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func principal(session Session) rbac.Principal {
	return rbac.Principal{ID: session.UserID, Role: rbac.Normalize(session.Role)}
}

// --- Profile ----------------------------------------------------------------

func (s *Service) CurrentUser(ctx context.Context, session Session) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

func (s *Service) UpdateProfile(ctx context.Context, session Session, fullName, profilePicture string) (map[string]any, error) {
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "fullName is required", nil)
	}

	ok, err := s.store.UpdateUserProfile(ctx, session.UserID, fullName, profilePicture)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sql.ErrNoRows
	}
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

func (s *Service) StoreUpload(ctx context.Context, prefix, filename, contentType string, r io.Reader, size int64) (string, error) {
	if s.uploads == nil {
		return "", domainError(http.StatusServiceUnavailable, "UPLOADS_UNAVAILABLE", "File uploads are not configured", nil)
	}
	return s.uploads.Put(ctx, prefix, filename, contentType, r, size)
}

// --- Articles ---------------------------------------------------------------

func (s *Service) ListArticles(ctx context.Context, category, query string, limit, offset int) (map[string]any, error) {
	limit, offset = clampPage(limit, offset)
	articles, total, err := s.store.ListArticles(ctx, strings.TrimSpace(category), strings.TrimSpace(query), limit, offset)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(articles))
	for _, article := range articles {
		items = append(items, articlePayload(article))
	}
	return map[string]any{
		"items":  items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	}, nil
}

func (s *Service) GetArticle(ctx context.Context, articleID string) (map[string]any, error) {
	article, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		return nil, err
	}
	if err := s.store.IncrementArticleViews(ctx, articleID); err != nil {
		log.Printf(`{"event":"article_view_count_failed","article_id":%q,"error":%q}`, articleID, err.Error())
	} else {
		article.Views++
	}

	likes, err := s.store.ListArticleLikes(ctx, articleID)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListArticleComments(ctx, articleID)
	if err != nil {
		return nil, err
	}
	replies, err := s.store.ListArticleReplies(ctx, articleID)
	if err != nil {
		return nil, err
	}

	byComment := make(map[string][]map[string]any, len(comments))
	for _, reply := range replies {
		byComment[reply.CommentID] = append(byComment[reply.CommentID], replyPayload(reply))
	}

	commentItems := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		item := commentPayload(comment)
		children := byComment[comment.ID]
		if children == nil {
			children = []map[string]any{}
		}
		item["replies"] = children
		commentItems = append(commentItems, item)
	}

	payload := articlePayload(article)
	payload["likeCount"] = len(likes)
	payload["likes"] = likes
	payload["comments"] = commentItems
	return payload, nil
}

func (s *Service) CreateArticle(ctx context.Context, session Session, in ArticleInput) (map[string]any, error) {
	if !rbac.Can(rbac.Normalize(session.Role), rbac.ActionPublish) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only admins can publish articles", nil)
	}
	title := strings.TrimSpace(in.Title)
	content := strings.TrimSpace(in.Content)
	category := strings.TrimSpace(in.Category)
	if title == "" || content == "" || category == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title, content and category are required", nil)
	}

	article := store.Article{
		ID:       util.NewID("art"),
		Title:    title,
		Content:  content,
		Category: category,
		ImageURL: strings.TrimSpace(in.ImageURL),
		Status:   "published",
		AuthorID: session.UserID,
	}
	if err := s.store.InsertArticle(ctx, article); err != nil {
		return nil, err
	}
	s.indexArticle(article.ID, title, content, category)

	created, err := s.store.GetArticle(ctx, article.ID)
	if err != nil {
		return nil, err
	}
	return articlePayload(created), nil
}

func (s *Service) UpdateArticle(ctx context.Context, session Session, articleID string, in ArticleInput) (map[string]any, error) {
	if !rbac.Can(rbac.Normalize(session.Role), rbac.ActionPublish) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only admins can edit articles", nil)
	}
	title := strings.TrimSpace(in.Title)
	content := strings.TrimSpace(in.Content)
	category := strings.TrimSpace(in.Category)
	if title == "" || content == "" || category == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title, content and category are required", nil)
	}

	ok, err := s.store.UpdateArticle(ctx, articleID, title, content, category, strings.TrimSpace(in.ImageURL))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sql.ErrNoRows
	}
	s.indexArticle(articleID, title, content, category)

	updated, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		return nil, err
	}
	return articlePayload(updated), nil
}

func (s *Service) DeleteArticle(ctx context.Context, session Session, articleID string) error {
	if !rbac.Can(rbac.Normalize(session.Role), rbac.ActionPublish) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only admins can delete articles", nil)
	}
	article, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		return err
	}

	ok, err := s.store.DeleteArticle(ctx, articleID)
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}

	if s.search != nil {
		s.search.DeleteArticle(articleID)
	}
	if s.uploads != nil && article.ImageURL != "" {
		if err := s.uploads.Remove(ctx, article.ImageURL); err != nil {
			log.Printf(`{"event":"article_image_remove_failed","article_id":%q,"error":%q}`, articleID, err.Error())
		}
	}
	return nil
}

func (s *Service) ToggleArticleLike(ctx context.Context, session Session, articleID string) (map[string]any, error) {
	article, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		return nil, err
	}

	liked, err := s.store.ToggleArticleLike(ctx, articleID, session.UserID)
	if err != nil {
		return nil, err
	}
	s.dispatch(ctx, notify.ArticleLiked(article.AuthorID, session.UserID, articleID, liked))

	likes, err := s.store.ListArticleLikes(ctx, articleID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"liked": liked, "likeCount": len(likes)}, nil
}

func (s *Service) AddArticleComment(ctx context.Context, session Session, articleID, content string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	article, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		return nil, err
	}

	comment := store.Comment{
		ID:        util.NewID("cmt"),
		ArticleID: articleID,
		UserID:    session.UserID,
		Content:   content,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}
	s.dispatch(ctx, notify.ArticleComment(article.AuthorID, session.UserID, articleID, comment.ID, content))

	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return commentPayload(store.CommentView{Comment: comment, User: userRef(user)}), nil
}

func (s *Service) UpdateArticleComment(ctx context.Context, session Session, articleID, commentID, content string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	comment, err := s.store.GetComment(ctx, articleID, commentID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanEdit(comment.UserID, principal(session)) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the author can edit a comment", nil)
	}

	ok, err := s.store.UpdateCommentContent(ctx, articleID, commentID, content)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sql.ErrNoRows
	}
	return map[string]any{"id": commentID, "content": content}, nil
}

func (s *Service) DeleteArticleComment(ctx context.Context, session Session, articleID, commentID string) error {
	comment, err := s.store.GetComment(ctx, articleID, commentID)
	if err != nil {
		return err
	}
	if !rbac.CanDelete(comment.UserID, principal(session)) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Not allowed to delete this comment", nil)
	}

	ok, err := s.store.DeleteComment(ctx, articleID, commentID)
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Service) AddCommentReply(ctx context.Context, session Session, articleID, commentID, content string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	comment, err := s.store.GetComment(ctx, articleID, commentID)
	if err != nil {
		return nil, err
	}

	reply := store.Reply{
		ID:        util.NewID("rpl"),
		CommentID: commentID,
		ArticleID: articleID,
		UserID:    session.UserID,
		Content:   content,
	}
	if err := s.store.InsertReply(ctx, reply); err != nil {
		return nil, err
	}
	s.dispatch(ctx, notify.CommentReply(comment.UserID, session.UserID, articleID, commentID, content))

	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return replyPayload(store.ReplyView{Reply: reply, User: userRef(user)}), nil
}

func (s *Service) UpdateCommentReply(ctx context.Context, session Session, articleID, commentID, replyID, content string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	reply, err := s.store.GetReply(ctx, commentID, replyID)
	if err != nil {
		return nil, err
	}
	if reply.ArticleID != articleID {
		return nil, sql.ErrNoRows
	}
	if !rbac.CanEdit(reply.UserID, principal(session)) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the author can edit a reply", nil)
	}

	ok, err := s.store.UpdateReplyContent(ctx, commentID, replyID, content)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sql.ErrNoRows
	}
	return map[string]any{"id": replyID, "content": content}, nil
}

func (s *Service) DeleteCommentReply(ctx context.Context, session Session, articleID, commentID, replyID string) error {
	reply, err := s.store.GetReply(ctx, commentID, replyID)
	if err != nil {
		return err
	}
	if reply.ArticleID != articleID {
		return sql.ErrNoRows
	}
	if !rbac.CanDelete(reply.UserID, principal(session)) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Not allowed to delete this reply", nil)
	}

	ok, err := s.store.DeleteReply(ctx, commentID, replyID)
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}
	return nil
}

// --- Forum ------------------------------------------------------------------

func (s *Service) ListThreads(ctx context.Context, session Session, category, query string, limit, offset int) (map[string]any, error) {
	limit, offset = clampPage(limit, offset)
	viewer := principal(session)
	threads, total, err := s.store.ListThreads(ctx, strings.TrimSpace(category), strings.TrimSpace(query), viewer.IsAdmin(), limit, offset)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(threads))
	for _, thread := range threads {
		items = append(items, threadPayload(thread, session.UserID))
	}
	return map[string]any{
		"items":  items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	}, nil
}

func (s *Service) GetThread(ctx context.Context, session Session, threadID string) (map[string]any, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	viewer := principal(session)
	if thread.Status == "hidden" && !viewer.IsAdmin() && thread.AuthorID != session.UserID {
		return nil, sql.ErrNoRows
	}

	if err := s.store.IncrementThreadViews(ctx, threadID); err != nil {
		log.Printf(`{"event":"thread_view_count_failed","thread_id":%q,"error":%q}`, threadID, err.Error())
	} else {
		thread.Views++
	}

	replies, err := s.store.ListForumReplies(ctx, threadID)
	if err != nil {
		return nil, err
	}
	replyItems := make([]map[string]any, 0, len(replies))
	for _, reply := range replies {
		replyItems = append(replyItems, forumReplyPayload(reply, session.UserID))
	}

	payload := threadPayload(thread, session.UserID)
	payload["replies"] = replyItems
	return payload, nil
}

func (s *Service) CreateThread(ctx context.Context, session Session, in ThreadInput) (map[string]any, error) {
	title := strings.TrimSpace(in.Title)
	content := strings.TrimSpace(in.Content)
	category := strings.TrimSpace(in.Category)
	if title == "" || content == "" || category == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title, content and category are required", nil)
	}

	thread := store.ForumThread{
		ID:          util.NewID("thr"),
		Title:       title,
		Content:     content,
		Category:    category,
		Tags:        cleanTags(in.Tags),
		AuthorID:    session.UserID,
		IsAnonymous: in.IsAnonymous,
		Status:      "active",
	}
	if err := s.store.InsertThread(ctx, thread); err != nil {
		return nil, err
	}
	s.indexThread(thread.ID, title, content, category, thread.Status)

	created, err := s.store.GetThread(ctx, thread.ID)
	if err != nil {
		return nil, err
	}
	return threadPayload(created, session.UserID), nil
}

func (s *Service) UpdateThread(ctx context.Context, session Session, threadID string, in ThreadInput) (map[string]any, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanEdit(thread.AuthorID, principal(session)) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the author can edit a thread", nil)
	}
	title := strings.TrimSpace(in.Title)
	content := strings.TrimSpace(in.Content)
	category := strings.TrimSpace(in.Category)
	if title == "" || content == "" || category == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title, content and category are required", nil)
	}

	ok, err := s.store.UpdateThread(ctx, threadID, title, content, category, cleanTags(in.Tags))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sql.ErrNoRows
	}
	s.indexThread(threadID, title, content, category, thread.Status)

	updated, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return threadPayload(updated, session.UserID), nil
}

func (s *Service) DeleteThread(ctx context.Context, session Session, threadID string) error {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if !rbac.CanDelete(thread.AuthorID, principal(session)) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Not allowed to delete this thread", nil)
	}

	ok, err := s.store.DeleteThread(ctx, threadID)
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}
	if s.search != nil {
		s.search.DeleteThread(threadID)
	}
	return nil
}

func (s *Service) ModerateThread(ctx context.Context, session Session, threadID, status string) (map[string]any, error) {
	if !rbac.Can(rbac.Normalize(session.Role), rbac.ActionModerate) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only admins can moderate threads", nil)
	}
	if !allowedThreadStatuses[status] {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be one of active, closed, hidden", nil)
	}

	ok, err := s.store.SetThreadStatus(ctx, threadID, status)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sql.ErrNoRows
	}

	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	s.indexThread(thread.ID, thread.Title, thread.Content, thread.Category, thread.Status)
	return threadPayload(thread, session.UserID), nil
}

func (s *Service) AddThreadReply(ctx context.Context, session Session, threadID, content string, isAnonymous bool) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	viewer := principal(session)
	if thread.Status == "hidden" && !viewer.IsAdmin() && thread.AuthorID != session.UserID {
		return nil, sql.ErrNoRows
	}
	if thread.Status != "active" {
		return nil, domainError(http.StatusConflict, "THREAD_CLOSED", "Thread is not open for replies", nil)
	}

	// Participants are captured before the insert so the new reply does not
	// count its own author as a prior replier.
	participants, err := s.store.ListThreadParticipants(ctx, threadID)
	if err != nil {
		return nil, err
	}

	reply := store.ForumReply{
		ID:          util.NewID("frp"),
		ThreadID:    threadID,
		UserID:      session.UserID,
		Content:     content,
		IsAnonymous: isAnonymous,
	}
	if err := s.store.InsertForumReply(ctx, reply); err != nil {
		return nil, err
	}
	s.dispatch(ctx, notify.ForumReply(thread.AuthorID, participants, session.UserID, threadID, content))

	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return forumReplyPayload(store.ForumReplyView{ForumReply: reply, User: userRef(user), Likes: []string{}}, session.UserID), nil
}

func (s *Service) UpdateThreadReply(ctx context.Context, session Session, threadID, replyID, content string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	reply, err := s.store.GetForumReply(ctx, threadID, replyID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanEdit(reply.UserID, principal(session)) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the author can edit a reply", nil)
	}

	ok, err := s.store.UpdateForumReplyContent(ctx, threadID, replyID, content)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sql.ErrNoRows
	}
	return map[string]any{"id": replyID, "content": content}, nil
}

func (s *Service) DeleteThreadReply(ctx context.Context, session Session, threadID, replyID string) error {
	reply, err := s.store.GetForumReply(ctx, threadID, replyID)
	if err != nil {
		return err
	}
	if !rbac.CanDelete(reply.UserID, principal(session)) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Not allowed to delete this reply", nil)
	}

	ok, err := s.store.DeleteForumReply(ctx, threadID, replyID)
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Service) ToggleThreadReplyLike(ctx context.Context, session Session, threadID, replyID string) (map[string]any, error) {
	if _, err := s.store.GetForumReply(ctx, threadID, replyID); err != nil {
		return nil, err
	}
	liked, err := s.store.ToggleForumReplyLike(ctx, replyID, session.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"liked": liked}, nil
}

func (s *Service) ToggleSolution(ctx context.Context, session Session, threadID, replyID string) (map[string]any, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanMarkSolution(thread.AuthorID, principal(session)) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the thread author or an admin can mark a solution", nil)
	}

	marked, err := s.store.MarkSolution(ctx, threadID, replyID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": replyID, "isSolution": marked}, nil
}

// --- Consultations ----------------------------------------------------------

func (s *Service) CreateConsultation(ctx context.Context, session Session, question string, isAnonymous bool) (map[string]any, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "question is required", nil)
	}

	consultation := store.Consultation{
		ID:          util.NewID("con"),
		UserID:      session.UserID,
		Question:    question,
		IsAnonymous: isAnonymous,
		Status:      "open",
	}
	first := store.Message{
		ID:             util.NewID("msg"),
		ConsultationID: consultation.ID,
		SenderID:       session.UserID,
		Content:        question,
		IsFromUser:     true,
	}
	if err := s.store.InsertConsultation(ctx, consultation, first); err != nil {
		return nil, err
	}

	created, err := s.store.GetConsultation(ctx, consultation.ID)
	if err != nil {
		return nil, err
	}
	return consultationPayload(created, session.UserID), nil
}

func (s *Service) ListConsultations(ctx context.Context, session Session) ([]map[string]any, error) {
	var (
		consultations []store.ConsultationView
		err           error
	)
	if principal(session).IsAdmin() {
		consultations, err = s.store.ListConsultations(ctx)
	} else {
		consultations, err = s.store.ListConsultationsByUser(ctx, session.UserID)
	}
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(consultations))
	for _, consultation := range consultations {
		items = append(items, consultationPayload(consultation, session.UserID))
	}
	return items, nil
}

func (s *Service) GetConsultation(ctx context.Context, session Session, consultationID string) (map[string]any, error) {
	consultation, err := s.store.GetConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanAccessConsultation(consultation.UserID, principal(session)) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Not allowed to access this consultation", nil)
	}

	messages, err := s.store.ListConsultationMessages(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	messageItems := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		messageItems = append(messageItems, messagePayload(message))
	}

	payload := consultationPayload(consultation, session.UserID)
	payload["messages"] = messageItems
	return payload, nil
}

func (s *Service) AddConsultationMessage(ctx context.Context, session Session, consultationID, content string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	consultation, err := s.store.GetConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanAccessConsultation(consultation.UserID, principal(session)) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Not allowed to access this consultation", nil)
	}

	fromUser := session.UserID == consultation.UserID
	message := store.Message{
		ID:             util.NewID("msg"),
		ConsultationID: consultationID,
		SenderID:       session.UserID,
		Content:        content,
		IsFromUser:     fromUser,
	}
	updated, ok, err := s.store.AppendConsultationMessage(ctx, message)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusConflict, "CONSULTATION_CLOSED", "Consultation is closed", nil)
	}
	s.dispatch(ctx, notify.ConsultationMessage(updated.UserID, updated.AdminID, session.UserID, consultationID, content, fromUser))

	payload := messagePayload(message)
	payload["consultationStatus"] = updated.Status
	return payload, nil
}

func (s *Service) CloseConsultation(ctx context.Context, session Session, consultationID string) (map[string]any, error) {
	consultation, err := s.store.GetConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanAccessConsultation(consultation.UserID, principal(session)) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Not allowed to access this consultation", nil)
	}

	ok, err := s.store.CloseConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusConflict, "CONSULTATION_CLOSED", "Consultation is already closed", nil)
	}
	return map[string]any{"id": consultationID, "status": "closed"}, nil
}

// --- Notifications ----------------------------------------------------------

func (s *Service) ListNotifications(ctx context.Context, session Session) ([]map[string]any, error) {
	notifications, err := s.store.ListNotifications(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(notifications))
	for _, notification := range notifications {
		items = append(items, notificationPayload(notification))
	}
	return items, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, session Session, notificationID string) error {
	ok, err := s.store.MarkNotificationRead(ctx, notificationID, session.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, session Session) error {
	return s.store.MarkAllNotificationsRead(ctx, session.UserID)
}

func (s *Service) UnreadNotificationCount(ctx context.Context, session Session) (int, error) {
	return s.store.CountUnreadNotifications(ctx, session.UserID)
}

// --- Search -----------------------------------------------------------------

func (s *Service) Search(session Session, q search.Query) search.Response {
	q.IsAdmin = principal(session).IsAdmin()
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Helpers ----------------------------------------------------------------

func (s *Service) dispatch(ctx context.Context, events []notify.Event) {
	if s.notifier == nil || len(events) == 0 {
		return
	}
	if err := s.notifier.Dispatch(ctx, events); err != nil {
		log.Printf(`{"event":"notification_dispatch_failed","error":%q}`, err.Error())
	}
}

func (s *Service) indexArticle(id, title, content, category string) {
	if s.search == nil {
		return
	}
	s.search.IndexArticle(search.ArticleRecord{ID: id, Title: title, Content: content, Category: category})
}

func (s *Service) indexThread(id, title, content, category, status string) {
	if s.search == nil {
		return
	}
	s.search.IndexThread(search.ThreadRecord{ID: id, Title: title, Content: content, Category: category, Status: status})
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func cleanTags(tags []string) []string {
	cleaned := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(strings.ToLower(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		cleaned = append(cleaned, tag)
	}
	return cleaned
}

func userRef(user store.User) store.UserRef {
	return store.UserRef{
		ID:             user.ID,
		Username:       user.Username,
		FullName:       user.FullName,
		ProfilePicture: user.ProfilePicture,
	}
}

func userPayload(user store.User) map[string]any {
	return map[string]any{
		"id":             user.ID,
		"username":       user.Username,
		"fullName":       user.FullName,
		"email":          user.Email,
		"role":           user.Role,
		"profilePicture": user.ProfilePicture,
		"createdAt":      user.CreatedAt,
	}
}

func userRefPayload(ref store.UserRef) map[string]any {
	return map[string]any{
		"id":             ref.ID,
		"username":       ref.Username,
		"fullName":       ref.FullName,
		"profilePicture": ref.ProfilePicture,
	}
}

// authorPayload hides the author identity of anonymous content from everyone
// except the author themselves. Admins do not get to bypass anonymity.
func authorPayload(ref store.UserRef, anonymous bool, ownerID, viewerID string) map[string]any {
	if anonymous && viewerID != ownerID {
		return map[string]any{"username": "anonymous"}
	}
	return userRefPayload(ref)
}

func articlePayload(article store.ArticleView) map[string]any {
	return map[string]any{
		"id":        article.ID,
		"title":     article.Title,
		"content":   article.Content,
		"category":  article.Category,
		"imageUrl":  article.ImageURL,
		"status":    article.Status,
		"author":    userRefPayload(article.Author),
		"views":     article.Views,
		"likeCount": article.LikeCount,
		"createdAt": article.CreatedAt,
		"updatedAt": article.UpdatedAt,
	}
}

func commentPayload(comment store.CommentView) map[string]any {
	return map[string]any{
		"id":        comment.ID,
		"articleId": comment.ArticleID,
		"content":   comment.Content,
		"user":      userRefPayload(comment.User),
		"createdAt": comment.CreatedAt,
		"updatedAt": comment.UpdatedAt,
	}
}

func replyPayload(reply store.ReplyView) map[string]any {
	return map[string]any{
		"id":        reply.ID,
		"commentId": reply.CommentID,
		"articleId": reply.ArticleID,
		"content":   reply.Content,
		"user":      userRefPayload(reply.User),
		"createdAt": reply.CreatedAt,
		"updatedAt": reply.UpdatedAt,
	}
}

func threadPayload(thread store.ForumThreadView, viewerID string) map[string]any {
	tags := thread.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"id":          thread.ID,
		"title":       thread.Title,
		"content":     thread.Content,
		"category":    thread.Category,
		"tags":        tags,
		"isAnonymous": thread.IsAnonymous,
		"status":      thread.Status,
		"views":       thread.Views,
		"replyCount":  thread.ReplyCount,
		"author":      authorPayload(thread.Author, thread.IsAnonymous, thread.AuthorID, viewerID),
		"createdAt":   thread.CreatedAt,
		"updatedAt":   thread.UpdatedAt,
	}
}

func forumReplyPayload(reply store.ForumReplyView, viewerID string) map[string]any {
	likes := reply.Likes
	if likes == nil {
		likes = []string{}
	}
	return map[string]any{
		"id":          reply.ID,
		"threadId":    reply.ThreadID,
		"content":     reply.Content,
		"isAnonymous": reply.IsAnonymous,
		"isSolution":  reply.IsSolution,
		"likeCount":   reply.LikeCount,
		"likes":       likes,
		"user":        authorPayload(reply.User, reply.IsAnonymous, reply.UserID, viewerID),
		"createdAt":   reply.CreatedAt,
		"updatedAt":   reply.UpdatedAt,
	}
}

func consultationPayload(consultation store.ConsultationView, viewerID string) map[string]any {
	var admin any
	if consultation.Admin != nil {
		admin = userRefPayload(*consultation.Admin)
	}
	return map[string]any{
		"id":           consultation.ID,
		"question":     consultation.Question,
		"isAnonymous":  consultation.IsAnonymous,
		"status":       consultation.Status,
		"messageCount": consultation.MessageCount,
		"user":         authorPayload(consultation.User, consultation.IsAnonymous, consultation.UserID, viewerID),
		"admin":        admin,
		"createdAt":    consultation.CreatedAt,
		"updatedAt":    consultation.UpdatedAt,
	}
}

func messagePayload(message store.Message) map[string]any {
	return map[string]any{
		"id":             message.ID,
		"consultationId": message.ConsultationID,
		"content":        message.Content,
		"isFromUser":     message.IsFromUser,
		"createdAt":      message.CreatedAt,
	}
}

func notificationPayload(notification store.NotificationView) map[string]any {
	var sender any
	if notification.Sender != nil {
		sender = userRefPayload(*notification.Sender)
	}
	return map[string]any{
		"id":                   notification.ID,
		"type":                 notification.Type,
		"content":              notification.Content,
		"isRead":               notification.IsRead,
		"sender":               sender,
		"articleId":            nilIfEmpty(notification.ArticleID),
		"forumId":              nilIfEmpty(notification.ForumID),
		"consultationId":       nilIfEmpty(notification.ConsultationID),
		"commentId":            nilIfEmpty(notification.CommentID),
		"articleTitle":         nilIfEmpty(notification.ArticleTitle),
		"forumTitle":           nilIfEmpty(notification.ForumTitle),
		"consultationQuestion": nilIfEmpty(notification.ConsultationQuestion),
		"createdAt":            notification.CreatedAt,
	}
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
