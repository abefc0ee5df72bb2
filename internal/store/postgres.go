package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, full_name, email, password_hash, role, profile_picture)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, user.ID, user.Username, user.FullName, user.Email, user.PasswordHash, user.Role, user.ProfilePicture)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id, username, full_name, email, password_hash, role, profile_picture, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.FullName,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.ProfilePicture,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, email))
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username))
}

func (s *PostgresStore) UpdateUserProfile(ctx context.Context, userID, fullName, profilePicture string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET full_name=$2, profile_picture=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, fullName, profilePicture)
	if err != nil {
		return false, fmt.Errorf("update user profile: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update user profile rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.username, u.full_name, u.email, u.password_hash, u.role, u.profile_picture, u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	return scanUser(s.db.QueryRowContext(ctx, query, tokenHash))
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

const articleViewColumns = `
	a.id, a.title, a.content, a.category, a.image_url, a.status, a.author_id, a.views, a.created_at, a.updated_at,
	u.id, u.username, u.full_name, u.profile_picture,
	(SELECT COUNT(*) FROM article_likes al WHERE al.article_id = a.id)
`

func scanArticleView(scan func(dest ...any) error) (ArticleView, error) {
	var item ArticleView
	err := scan(
		&item.ID,
		&item.Title,
		&item.Content,
		&item.Category,
		&item.ImageURL,
		&item.Status,
		&item.AuthorID,
		&item.Views,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.Author.ID,
		&item.Author.Username,
		&item.Author.FullName,
		&item.Author.ProfilePicture,
		&item.LikeCount,
	)
	if err != nil {
		return ArticleView{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListArticles(ctx context.Context, category, search string, limit, offset int) ([]ArticleView, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+articleViewColumns+`
		FROM articles a
		JOIN users u ON u.id = a.author_id
		WHERE a.status = 'published'
		  AND ($1 = '' OR a.category = $1)
		  AND ($2 = '' OR a.title ILIKE '%' || $2 || '%' OR a.content ILIKE '%' || $2 || '%')
		ORDER BY a.created_at DESC
		LIMIT $3 OFFSET $4
	`, category, search, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	items := make([]ArticleView, 0)
	for rows.Next() {
		item, err := scanArticleView(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan article: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate articles: %w", err)
	}

	var total int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM articles a
		WHERE a.status = 'published'
		  AND ($1 = '' OR a.category = $1)
		  AND ($2 = '' OR a.title ILIKE '%' || $2 || '%' OR a.content ILIKE '%' || $2 || '%')
	`, category, search).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count articles: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) GetArticle(ctx context.Context, articleID string) (ArticleView, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+articleViewColumns+`
		FROM articles a
		JOIN users u ON u.id = a.author_id
		WHERE a.id=$1
	`, articleID)
	return scanArticleView(row.Scan)
}

func (s *PostgresStore) InsertArticle(ctx context.Context, item Article) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO articles (id, title, content, category, image_url, status, author_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.Title, item.Content, item.Category, item.ImageURL, item.Status, item.AuthorID)
	if err != nil {
		return fmt.Errorf("insert article: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateArticle(ctx context.Context, articleID, title, content, category, imageURL string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE articles
		SET title=$2, content=$3, category=$4, image_url=COALESCE(NULLIF($5, ''), image_url), updated_at=NOW()
		WHERE id=$1
	`, articleID, title, content, category, imageURL)
	if err != nil {
		return false, fmt.Errorf("update article: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update article rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteArticle(ctx context.Context, articleID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM articles WHERE id=$1`, articleID)
	if err != nil {
		return false, fmt.Errorf("delete article: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete article rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) IncrementArticleViews(ctx context.Context, articleID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE articles SET views = views + 1 WHERE id=$1`, articleID)
	if err != nil {
		return fmt.Errorf("increment article views: %w", err)
	}
	return nil
}

// ToggleArticleLike removes the like when present and adds it otherwise.
// Returns true when the call added the like.
func (s *PostgresStore) ToggleArticleLike(ctx context.Context, articleID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM article_likes
		WHERE article_id=$1 AND user_id=$2
	`, articleID, userID)
	if err != nil {
		return false, fmt.Errorf("delete article like: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete article like rows: %w", err)
	}
	if affected > 0 {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO article_likes (article_id, user_id)
		VALUES ($1, $2)
	`, articleID, userID); err != nil {
		return false, fmt.Errorf("insert article like: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ListArticleLikes(ctx context.Context, articleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM article_likes WHERE article_id=$1 ORDER BY created_at ASC
	`, articleID)
	if err != nil {
		return nil, fmt.Errorf("list article likes: %w", err)
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan article like: %w", err)
		}
		items = append(items, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate article likes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO article_comments (id, article_id, user_id, content)
		VALUES ($1, $2, $3, $4)
	`, comment.ID, comment.ArticleID, comment.UserID, comment.Content)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, articleID, commentID string) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, article_id, user_id, content, created_at, updated_at
		FROM article_comments
		WHERE article_id=$1 AND id=$2
	`, articleID, commentID).Scan(&item.ID, &item.ArticleID, &item.UserID, &item.Content, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpdateCommentContent(ctx context.Context, articleID, commentID, content string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE article_comments
		SET content=$3, updated_at=NOW()
		WHERE article_id=$1 AND id=$2
	`, articleID, commentID, content)
	if err != nil {
		return false, fmt.Errorf("update comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update comment rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, articleID, commentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM article_comments WHERE article_id=$1 AND id=$2
	`, articleID, commentID)
	if err != nil {
		return false, fmt.Errorf("delete comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete comment rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListArticleComments(ctx context.Context, articleID string) ([]CommentView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.article_id, c.user_id, c.content, c.created_at, c.updated_at,
			u.id, u.username, u.full_name, u.profile_picture
		FROM article_comments c
		JOIN users u ON u.id = c.user_id
		WHERE c.article_id=$1
		ORDER BY c.seq ASC
	`, articleID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]CommentView, 0)
	for rows.Next() {
		var item CommentView
		if err := rows.Scan(
			&item.ID,
			&item.ArticleID,
			&item.UserID,
			&item.Content,
			&item.CreatedAt,
			&item.UpdatedAt,
			&item.User.ID,
			&item.User.Username,
			&item.User.FullName,
			&item.User.ProfilePicture,
		); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertReply(ctx context.Context, reply Reply) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comment_replies (id, comment_id, article_id, user_id, content)
		VALUES ($1, $2, $3, $4, $5)
	`, reply.ID, reply.CommentID, reply.ArticleID, reply.UserID, reply.Content)
	if err != nil {
		return fmt.Errorf("insert reply: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReply(ctx context.Context, commentID, replyID string) (Reply, error) {
	var item Reply
	err := s.db.QueryRowContext(ctx, `
		SELECT id, comment_id, article_id, user_id, content, created_at, updated_at
		FROM comment_replies
		WHERE comment_id=$1 AND id=$2
	`, commentID, replyID).Scan(&item.ID, &item.CommentID, &item.ArticleID, &item.UserID, &item.Content, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Reply{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpdateReplyContent(ctx context.Context, commentID, replyID, content string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comment_replies
		SET content=$3, updated_at=NOW()
		WHERE comment_id=$1 AND id=$2
	`, commentID, replyID, content)
	if err != nil {
		return false, fmt.Errorf("update reply: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update reply rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteReply(ctx context.Context, commentID, replyID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM comment_replies WHERE comment_id=$1 AND id=$2
	`, commentID, replyID)
	if err != nil {
		return false, fmt.Errorf("delete reply: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete reply rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListArticleReplies(ctx context.Context, articleID string) ([]ReplyView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.comment_id, r.article_id, r.user_id, r.content, r.created_at, r.updated_at,
			u.id, u.username, u.full_name, u.profile_picture
		FROM comment_replies r
		JOIN users u ON u.id = r.user_id
		WHERE r.article_id=$1
		ORDER BY r.seq ASC
	`, articleID)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	items := make([]ReplyView, 0)
	for rows.Next() {
		var item ReplyView
		if err := rows.Scan(
			&item.ID,
			&item.CommentID,
			&item.ArticleID,
			&item.UserID,
			&item.Content,
			&item.CreatedAt,
			&item.UpdatedAt,
			&item.User.ID,
			&item.User.Username,
			&item.User.FullName,
			&item.User.ProfilePicture,
		); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replies: %w", err)
	}
	return items, nil
}

const threadViewColumns = `
	t.id, t.title, t.content, t.category, COALESCE(t.tags_json::text, '[]'), t.author_id, t.is_anonymous, t.status, t.views, t.created_at, t.updated_at,
	u.id, u.username, u.full_name, u.profile_picture,
	(SELECT COUNT(*) FROM forum_replies fr WHERE fr.thread_id = t.id)
`

func scanThreadView(scan func(dest ...any) error) (ForumThreadView, error) {
	var item ForumThreadView
	var tagsJSON string
	err := scan(
		&item.ID,
		&item.Title,
		&item.Content,
		&item.Category,
		&tagsJSON,
		&item.AuthorID,
		&item.IsAnonymous,
		&item.Status,
		&item.Views,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.Author.ID,
		&item.Author.Username,
		&item.Author.FullName,
		&item.Author.ProfilePicture,
		&item.ReplyCount,
	)
	if err != nil {
		return ForumThreadView{}, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &item.Tags); err != nil {
		return ForumThreadView{}, fmt.Errorf("decode thread tags: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListThreads(ctx context.Context, category, search string, includeHidden bool, limit, offset int) ([]ForumThreadView, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadViewColumns+`
		FROM forum_threads t
		JOIN users u ON u.id = t.author_id
		WHERE ($1 = '' OR t.category = $1)
		  AND ($2 = '' OR t.title ILIKE '%' || $2 || '%' OR t.content ILIKE '%' || $2 || '%')
		  AND ($3::boolean OR t.status <> 'hidden')
		ORDER BY t.created_at DESC
		LIMIT $4 OFFSET $5
	`, category, search, includeHidden, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	items := make([]ForumThreadView, 0)
	for rows.Next() {
		item, err := scanThreadView(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate threads: %w", err)
	}

	var total int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM forum_threads t
		WHERE ($1 = '' OR t.category = $1)
		  AND ($2 = '' OR t.title ILIKE '%' || $2 || '%' OR t.content ILIKE '%' || $2 || '%')
		  AND ($3::boolean OR t.status <> 'hidden')
	`, category, search, includeHidden).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count threads: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (ForumThreadView, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+threadViewColumns+`
		FROM forum_threads t
		JOIN users u ON u.id = t.author_id
		WHERE t.id=$1
	`, threadID)
	return scanThreadView(row.Scan)
}

func (s *PostgresStore) InsertThread(ctx context.Context, thread ForumThread) error {
	tags := thread.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode thread tags: %w", err)
	}
	status := thread.Status
	if status == "" {
		status = "active"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO forum_threads (id, title, content, category, tags_json, author_id, is_anonymous, status)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
	`, thread.ID, thread.Title, thread.Content, thread.Category, string(tagsJSON), thread.AuthorID, thread.IsAnonymous, status)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateThread(ctx context.Context, threadID, title, content, category string, tags []string) (bool, error) {
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return false, fmt.Errorf("encode thread tags: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE forum_threads
		SET title=$2, content=$3, category=$4, tags_json=$5::jsonb, updated_at=NOW()
		WHERE id=$1
	`, threadID, title, content, category, string(tagsJSON))
	if err != nil {
		return false, fmt.Errorf("update thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update thread rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteThread(ctx context.Context, threadID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM forum_threads WHERE id=$1`, threadID)
	if err != nil {
		return false, fmt.Errorf("delete thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete thread rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) IncrementThreadViews(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE forum_threads SET views = views + 1 WHERE id=$1`, threadID)
	if err != nil {
		return fmt.Errorf("increment thread views: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetThreadStatus(ctx context.Context, threadID, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE forum_threads SET status=$2, updated_at=NOW() WHERE id=$1
	`, threadID, status)
	if err != nil {
		return false, fmt.Errorf("set thread status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set thread status rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertForumReply(ctx context.Context, reply ForumReply) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO forum_replies (id, thread_id, user_id, content, is_anonymous)
		VALUES ($1, $2, $3, $4, $5)
	`, reply.ID, reply.ThreadID, reply.UserID, reply.Content, reply.IsAnonymous)
	if err != nil {
		return fmt.Errorf("insert forum reply: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetForumReply(ctx context.Context, threadID, replyID string) (ForumReply, error) {
	var item ForumReply
	err := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, user_id, content, is_anonymous, is_solution, created_at, updated_at
		FROM forum_replies
		WHERE thread_id=$1 AND id=$2
	`, threadID, replyID).Scan(
		&item.ID,
		&item.ThreadID,
		&item.UserID,
		&item.Content,
		&item.IsAnonymous,
		&item.IsSolution,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return ForumReply{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpdateForumReplyContent(ctx context.Context, threadID, replyID, content string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE forum_replies
		SET content=$3, updated_at=NOW()
		WHERE thread_id=$1 AND id=$2
	`, threadID, replyID, content)
	if err != nil {
		return false, fmt.Errorf("update forum reply: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update forum reply rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteForumReply(ctx context.Context, threadID, replyID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM forum_replies WHERE thread_id=$1 AND id=$2
	`, threadID, replyID)
	if err != nil {
		return false, fmt.Errorf("delete forum reply: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete forum reply rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListForumReplies(ctx context.Context, threadID string) ([]ForumReplyView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.thread_id, r.user_id, r.content, r.is_anonymous, r.is_solution, r.created_at, r.updated_at,
			u.id, u.username, u.full_name, u.profile_picture
		FROM forum_replies r
		JOIN users u ON u.id = r.user_id
		WHERE r.thread_id=$1
		ORDER BY r.seq ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list forum replies: %w", err)
	}
	defer rows.Close()

	items := make([]ForumReplyView, 0)
	for rows.Next() {
		var item ForumReplyView
		if err := rows.Scan(
			&item.ID,
			&item.ThreadID,
			&item.UserID,
			&item.Content,
			&item.IsAnonymous,
			&item.IsSolution,
			&item.CreatedAt,
			&item.UpdatedAt,
			&item.User.ID,
			&item.User.Username,
			&item.User.FullName,
			&item.User.ProfilePicture,
		); err != nil {
			return nil, fmt.Errorf("scan forum reply: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forum replies: %w", err)
	}

	likeRows, err := s.db.QueryContext(ctx, `
		SELECT rl.reply_id, rl.user_id
		FROM forum_reply_likes rl
		JOIN forum_replies r ON r.id = rl.reply_id
		WHERE r.thread_id=$1
		ORDER BY rl.created_at ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list forum reply likes: %w", err)
	}
	defer likeRows.Close()

	likesByReply := make(map[string][]string)
	for likeRows.Next() {
		var replyID, userID string
		if err := likeRows.Scan(&replyID, &userID); err != nil {
			return nil, fmt.Errorf("scan forum reply like: %w", err)
		}
		likesByReply[replyID] = append(likesByReply[replyID], userID)
	}
	if err := likeRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forum reply likes: %w", err)
	}

	for i := range items {
		likes := likesByReply[items[i].ID]
		if likes == nil {
			likes = []string{}
		}
		items[i].Likes = likes
		items[i].LikeCount = len(likes)
	}
	return items, nil
}

// ToggleForumReplyLike removes the like when present and adds it otherwise.
// Returns true when the call added the like.
func (s *PostgresStore) ToggleForumReplyLike(ctx context.Context, replyID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM forum_reply_likes
		WHERE reply_id=$1 AND user_id=$2
	`, replyID, userID)
	if err != nil {
		return false, fmt.Errorf("delete forum reply like: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete forum reply like rows: %w", err)
	}
	if affected > 0 {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO forum_reply_likes (reply_id, user_id)
		VALUES ($1, $2)
	`, replyID, userID); err != nil {
		return false, fmt.Errorf("insert forum reply like: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ListThreadParticipants(ctx context.Context, threadID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM forum_replies WHERE thread_id=$1
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list thread participants: %w", err)
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan thread participant: %w", err)
		}
		items = append(items, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread participants: %w", err)
	}
	return items, nil
}

// MarkSolution toggles the solution flag on a reply. Marking a reply clears
// any previously marked solution in the thread first; marking the current
// solution again unmarks it. Returns the resulting flag on the reply.
func (s *PostgresStore) MarkSolution(ctx context.Context, threadID, replyID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin mark solution: %w", err)
	}
	defer tx.Rollback()

	var current bool
	err = tx.QueryRowContext(ctx, `
		SELECT is_solution FROM forum_replies WHERE thread_id=$1 AND id=$2 FOR UPDATE
	`, threadID, replyID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, err
		}
		return false, fmt.Errorf("lookup solution flag: %w", err)
	}

	if current {
		if _, err := tx.ExecContext(ctx, `
			UPDATE forum_replies SET is_solution=FALSE, updated_at=NOW()
			WHERE thread_id=$1 AND id=$2
		`, threadID, replyID); err != nil {
			return false, fmt.Errorf("unmark solution: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit mark solution: %w", err)
		}
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE forum_replies SET is_solution=FALSE, updated_at=NOW()
		WHERE thread_id=$1 AND is_solution
	`, threadID); err != nil {
		return false, fmt.Errorf("clear solution: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE forum_replies SET is_solution=TRUE, updated_at=NOW()
		WHERE thread_id=$1 AND id=$2
	`, threadID, replyID); err != nil {
		return false, fmt.Errorf("mark solution: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit mark solution: %w", err)
	}
	return true, nil
}

const consultationViewColumns = `
	c.id, c.user_id, COALESCE(c.admin_id, ''), c.question, c.is_anonymous, c.status, c.created_at, c.updated_at,
	u.id, u.username, u.full_name, u.profile_picture,
	COALESCE(a.id, ''), COALESCE(a.username, ''), COALESCE(a.full_name, ''), COALESCE(a.profile_picture, ''),
	(SELECT COUNT(*) FROM consultation_messages cm WHERE cm.consultation_id = c.id)
`

func scanConsultationView(scan func(dest ...any) error) (ConsultationView, error) {
	var item ConsultationView
	var admin UserRef
	err := scan(
		&item.ID,
		&item.UserID,
		&item.AdminID,
		&item.Question,
		&item.IsAnonymous,
		&item.Status,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.User.ID,
		&item.User.Username,
		&item.User.FullName,
		&item.User.ProfilePicture,
		&admin.ID,
		&admin.Username,
		&admin.FullName,
		&admin.ProfilePicture,
		&item.MessageCount,
	)
	if err != nil {
		return ConsultationView{}, err
	}
	if admin.ID != "" {
		item.Admin = &admin
	}
	return item, nil
}

const consultationViewFrom = `
	FROM consultations c
	JOIN users u ON u.id = c.user_id
	LEFT JOIN users a ON a.id = c.admin_id
`

func (s *PostgresStore) ListConsultationsByUser(ctx context.Context, userID string) ([]ConsultationView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+consultationViewColumns+consultationViewFrom+`
		WHERE c.user_id=$1
		ORDER BY c.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list consultations by user: %w", err)
	}
	return collectConsultations(rows)
}

func (s *PostgresStore) ListConsultations(ctx context.Context) ([]ConsultationView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+consultationViewColumns+consultationViewFrom+`
		ORDER BY c.created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list consultations: %w", err)
	}
	return collectConsultations(rows)
}

func collectConsultations(rows *sql.Rows) ([]ConsultationView, error) {
	defer rows.Close()
	items := make([]ConsultationView, 0)
	for rows.Next() {
		item, err := scanConsultationView(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan consultation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consultations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetConsultation(ctx context.Context, consultationID string) (ConsultationView, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+consultationViewColumns+consultationViewFrom+`
		WHERE c.id=$1
	`, consultationID)
	return scanConsultationView(row.Scan)
}

func (s *PostgresStore) InsertConsultation(ctx context.Context, consultation Consultation, first Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert consultation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO consultations (id, user_id, question, is_anonymous, status)
		VALUES ($1, $2, $3, $4, 'open')
	`, consultation.ID, consultation.UserID, consultation.Question, consultation.IsAnonymous); err != nil {
		return fmt.Errorf("insert consultation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO consultation_messages (id, consultation_id, sender_id, content, is_from_user)
		VALUES ($1, $2, $3, $4, TRUE)
	`, first.ID, consultation.ID, consultation.UserID, first.Content); err != nil {
		return fmt.Errorf("insert consultation message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert consultation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListConsultationMessages(ctx context.Context, consultationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, consultation_id, sender_id, content, is_from_user, created_at
		FROM consultation_messages
		WHERE consultation_id=$1
		ORDER BY seq ASC
	`, consultationID)
	if err != nil {
		return nil, fmt.Errorf("list consultation messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		if err := rows.Scan(&item.ID, &item.ConsultationID, &item.SenderID, &item.Content, &item.IsFromUser, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan consultation message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consultation messages: %w", err)
	}
	return items, nil
}

// AppendConsultationMessage appends a message unless the consultation is
// closed. An admin message assigns the consultation to the sender when it has
// no admin yet and moves an open consultation to answered. Returns the
// consultation after the update and false when the status guard rejected the
// append.
func (s *PostgresStore) AppendConsultationMessage(ctx context.Context, msg Message) (Consultation, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Consultation{}, false, fmt.Errorf("begin append message: %w", err)
	}
	defer tx.Rollback()

	var item Consultation
	err = tx.QueryRowContext(ctx, `
		UPDATE consultations
		SET admin_id = CASE WHEN $2::boolean THEN admin_id ELSE COALESCE(admin_id, $3) END,
			status = CASE WHEN NOT $2::boolean AND status = 'open' THEN 'answered' ELSE status END,
			updated_at = NOW()
		WHERE id=$1 AND status <> 'closed'
		RETURNING id, user_id, COALESCE(admin_id, ''), question, is_anonymous, status, created_at, updated_at
	`, msg.ConsultationID, msg.IsFromUser, msg.SenderID).Scan(
		&item.ID,
		&item.UserID,
		&item.AdminID,
		&item.Question,
		&item.IsAnonymous,
		&item.Status,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Consultation{}, false, nil
	}
	if err != nil {
		return Consultation{}, false, fmt.Errorf("guard consultation status: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO consultation_messages (id, consultation_id, sender_id, content, is_from_user)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.ID, msg.ConsultationID, msg.SenderID, msg.Content, msg.IsFromUser); err != nil {
		return Consultation{}, false, fmt.Errorf("insert consultation message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Consultation{}, false, fmt.Errorf("commit append message: %w", err)
	}
	return item, true, nil
}

func (s *PostgresStore) CloseConsultation(ctx context.Context, consultationID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE consultations
		SET status='closed', updated_at=NOW()
		WHERE id=$1 AND status <> 'closed'
	`, consultationID)
	if err != nil {
		return false, fmt.Errorf("close consultation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close consultation rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertNotification(ctx context.Context, item Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, sender_id, type, content, article_id, forum_id, consultation_id, comment_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''))
	`, item.ID, item.RecipientID, item.SenderID, item.Type, item.Content, item.ArticleID, item.ForumID, item.ConsultationID, item.CommentID)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, recipientID string) ([]NotificationView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.recipient_id, n.sender_id, n.type, n.content,
			COALESCE(n.article_id, ''), COALESCE(n.forum_id, ''), COALESCE(n.consultation_id, ''), COALESCE(n.comment_id, ''),
			n.is_read, n.created_at,
			COALESCE(u.id, ''), COALESCE(u.username, ''), COALESCE(u.full_name, ''), COALESCE(u.profile_picture, ''),
			COALESCE(a.title, ''), COALESCE(t.title, ''), COALESCE(c.question, '')
		FROM notifications n
		LEFT JOIN users u ON u.id = n.sender_id
		LEFT JOIN articles a ON a.id = n.article_id
		LEFT JOIN forum_threads t ON t.id = n.forum_id
		LEFT JOIN consultations c ON c.id = n.consultation_id
		WHERE n.recipient_id=$1
		ORDER BY n.created_at DESC
	`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]NotificationView, 0)
	for rows.Next() {
		var item NotificationView
		var sender UserRef
		if err := rows.Scan(
			&item.ID,
			&item.RecipientID,
			&item.SenderID,
			&item.Type,
			&item.Content,
			&item.ArticleID,
			&item.ForumID,
			&item.ConsultationID,
			&item.CommentID,
			&item.IsRead,
			&item.CreatedAt,
			&sender.ID,
			&sender.Username,
			&sender.FullName,
			&sender.ProfilePicture,
			&item.ArticleTitle,
			&item.ForumTitle,
			&item.ConsultationQuestion,
		); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if sender.ID != "" {
			item.Sender = &sender
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, recipientID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read=TRUE
		WHERE id=$1 AND recipient_id=$2
	`, notificationID, recipientID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification read rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, recipientID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read=TRUE WHERE recipient_id=$1 AND NOT is_read
	`, recipientID)
	if err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountUnreadNotifications(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE recipient_id=$1 AND NOT is_read
	`, recipientID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}
