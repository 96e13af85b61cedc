package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"creatorhub/pkg/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 51842207

const (
	settingsKey   = "platform"
	txMaxAttempts = 5
	txRetryDelay  = 20 * time.Millisecond
)

// SQLSTATE codes the store reacts to.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgForeignKeyViolation  = "23503"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&UserModel{},
			&PostModel{},
			&PostLikeModel{},
			&CommentModel{},
			&ProductModel{},
			&CartItemModel{},
			&NotificationModel{},
			&MessageModel{},
			&SettingsModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'post_like_models'
					AND constraint_name = 'post_like_models_post_id_fkey'
				) THEN
					ALTER TABLE post_like_models
					ADD CONSTRAINT post_like_models_post_id_fkey
					FOREIGN KEY (post_id) REFERENCES post_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'comment_models'
					AND constraint_name = 'comment_models_post_id_fkey'
				) THEN
					ALTER TABLE comment_models
					ADD CONSTRAINT comment_models_post_id_fkey
					FOREIGN KEY (post_id) REFERENCES post_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'post_models'
					AND constraint_name = 'post_models_comments_count_check'
				) THEN
					ALTER TABLE post_models
					ADD CONSTRAINT post_models_comments_count_check CHECK (comments_count >= 0);
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure post constraints: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return newGormStoreFromDB(db), nil
}

func newGormStoreFromDB(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// GetUser returns a user by ID.
func (s *GormStore) GetUser(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SetProfileImage replaces the user's profile image URL.
func (s *GormStore) SetProfileImage(ctx context.Context, userID, url string) error {
	res := s.db.WithContext(ctx).Model(&UserModel{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"profile_image": url,
			"updated_at":    s.now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPost returns a post together with its like-set.
func (s *GormStore) GetPost(ctx context.Context, id string) (domain.Post, bool, error) {
	db := s.db.WithContext(ctx)
	var model PostModel
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Post{}, false, nil
		}
		return domain.Post{}, false, err
	}
	var likes []string
	if err := db.Model(&PostLikeModel{}).
		Where("post_id = ?", id).
		Order("created_at ASC").
		Pluck("user_id", &likes).Error; err != nil {
		return domain.Post{}, false, err
	}
	post := postFromModel(model)
	post.Likes = likes
	return post, true, nil
}

// HasLike checks like-set membership.
func (s *GormStore) HasLike(ctx context.Context, postID, userID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&PostLikeModel{}).
		Where("post_id = ? AND user_id = ?", postID, userID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// AddLike inserts userID into the like-set; adding an existing member is a no-op.
// A post deleted before the insert yields ErrNotFound.
func (s *GormStore) AddLike(ctx context.Context, postID, userID string) error {
	model := PostLikeModel{PostID: postID, UserID: userID, CreatedAt: s.now()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error
	if pgCode(err) == pgForeignKeyViolation {
		return ErrNotFound
	}
	return err
}

// RemoveLike removes userID from the like-set; removing a non-member is a no-op.
func (s *GormStore) RemoveLike(ctx context.Context, postID, userID string) error {
	return s.db.WithContext(ctx).
		Delete(&PostLikeModel{}, "post_id = ? AND user_id = ?", postID, userID).Error
}

// RunInTx runs fn in one database transaction. Serialization failures and
// deadlocks roll back and rerun fn; errors returned by fn are passed through.
func (s *GormStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= txMaxAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(&gormTx{db: tx})
		})
		if err == nil || !isRetryableTxError(err) {
			return err
		}
		if attempt == txMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * txRetryDelay):
		}
	}
	return fmt.Errorf("%w: %v", ErrTxConflict, err)
}

func isRetryableTxError(err error) bool {
	code := pgCode(err)
	return code == pgSerializationFailure || code == pgDeadlockDetected
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}
	return pgErr.Code
}

type gormTx struct {
	db *gorm.DB
}

// GetPost reads the post row FOR UPDATE. Likes are not loaded.
func (t *gormTx) GetPost(id string) (domain.Post, bool, error) {
	var model PostModel
	if err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Post{}, false, nil
		}
		return domain.Post{}, false, err
	}
	return postFromModel(model), true, nil
}

// CreateComment stamps the comment with the database server's transaction time.
func (t *gormTx) CreateComment(c domain.Comment) (domain.Comment, error) {
	var createdAt time.Time
	if err := t.db.Raw("SELECT now()").Row().Scan(&createdAt); err != nil {
		return domain.Comment{}, fmt.Errorf("read server time: %w", err)
	}
	c.ID = uuid.NewString()
	c.CreatedAt = createdAt.UTC()
	model := commentToModel(c)
	if err := t.db.Create(&model).Error; err != nil {
		return domain.Comment{}, err
	}
	return c, nil
}

func (t *gormTx) IncrementCommentsCount(postID string, delta int64) error {
	res := t.db.Model(&PostModel{}).
		Where("id = ?", postID).
		UpdateColumn("comments_count", gorm.Expr("comments_count + ?", delta))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListComments returns comments of a post in creation order.
func (s *GormStore) ListComments(ctx context.Context, postID string) ([]domain.Comment, error) {
	var models []CommentModel
	if err := s.db.WithContext(ctx).
		Where("post_id = ?", postID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	comments := make([]domain.Comment, 0, len(models))
	for _, m := range models {
		comments = append(comments, commentFromModel(m))
	}
	return comments, nil
}

// NotificationOwners maps each known notification ID to its owner.
func (s *GormStore) NotificationOwners(ctx context.Context, ids []string) (map[string]string, error) {
	owners := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return owners, nil
	}
	var rows []NotificationModel
	if err := s.db.WithContext(ctx).
		Select("id", "user_id").
		Where("id IN ?", ids).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		owners[row.ID] = row.UserID
	}
	return owners, nil
}

// MarkNotificationsRead sets is_read on every ID in one transaction. If any
// ID no longer exists the batch is rolled back with ErrNotFound.
func (s *GormStore) MarkNotificationsRead(ctx context.Context, ids []string) error {
	if len(ids) > MaxBatchWrites {
		return ErrBatchTooLarge
	}
	if len(ids) == 0 {
		return nil
	}
	distinct := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		distinct[id] = struct{}{}
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&NotificationModel{}).
			Where("id IN ?", ids).
			Update("is_read", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(distinct)) {
			return ErrNotFound
		}
		return nil
	})
}

// GetProduct returns a product by ID.
func (s *GormStore) GetProduct(ctx context.Context, id string) (domain.Product, bool, error) {
	var model ProductModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Product{}, false, nil
		}
		return domain.Product{}, false, err
	}
	return domain.Product{
		ID:       model.ID,
		Title:    model.Title,
		Price:    model.Price,
		ImageURL: model.ImageURL,
	}, true, nil
}

// GetCartItem returns one cart line.
func (s *GormStore) GetCartItem(ctx context.Context, userID, productID string) (domain.CartItem, bool, error) {
	var model CartItemModel
	if err := s.db.WithContext(ctx).
		First(&model, "user_id = ? AND product_id = ?", userID, productID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.CartItem{}, false, nil
		}
		return domain.CartItem{}, false, err
	}
	return cartItemFromModel(model), true, nil
}

// SaveCartItem upserts a cart line. added_at is only written on insert.
func (s *GormStore) SaveCartItem(ctx context.Context, item domain.CartItem) error {
	model := cartItemToModel(item)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "product_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"quantity", "title", "price", "image_url", "updated_at"}),
	}).Create(&model).Error
}

// SetCartItemQuantity overwrites the quantity of an existing cart line.
func (s *GormStore) SetCartItemQuantity(ctx context.Context, userID, productID string, quantity int, updatedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&CartItemModel{}).
		Where("user_id = ? AND product_id = ?", userID, productID).
		Updates(map[string]any{
			"quantity":   quantity,
			"updated_at": updatedAt.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCartItem removes a cart line if present.
func (s *GormStore) DeleteCartItem(ctx context.Context, userID, productID string) error {
	return s.db.WithContext(ctx).
		Delete(&CartItemModel{}, "user_id = ? AND product_id = ?", userID, productID).Error
}

// AppendMessage records a new message with a store-assigned ID.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	msg.ID = uuid.NewString()
	msg.CreatedAt = s.now()
	model := messageToModel(msg)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// GetSettings returns platform settings; missing settings yield empty values.
func (s *GormStore) GetSettings(ctx context.Context) (domain.Settings, error) {
	var model SettingsModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", settingsKey).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Settings{Values: map[string]any{}}, nil
		}
		return domain.Settings{}, err
	}
	values := map[string]any{}
	if len(model.Values) > 0 {
		if err := json.Unmarshal(model.Values, &values); err != nil {
			return domain.Settings{}, fmt.Errorf("decode settings: %w", err)
		}
	}
	return domain.Settings{
		Values:    values,
		UpdatedBy: model.UpdatedBy,
		UpdatedAt: model.UpdatedAt,
	}, nil
}

// SaveSettings replaces the platform settings document.
func (s *GormStore) SaveSettings(ctx context.Context, settings domain.Settings) error {
	raw, err := json.Marshal(settings.Values)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	model := SettingsModel{
		ID:        settingsKey,
		Values:    raw,
		UpdatedBy: strings.TrimSpace(settings.UpdatedBy),
		UpdatedAt: settings.UpdatedAt.UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"values", "updated_by", "updated_at"}),
	}).Create(&model).Error
}

func userFromModel(m UserModel) domain.User {
	role := domain.UserRole(m.Role)
	if role == "" {
		role = domain.RoleMember
	}
	return domain.User{
		ID:           m.ID,
		DisplayName:  m.DisplayName,
		ProfileImage: m.ProfileImage,
		Role:         role,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func postFromModel(m PostModel) domain.Post {
	return domain.Post{
		ID:            m.ID,
		AuthorID:      m.AuthorID,
		Content:       m.Content,
		CommentsCount: m.CommentsCount,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func commentToModel(c domain.Comment) CommentModel {
	return CommentModel{
		ID:          c.ID,
		PostID:      c.PostID,
		AuthorID:    c.AuthorID,
		AuthorName:  c.AuthorName,
		AuthorImage: c.AuthorImage,
		Content:     c.Content,
		CreatedAt:   c.CreatedAt,
	}
}

func commentFromModel(m CommentModel) domain.Comment {
	return domain.Comment{
		ID:          m.ID,
		PostID:      m.PostID,
		AuthorID:    m.AuthorID,
		AuthorName:  m.AuthorName,
		AuthorImage: m.AuthorImage,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt,
	}
}

func cartItemToModel(item domain.CartItem) CartItemModel {
	return CartItemModel{
		UserID:    item.UserID,
		ProductID: item.ProductID,
		Quantity:  item.Quantity,
		Title:     item.Title,
		Price:     item.Price,
		ImageURL:  item.ImageURL,
		AddedAt:   item.AddedAt.UTC(),
		UpdatedAt: item.UpdatedAt.UTC(),
	}
}

func cartItemFromModel(m CartItemModel) domain.CartItem {
	return domain.CartItem{
		UserID:    m.UserID,
		ProductID: m.ProductID,
		Quantity:  m.Quantity,
		Title:     m.Title,
		Price:     m.Price,
		ImageURL:  m.ImageURL,
		AddedAt:   m.AddedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	msgType := msg.Type
	if msgType == "" {
		msgType = domain.MessageTypeText
	}
	return MessageModel{
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Message:    msg.Message,
		Type:       msgType,
		IsRead:     msg.IsRead,
		CreatedAt:  msg.CreatedAt,
	}
}

var _ Store = (*GormStore)(nil)
