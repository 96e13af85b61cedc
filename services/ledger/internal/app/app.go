package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"creatorhub/internal/authz"
	"creatorhub/internal/util"
	"creatorhub/pkg/domain"
	"creatorhub/pkg/events"
	"creatorhub/pkg/storage"
	"creatorhub/pkg/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	maxCommentRunes       = 2000
	maxMessageRunes       = 4000
	defaultMaxAvatarBytes = 5 << 20
)

var avatarExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// Config holds runtime dependencies for the ledger application.
type Config struct {
	Store store.Store
	// Events receives committed interactions. Nil disables publishing.
	Events events.Publisher
	// Objects stores uploaded avatars. Nil disables avatar upload.
	Objects        storage.ObjectStore
	MaxAvatarBytes int64
	Clock          func() time.Time
}

// App implements the interaction ledger on top of a store.
type App struct {
	store          store.Store
	events         events.Publisher
	objects        storage.ObjectStore
	maxAvatarBytes int64
	now            func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	maxAvatar := cfg.MaxAvatarBytes
	if maxAvatar <= 0 {
		maxAvatar = defaultMaxAvatarBytes
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &App{
		store:          cfg.Store,
		events:         publisher,
		objects:        cfg.Objects,
		maxAvatarBytes: maxAvatar,
		now:            clock,
	}, nil
}

// ToggleLike flips userID's membership in the post's like-set and reports
// whether the post is now liked.
//
// Membership is read before the mutation, so concurrent toggles by the same
// user may report a stale outcome. The stored set stays consistent because
// both mutations are idempotent set operations.
func (a *App) ToggleLike(ctx context.Context, postID, userID string) (bool, error) {
	postID = strings.TrimSpace(postID)
	userID = strings.TrimSpace(userID)
	if postID == "" || userID == "" {
		return false, newError(ErrInvalidInput, "postId and userId required")
	}
	_, ok, err := a.store.GetPost(ctx, postID)
	if err != nil {
		return false, fmt.Errorf("get post: %w", err)
	}
	if !ok {
		return false, newError(ErrNotFound, "post not found")
	}
	liked, err := a.store.HasLike(ctx, postID, userID)
	if err != nil {
		return false, fmt.Errorf("check like: %w", err)
	}

	evType := events.TypePostLiked
	if liked {
		err = a.store.RemoveLike(ctx, postID, userID)
		evType = events.TypePostUnliked
	} else {
		err = a.store.AddLike(ctx, postID, userID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, newError(ErrNotFound, "post not found")
	}
	if err != nil {
		return false, fmt.Errorf("toggle like: %w", err)
	}
	a.publish(ctx, events.Event{Type: evType, ActorID: userID, SubjectID: postID})
	return !liked, nil
}

// CommentInput is the payload of AppendComment.
type CommentInput struct {
	PostID   string
	AuthorID string
	Content  string
}

// AppendComment creates a comment and increments the post's comment counter
// in one store transaction. The author's display fields are snapshotted.
func (a *App) AppendComment(ctx context.Context, in CommentInput) (domain.Comment, error) {
	postID := strings.TrimSpace(in.PostID)
	authorID := strings.TrimSpace(in.AuthorID)
	content := strings.TrimSpace(in.Content)
	if postID == "" || authorID == "" || content == "" {
		return domain.Comment{}, newError(ErrInvalidInput, "postId, authorId and content required")
	}
	if utf8.RuneCountInString(content) > maxCommentRunes {
		return domain.Comment{}, newError(ErrInvalidInput, fmt.Sprintf("comment exceeds %d characters", maxCommentRunes))
	}

	var (
		author           domain.User
		authorOK, postOK bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		author, authorOK, err = a.store.GetUser(gctx, authorID)
		return err
	})
	g.Go(func() error {
		var err error
		_, postOK, err = a.store.GetPost(gctx, postID)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.Comment{}, fmt.Errorf("load comment context: %w", err)
	}
	if !authorOK {
		return domain.Comment{}, newError(ErrNotFound, "author not found")
	}
	if !postOK {
		return domain.Comment{}, newError(ErrNotFound, "post not found")
	}

	var created domain.Comment
	err := a.store.RunInTx(ctx, func(tx store.Tx) error {
		_, ok, err := tx.GetPost(postID)
		if err != nil {
			return err
		}
		if !ok {
			return newError(ErrConflict, "post no longer exists")
		}
		created, err = tx.CreateComment(domain.Comment{
			PostID:      postID,
			AuthorID:    authorID,
			AuthorName:  author.DisplayName,
			AuthorImage: author.ProfileImage,
			Content:     content,
		})
		if err != nil {
			return err
		}
		return tx.IncrementCommentsCount(postID, 1)
	})
	if err != nil {
		var appErr *Error
		switch {
		case errors.As(err, &appErr):
			return domain.Comment{}, err
		case errors.Is(err, store.ErrNotFound):
			return domain.Comment{}, newError(ErrConflict, "post no longer exists")
		case errors.Is(err, store.ErrTxConflict):
			return domain.Comment{}, newError(ErrConflict, "comment could not be saved, please retry")
		}
		return domain.Comment{}, fmt.Errorf("append comment: %w", err)
	}
	a.publish(ctx, events.Event{
		Type:      events.TypeCommentCreated,
		ActorID:   authorID,
		SubjectID: postID,
		Payload:   map[string]any{"commentId": created.ID},
	})
	return created, nil
}

// ListComments returns a post's comments, oldest first.
func (a *App) ListComments(ctx context.Context, postID string) ([]domain.Comment, error) {
	postID = strings.TrimSpace(postID)
	if postID == "" {
		return nil, newError(ErrInvalidInput, "postId required")
	}
	_, ok, err := a.store.GetPost(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("get post: %w", err)
	}
	if !ok {
		return nil, newError(ErrNotFound, "post not found")
	}
	comments, err := a.store.ListComments(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return comments, nil
}

// MarkNotificationsRead marks every listed notification read as one batch.
// The whole request is rejected when any id is not owned by userID.
func (a *App) MarkNotificationsRead(ctx context.Context, userID string, ids []string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return newError(ErrInvalidInput, "userId required")
	}
	if len(ids) == 0 {
		return newError(ErrInvalidInput, "notificationIds required")
	}
	if len(ids) > store.MaxBatchWrites {
		return newError(ErrLimitExceeded, fmt.Sprintf("at most %d notifications per request", store.MaxBatchWrites))
	}
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			return newError(ErrInvalidInput, "notificationIds must not contain empty ids")
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	owners, err := a.store.NotificationOwners(ctx, unique)
	if err != nil {
		return fmt.Errorf("load notification owners: %w", err)
	}
	for _, id := range unique {
		if owners[id] != userID {
			return newError(ErrForbidden, "notifications do not belong to user")
		}
	}

	err = a.store.MarkNotificationsRead(ctx, unique)
	switch {
	case errors.Is(err, store.ErrBatchTooLarge):
		return newError(ErrLimitExceeded, fmt.Sprintf("at most %d notifications per request", store.MaxBatchWrites))
	case errors.Is(err, store.ErrNotFound):
		return newError(ErrConflict, "notifications changed, please retry")
	case err != nil:
		return fmt.Errorf("mark notifications read: %w", err)
	}
	a.publish(ctx, events.Event{
		Type:    events.TypeNotificationsRead,
		ActorID: userID,
		Payload: map[string]any{"notificationIds": unique},
	})
	return nil
}

// AddToCart merges quantity into the user's cart line for productID and
// refreshes the product snapshot.
//
// The read and the write are separate store calls; concurrent adds for the
// same line can lose an increment.
func (a *App) AddToCart(ctx context.Context, userID, productID string, quantity int) (domain.CartItem, error) {
	userID = strings.TrimSpace(userID)
	productID = strings.TrimSpace(productID)
	if userID == "" || productID == "" {
		return domain.CartItem{}, newError(ErrInvalidInput, "userId and productId required")
	}
	if quantity <= 0 {
		return domain.CartItem{}, newError(ErrInvalidInput, "quantity must be positive")
	}

	var (
		product            domain.Product
		existing           domain.CartItem
		productOK, hasItem bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		product, productOK, err = a.store.GetProduct(gctx, productID)
		return err
	})
	g.Go(func() error {
		var err error
		existing, hasItem, err = a.store.GetCartItem(gctx, userID, productID)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.CartItem{}, fmt.Errorf("load cart context: %w", err)
	}
	if !productOK {
		return domain.CartItem{}, newError(ErrNotFound, "product not found")
	}

	now := a.now()
	item := domain.CartItem{
		UserID:    userID,
		ProductID: productID,
		Quantity:  quantity,
		Title:     product.Title,
		Price:     product.Price,
		ImageURL:  product.ImageURL,
		AddedAt:   now,
		UpdatedAt: now,
	}
	if hasItem {
		item.Quantity += existing.Quantity
		item.AddedAt = existing.AddedAt
	}
	if err := a.store.SaveCartItem(ctx, item); err != nil {
		return domain.CartItem{}, fmt.Errorf("save cart item: %w", err)
	}
	a.publishCart(ctx, userID, productID, item.Quantity)
	return item, nil
}

// UpdateCartItem sets the quantity of an existing cart line. Zero is stored;
// a line that does not exist is NotFound for every quantity.
func (a *App) UpdateCartItem(ctx context.Context, userID, productID string, quantity int) error {
	userID = strings.TrimSpace(userID)
	productID = strings.TrimSpace(productID)
	if userID == "" || productID == "" {
		return newError(ErrInvalidInput, "userId and productId required")
	}
	if quantity < 0 {
		return newError(ErrInvalidInput, "quantity must not be negative")
	}
	err := a.store.SetCartItemQuantity(ctx, userID, productID, quantity, a.now())
	if errors.Is(err, store.ErrNotFound) {
		return newError(ErrNotFound, "cart item not found")
	}
	if err != nil {
		return fmt.Errorf("update cart item: %w", err)
	}
	a.publishCart(ctx, userID, productID, quantity)
	return nil
}

// RemoveFromCart deletes a cart line. Removing a missing line succeeds.
func (a *App) RemoveFromCart(ctx context.Context, userID, productID string) error {
	userID = strings.TrimSpace(userID)
	productID = strings.TrimSpace(productID)
	if userID == "" || productID == "" {
		return newError(ErrInvalidInput, "userId and productId required")
	}
	if err := a.store.DeleteCartItem(ctx, userID, productID); err != nil {
		return fmt.Errorf("remove cart item: %w", err)
	}
	a.publishCart(ctx, userID, productID, 0)
	return nil
}

// SendMessage appends an unread text message from senderID to receiverID.
func (a *App) SendMessage(ctx context.Context, senderID, receiverID, text string) (domain.Message, error) {
	senderID = strings.TrimSpace(senderID)
	receiverID = strings.TrimSpace(receiverID)
	text = strings.TrimSpace(text)
	if senderID == "" || receiverID == "" || text == "" {
		return domain.Message{}, newError(ErrInvalidInput, "senderId, receiverId and message required")
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		return domain.Message{}, newError(ErrInvalidInput, fmt.Sprintf("message exceeds %d characters", maxMessageRunes))
	}
	msg, err := a.store.AppendMessage(ctx, domain.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Message:    text,
		Type:       domain.MessageTypeText,
		IsRead:     false,
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}
	a.publish(ctx, events.Event{
		Type:      events.TypeMessageSent,
		ActorID:   senderID,
		SubjectID: receiverID,
		Payload:   map[string]any{"messageId": msg.ID},
	})
	return msg, nil
}

// GetSettings returns the platform settings document.
func (a *App) GetSettings(ctx context.Context, role domain.UserRole) (domain.Settings, error) {
	if !authz.Allow(role, authz.ActionReadSettings) {
		return domain.Settings{}, newError(ErrForbidden, "insufficient role")
	}
	settings, err := a.store.GetSettings(ctx)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return settings, nil
}

// UpdateSettings merges values into the platform settings document.
// A nil value removes the key.
func (a *App) UpdateSettings(ctx context.Context, userID string, role domain.UserRole, values map[string]any) (domain.Settings, error) {
	if !authz.Allow(role, authz.ActionUpdateSettings) {
		return domain.Settings{}, newError(ErrForbidden, "insufficient role")
	}
	if len(values) == 0 {
		return domain.Settings{}, newError(ErrInvalidInput, "settings values required")
	}
	current, err := a.store.GetSettings(ctx)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	merged := make(map[string]any, len(current.Values)+len(values))
	for k, v := range current.Values {
		merged[k] = v
	}
	for k, v := range values {
		k = strings.TrimSpace(k)
		if k == "" {
			return domain.Settings{}, newError(ErrInvalidInput, "settings keys must not be empty")
		}
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	next := domain.Settings{Values: merged, UpdatedBy: userID, UpdatedAt: a.now()}
	if err := a.store.SaveSettings(ctx, next); err != nil {
		return domain.Settings{}, fmt.Errorf("save settings: %w", err)
	}
	util.LoggerFromContext(ctx).Info("settings updated", "user_id", userID, "keys", len(values))
	return next, nil
}

// AvatarUpload is the payload of UploadAvatar.
type AvatarUpload struct {
	UserID      string
	ContentType string
	Size        int64
	Body        io.Reader
}

// UploadAvatar stores a profile image and points the user's profileImage at
// it. Later comments snapshot the new URL.
func (a *App) UploadAvatar(ctx context.Context, in AvatarUpload) (string, error) {
	if a.objects == nil {
		return "", newError(ErrUnavailable, "avatar storage not configured")
	}
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return "", newError(ErrUnauthorized, "unauthorized")
	}
	contentType := strings.ToLower(strings.TrimSpace(in.ContentType))
	ext, ok := avatarExtensions[contentType]
	if !ok {
		return "", newError(ErrInvalidInput, "avatar must be a jpeg, png, webp or gif image")
	}
	if in.Size <= 0 || in.Body == nil {
		return "", newError(ErrInvalidInput, "avatar file required")
	}
	if in.Size > a.maxAvatarBytes {
		return "", newError(ErrTooLarge, "avatar too large")
	}
	if _, ok, err := a.store.GetUser(ctx, userID); err != nil {
		return "", fmt.Errorf("get user: %w", err)
	} else if !ok {
		return "", newError(ErrNotFound, "user not found")
	}

	key := path.Join("avatars", userID, uuid.NewString()+ext)
	if err := a.objects.Put(ctx, key, in.Body, in.Size, contentType); err != nil {
		return "", fmt.Errorf("store avatar: %w", err)
	}
	url := a.objects.URL(key)
	if err := a.store.SetProfileImage(ctx, userID, url); err != nil {
		if delErr := a.objects.Delete(ctx, key); delErr != nil {
			util.LoggerFromContext(ctx).Warn("avatar cleanup failed", "key", key, "err", delErr)
		}
		if errors.Is(err, store.ErrNotFound) {
			return "", newError(ErrNotFound, "user not found")
		}
		return "", fmt.Errorf("set profile image: %w", err)
	}
	return url, nil
}

func (a *App) publishCart(ctx context.Context, userID, productID string, quantity int) {
	a.publish(ctx, events.Event{
		Type:      events.TypeCartUpdated,
		ActorID:   userID,
		SubjectID: productID,
		Payload:   map[string]any{"quantity": quantity},
	})
}

// publish is best effort: the write already committed.
func (a *App) publish(ctx context.Context, ev events.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = a.now()
	}
	if err := a.events.Publish(ctx, ev); err != nil {
		util.LoggerFromContext(ctx).Warn("publish interaction event failed", "type", ev.Type, "err", err)
	}
}
