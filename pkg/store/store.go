package store

import (
	"context"
	"errors"
	"time"

	"creatorhub/pkg/domain"
)

// MaxBatchWrites is the largest number of documents one atomic batch may touch.
const MaxBatchWrites = 500

var (
	// ErrNotFound is returned when a write targets a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrTxConflict is returned when a transaction still conflicts after all retries.
	ErrTxConflict = errors.New("transaction conflict")
	// ErrBatchTooLarge is returned when a batch exceeds MaxBatchWrites.
	ErrBatchTooLarge = errors.New("batch exceeds write limit")
)

// Store defines persistence operations for the interaction ledger.
// Implementations own atomicity: single-record writes are atomic,
// RunInTx commits all or nothing and retries write conflicts itself, and
// MarkNotificationsRead applies as one batch.
type Store interface {
	// users
	GetUser(ctx context.Context, id string) (domain.User, bool, error)
	SetProfileImage(ctx context.Context, userID, url string) error

	// posts & likes
	GetPost(ctx context.Context, id string) (domain.Post, bool, error)
	HasLike(ctx context.Context, postID, userID string) (bool, error)
	AddLike(ctx context.Context, postID, userID string) error
	RemoveLike(ctx context.Context, postID, userID string) error

	// comments
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
	ListComments(ctx context.Context, postID string) ([]domain.Comment, error)

	// notifications
	NotificationOwners(ctx context.Context, ids []string) (map[string]string, error)
	MarkNotificationsRead(ctx context.Context, ids []string) error

	// shop
	GetProduct(ctx context.Context, id string) (domain.Product, bool, error)
	GetCartItem(ctx context.Context, userID, productID string) (domain.CartItem, bool, error)
	SaveCartItem(ctx context.Context, item domain.CartItem) error
	SetCartItemQuantity(ctx context.Context, userID, productID string, quantity int, updatedAt time.Time) error
	DeleteCartItem(ctx context.Context, userID, productID string) error

	// messages
	AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error)

	// settings
	GetSettings(ctx context.Context) (domain.Settings, error)
	SaveSettings(ctx context.Context, settings domain.Settings) error
}

// Tx is the view of the store available inside RunInTx.
type Tx interface {
	// GetPost reads a post and locks it until the transaction ends.
	GetPost(id string) (domain.Post, bool, error)
	// CreateComment stores a comment with a store-assigned ID and timestamp.
	CreateComment(c domain.Comment) (domain.Comment, error)
	// IncrementCommentsCount adds delta to the post's comment counter.
	IncrementCommentsCount(postID string, delta int64) error
}
