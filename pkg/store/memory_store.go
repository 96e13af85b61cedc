package store

import (
	"context"
	"sync"
	"time"

	"creatorhub/pkg/domain"
	"github.com/google/uuid"
)

// MemoryStore keeps ledger data in-process. It serializes every write
// behind one mutex, which gives it the same atomicity guarantees as the
// Postgres store, and it can inject transaction conflicts for tests.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]domain.User
	posts         map[string]domain.Post
	likes         map[string]map[string]struct{} // postID -> user IDs
	likeOrder     map[string][]string
	comments      map[string][]domain.Comment // postID -> comments
	products      map[string]domain.Product
	cart          map[cartKey]domain.CartItem
	notifications map[string]domain.Notification
	messages      []domain.Message
	settings      domain.Settings

	now              func() time.Time
	txHook           func(attempt int)
	pendingConflicts int
	txAttempts       int
}

type cartKey struct {
	userID    string
	productID string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		posts:         make(map[string]domain.Post),
		likes:         make(map[string]map[string]struct{}),
		likeOrder:     make(map[string][]string),
		comments:      make(map[string][]domain.Comment),
		products:      make(map[string]domain.Product),
		cart:          make(map[cartKey]domain.CartItem),
		notifications: make(map[string]domain.Notification),
		settings:      domain.Settings{Values: map[string]any{}},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the timestamp source used for store-assigned times.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetTxHook registers fn to run before every RunInTx attempt, outside the
// store lock, so it can mutate the store between a caller's reads and its
// transaction.
func (m *MemoryStore) SetTxHook(fn func(attempt int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txHook = fn
}

// InjectTxConflicts makes the next n transaction commits fail with a write
// conflict. RunInTx retries them like the Postgres store does.
func (m *MemoryStore) InjectTxConflicts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingConflicts = n
}

// TxAttempts returns how many transaction attempts have run.
func (m *MemoryStore) TxAttempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.txAttempts
}

// PutUser stores or replaces a user.
func (m *MemoryStore) PutUser(u domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// PutPost stores or replaces a post, including its like-set.
func (m *MemoryStore) PutPost(p domain.Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := make(map[string]struct{}, len(p.Likes))
	order := make([]string, 0, len(p.Likes))
	for _, id := range p.Likes {
		if _, ok := members[id]; ok {
			continue
		}
		members[id] = struct{}{}
		order = append(order, id)
	}
	p.Likes = nil
	m.posts[p.ID] = p
	m.likes[p.ID] = members
	m.likeOrder[p.ID] = order
}

// DeletePost removes a post with its likes and comments.
func (m *MemoryStore) DeletePost(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.posts, id)
	delete(m.likes, id)
	delete(m.likeOrder, id)
	delete(m.comments, id)
}

// PutProduct stores or replaces a product.
func (m *MemoryStore) PutProduct(p domain.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

// PutNotification stores or replaces a notification.
func (m *MemoryStore) PutNotification(n domain.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = n
}

// GetNotification returns a notification by ID.
func (m *MemoryStore) GetNotification(id string) (domain.Notification, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	return n, ok
}

// ListMessages returns all messages in append order.
func (m *MemoryStore) ListMessages() []domain.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) SetProfileImage(_ context.Context, userID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.ProfileImage = url
	u.UpdatedAt = m.now()
	m.users[userID] = u
	return nil
}

func (m *MemoryStore) GetPost(_ context.Context, id string) (domain.Post, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.posts[id]
	if !ok {
		return domain.Post{}, false, nil
	}
	p.Likes = append([]string{}, m.likeOrder[id]...)
	return p, true, nil
}

func (m *MemoryStore) HasLike(_ context.Context, postID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.likes[postID][userID]
	return ok, nil
}

func (m *MemoryStore) AddLike(_ context.Context, postID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[postID]; !ok {
		return ErrNotFound
	}
	members := m.likes[postID]
	if _, ok := members[userID]; ok {
		return nil
	}
	members[userID] = struct{}{}
	m.likeOrder[postID] = append(m.likeOrder[postID], userID)
	return nil
}

func (m *MemoryStore) RemoveLike(_ context.Context, postID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.likes[postID]
	if !ok {
		return nil
	}
	if _, ok := members[userID]; !ok {
		return nil
	}
	delete(members, userID)
	order := m.likeOrder[postID][:0]
	for _, id := range m.likeOrder[postID] {
		if id != userID {
			order = append(order, id)
		}
	}
	m.likeOrder[postID] = order
	return nil
}

// RunInTx runs fn under the store lock with staged writes. Writes become
// visible only when fn returns nil and the commit is not rejected by an
// injected conflict; rejected commits are retried.
func (m *MemoryStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	for attempt := 1; attempt <= txMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.mu.RLock()
		hook := m.txHook
		m.mu.RUnlock()
		if hook != nil {
			hook(attempt)
		}

		m.mu.Lock()
		m.txAttempts++
		tx := &memoryTx{store: m, deltas: make(map[string]int64)}
		if err := fn(tx); err != nil {
			m.mu.Unlock()
			return err
		}
		if m.pendingConflicts > 0 {
			m.pendingConflicts--
			m.mu.Unlock()
			continue
		}
		tx.commit()
		m.mu.Unlock()
		return nil
	}
	return ErrTxConflict
}

// memoryTx runs with MemoryStore.mu held.
type memoryTx struct {
	store    *MemoryStore
	comments []domain.Comment
	deltas   map[string]int64
}

func (t *memoryTx) GetPost(id string) (domain.Post, bool, error) {
	p, ok := t.store.posts[id]
	if !ok {
		return domain.Post{}, false, nil
	}
	p.CommentsCount += t.deltas[id]
	return p, true, nil
}

func (t *memoryTx) CreateComment(c domain.Comment) (domain.Comment, error) {
	if _, ok := t.store.posts[c.PostID]; !ok {
		return domain.Comment{}, ErrNotFound
	}
	c.ID = uuid.NewString()
	c.CreatedAt = t.store.now()
	t.comments = append(t.comments, c)
	return c, nil
}

func (t *memoryTx) IncrementCommentsCount(postID string, delta int64) error {
	if _, ok := t.store.posts[postID]; !ok {
		return ErrNotFound
	}
	t.deltas[postID] += delta
	return nil
}

func (t *memoryTx) commit() {
	for _, c := range t.comments {
		t.store.comments[c.PostID] = append(t.store.comments[c.PostID], c)
	}
	for postID, delta := range t.deltas {
		p := t.store.posts[postID]
		p.CommentsCount += delta
		t.store.posts[postID] = p
	}
}

func (m *MemoryStore) ListComments(_ context.Context, postID string) ([]domain.Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Comment, len(m.comments[postID]))
	copy(out, m.comments[postID])
	return out, nil
}

func (m *MemoryStore) NotificationOwners(_ context.Context, ids []string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owners := make(map[string]string, len(ids))
	for _, id := range ids {
		if n, ok := m.notifications[id]; ok {
			owners[id] = n.UserID
		}
	}
	return owners, nil
}

// MarkNotificationsRead applies the batch only if every ID exists.
func (m *MemoryStore) MarkNotificationsRead(_ context.Context, ids []string) error {
	if len(ids) > MaxBatchWrites {
		return ErrBatchTooLarge
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.notifications[id]; !ok {
			return ErrNotFound
		}
	}
	for _, id := range ids {
		n := m.notifications[id]
		n.IsRead = true
		m.notifications[id] = n
	}
	return nil
}

func (m *MemoryStore) GetProduct(_ context.Context, id string) (domain.Product, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	return p, ok, nil
}

func (m *MemoryStore) GetCartItem(_ context.Context, userID, productID string) (domain.CartItem, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.cart[cartKey{userID: userID, productID: productID}]
	return item, ok, nil
}

// SaveCartItem upserts a cart line, keeping the stored addedAt on update.
func (m *MemoryStore) SaveCartItem(_ context.Context, item domain.CartItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cartKey{userID: item.UserID, productID: item.ProductID}
	if existing, ok := m.cart[key]; ok {
		item.AddedAt = existing.AddedAt
	}
	m.cart[key] = item
	return nil
}

func (m *MemoryStore) SetCartItemQuantity(_ context.Context, userID, productID string, quantity int, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cartKey{userID: userID, productID: productID}
	item, ok := m.cart[key]
	if !ok {
		return ErrNotFound
	}
	item.Quantity = quantity
	item.UpdatedAt = updatedAt.UTC()
	m.cart[key] = item
	return nil
}

func (m *MemoryStore) DeleteCartItem(_ context.Context, userID, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cart, cartKey{userID: userID, productID: productID})
	return nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = uuid.NewString()
	msg.CreatedAt = m.now()
	if msg.Type == "" {
		msg.Type = domain.MessageTypeText
	}
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *MemoryStore) GetSettings(_ context.Context) (domain.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copySettings(m.settings), nil
}

func (m *MemoryStore) SaveSettings(_ context.Context, settings domain.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = copySettings(settings)
	return nil
}

func copySettings(s domain.Settings) domain.Settings {
	values := make(map[string]any, len(s.Values))
	for k, v := range s.Values {
		values[k] = v
	}
	s.Values = values
	return s
}

var _ Store = (*MemoryStore)(nil)
