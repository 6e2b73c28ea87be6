package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emarket-platform/pkg/clock"
	"github.com/emarket-platform/services/wallet/internal/domain"
)

// MemoryStore is an in-process ledger store for tests and local runs.
// Writes are staged per unit of work and applied atomically at commit after
// version and status checks, mirroring the guarantees of PostgresStore.
type MemoryStore struct {
	clock      clock.Clock
	optimistic bool

	mu       sync.Mutex
	wallets  map[string]*domain.Wallet
	txs      map[uuid.UUID]*domain.Transaction
	order    []uuid.UUID
	byKey    map[string]uuid.UUID
	byRef    map[uuid.UUID]uuid.UUID
	audit    map[uuid.UUID][]*domain.AuditRecord
	userLock map[string]*sync.Mutex
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithOptimisticOnly disables per-wallet locks; concurrent units of work are
// detected at commit and fail with domain.ErrConflict.
func WithOptimisticOnly() MemoryOption {
	return func(s *MemoryStore) { s.optimistic = true }
}

// NewMemoryStore creates an empty store
func NewMemoryStore(clk clock.Clock, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		clock:    clk,
		wallets:  make(map[string]*domain.Wallet),
		txs:      make(map[uuid.UUID]*domain.Transaction),
		byKey:    make(map[string]uuid.UUID),
		byRef:    make(map[uuid.UUID]uuid.UUID),
		audit:    make(map[uuid.UUID][]*domain.AuditRecord),
		userLock: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) lockFor(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.userLock[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLock[userID] = l
	}
	return l
}

// WithinWallets runs fn against staged copies of the wallets of userIDs
func (s *MemoryStore) WithinWallets(ctx context.Context, userIDs []string, fn func(LedgerTx) error) error {
	ids := lockOrder(userIDs)
	if len(ids) == 0 {
		return fmt.Errorf("%w: no wallet to lock", domain.ErrInvalidRequest)
	}

	if !s.optimistic {
		for _, id := range ids {
			l := s.lockFor(id)
			l.Lock()
			defer l.Unlock()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mtx := &memLedgerTx{
		store:   s,
		wallets: make(map[string]*domain.Wallet, len(ids)),
		created: make(map[string]bool),
		upserts: make(map[string]walletWrite),
		updates: make(map[uuid.UUID]txUpdate),
	}

	now := s.clock.Now()
	s.mu.Lock()
	for _, id := range ids {
		if w, ok := s.wallets[id]; ok {
			mtx.wallets[id] = w.Clone()
			continue
		}
		mtx.wallets[id] = domain.NewWallet(id, now)
		mtx.created[id] = true
	}
	s.mu.Unlock()

	if err := fn(mtx); err != nil {
		return err
	}
	return s.commit(mtx)
}

func (s *MemoryStore) commit(m *memLedgerTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for userID, wr := range m.upserts {
		cur, exists := s.wallets[userID]
		switch {
		case m.created[userID] && exists:
			return domain.ErrConflict
		case exists && cur.Version != wr.expected:
			return domain.ErrConflict
		}
	}
	keys := make(map[string]bool)
	refs := make(map[uuid.UUID]bool)
	for _, tx := range m.inserts {
		if _, dup := s.byKey[tx.IdempotencyKey]; dup || keys[tx.IdempotencyKey] {
			return fmt.Errorf("%w: idempotency_key %s", domain.ErrDuplicateKey, tx.IdempotencyKey)
		}
		keys[tx.IdempotencyKey] = true
		if tx.ReferenceID != nil {
			if _, dup := s.byRef[*tx.ReferenceID]; dup || refs[*tx.ReferenceID] {
				return fmt.Errorf("%w: reference_id %s", domain.ErrDuplicateKey, tx.ReferenceID)
			}
			refs[*tx.ReferenceID] = true
		}
	}
	for id, u := range m.updates {
		cur, ok := s.txs[id]
		if !ok || cur.Status != u.from {
			return domain.ErrConflict
		}
	}

	for userID := range m.created {
		if _, exists := s.wallets[userID]; !exists {
			s.wallets[userID] = m.wallets[userID].Clone()
		}
	}
	for userID, wr := range m.upserts {
		s.wallets[userID] = wr.wallet.Clone()
	}
	for _, tx := range m.inserts {
		c := cloneTx(tx)
		s.txs[c.ID] = c
		s.order = append(s.order, c.ID)
		s.byKey[c.IdempotencyKey] = c.ID
		if c.ReferenceID != nil {
			s.byRef[*c.ReferenceID] = c.ID
		}
	}
	for id, u := range m.updates {
		cur := s.txs[id]
		cur.Status = u.tx.Status
		cur.CompletedAt = u.tx.CompletedAt
		cur.FailedReason = u.tx.FailedReason
		if cur.PaymentID == nil {
			cur.PaymentID = u.tx.PaymentID
		}
	}
	for _, rec := range m.audits {
		c := *rec
		s.audit[c.WalletID] = append(s.audit[c.WalletID], &c)
	}
	return nil
}

// GetWallet retrieves wallet by user ID
func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*domain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, domain.ErrWalletNotFound
	}
	return w.Clone(), nil
}

// GetTransaction retrieves transaction by ID
func (s *MemoryStore) GetTransaction(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *MemoryStore) getLocked(id uuid.UUID) (*domain.Transaction, error) {
	tx, ok := s.txs[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return cloneTx(tx), nil
}

// GetTransactionByKey retrieves transaction by idempotency key
func (s *MemoryStore) GetTransactionByKey(_ context.Context, key string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return s.getLocked(id)
}

// GetTransactionByPaymentID retrieves the transaction a gateway reference was attached to
func (s *MemoryStore) GetTransactionByPaymentID(_ context.Context, paymentID string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if tx := s.txs[id]; tx.PaymentID != nil && *tx.PaymentID == paymentID {
			return cloneTx(tx), nil
		}
	}
	return nil, domain.ErrTransactionNotFound
}

// GetTransactionByReference retrieves the transaction referencing id
func (s *MemoryStore) GetTransactionByReference(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.byRef[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return s.getLocked(ref)
}

// ListTransactions retrieves a user's transactions, newest first
func (s *MemoryStore) ListTransactions(_ context.Context, f domain.TransactionFilter) ([]*domain.Transaction, error) {
	s.mu.Lock()
	var out []*domain.Transaction
	for i := len(s.order) - 1; i >= 0; i-- {
		tx := s.txs[s.order[i]]
		if tx.UserID != f.UserID ||
			(f.Type != "" && tx.Type != f.Type) ||
			(f.Status != "" && tx.Status != f.Status) ||
			(f.OrderID != "" && domain.Deref(tx.OrderID) != f.OrderID) ||
			(f.From != nil && tx.CreatedAt.Before(*f.From)) ||
			(f.To != nil && !tx.CreatedAt.Before(*f.To)) {
			continue
		}
		out = append(out, cloneTx(tx))
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	limit, offset := pageBounds(f.Limit, f.Offset)
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListStalePending retrieves pending deposits and withdrawals created before cutoff
func (s *MemoryStore) ListStalePending(_ context.Context, cutoff time.Time, limit int) ([]*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Transaction
	for _, id := range s.order {
		tx := s.txs[id]
		if tx.Status == domain.TxStatusPending && tx.IsGatewayBacked() && tx.CreatedAt.Before(cutoff) {
			out = append(out, cloneTx(tx))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListForReplay retrieves every transaction of a wallet in ledger order
func (s *MemoryStore) ListForReplay(_ context.Context, walletID uuid.UUID) ([]*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Transaction
	for _, id := range s.order {
		if tx := s.txs[id]; tx.WalletID == walletID {
			out = append(out, cloneTx(tx))
		}
	}
	return out, nil
}

// ListAudit retrieves a wallet's audit chain in append order
func (s *MemoryStore) ListAudit(_ context.Context, walletID uuid.UUID) ([]*domain.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.audit[walletID]
	out := make([]*domain.AuditRecord, len(recs))
	for i, r := range recs {
		c := *r
		out[i] = &c
	}
	return out, nil
}

// TamperTransaction overwrites a committed transaction in place. Test helper
// for integrity checks; bypasses every guard.
func (s *MemoryStore) TamperTransaction(id uuid.UUID, mutate func(*domain.Transaction)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.txs[id]; ok {
		mutate(tx)
	}
}

type walletWrite struct {
	wallet   *domain.Wallet
	expected int64
}

type txUpdate struct {
	tx   *domain.Transaction
	from domain.TransactionStatus
}

// memLedgerTx stages writes until commit
type memLedgerTx struct {
	store   *MemoryStore
	wallets map[string]*domain.Wallet
	created map[string]bool
	upserts map[string]walletWrite
	inserts []*domain.Transaction
	updates map[uuid.UUID]txUpdate
	audits  []*domain.AuditRecord
}

func (m *memLedgerTx) Wallet(userID string) (*domain.Wallet, error) {
	w, ok := m.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("%w: wallet %q not locked", domain.ErrInvalidRequest, userID)
	}
	return w.Clone(), nil
}

func (m *memLedgerTx) UpsertWallet(_ context.Context, w *domain.Wallet, expectedVersion int64) error {
	staged, ok := m.wallets[w.UserID]
	if !ok {
		return fmt.Errorf("%w: wallet %q not locked", domain.ErrInvalidRequest, w.UserID)
	}
	if staged.Version != expectedVersion {
		return domain.ErrConflict
	}
	base := expectedVersion
	if prev, ok := m.upserts[w.UserID]; ok {
		base = prev.expected
	}
	w.Version = expectedVersion + 1
	m.wallets[w.UserID] = w.Clone()
	m.upserts[w.UserID] = walletWrite{wallet: w.Clone(), expected: base}
	return nil
}

func (m *memLedgerTx) AppendTransaction(_ context.Context, tx *domain.Transaction) error {
	for _, staged := range m.inserts {
		if staged.IdempotencyKey == tx.IdempotencyKey {
			return fmt.Errorf("%w: idempotency_key %s", domain.ErrDuplicateKey, tx.IdempotencyKey)
		}
	}
	m.store.mu.Lock()
	_, dup := m.store.byKey[tx.IdempotencyKey]
	m.store.mu.Unlock()
	if dup {
		return fmt.Errorf("%w: idempotency_key %s", domain.ErrDuplicateKey, tx.IdempotencyKey)
	}
	m.inserts = append(m.inserts, cloneTx(tx))
	return nil
}

func (m *memLedgerTx) GetTransaction(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	if u, ok := m.updates[id]; ok {
		return cloneTx(u.tx), nil
	}
	for _, tx := range m.inserts {
		if tx.ID == id {
			return cloneTx(tx), nil
		}
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return m.store.getLocked(id)
}

func (m *memLedgerTx) GetTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error) {
	for _, tx := range m.inserts {
		if tx.IdempotencyKey == key {
			return cloneTx(tx), nil
		}
	}
	m.store.mu.Lock()
	id, ok := m.store.byKey[key]
	m.store.mu.Unlock()
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return m.GetTransaction(ctx, id)
}

func (m *memLedgerTx) FindResolution(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	for _, tx := range m.inserts {
		if tx.ReferenceID != nil && *tx.ReferenceID == id {
			return cloneTx(tx), nil
		}
	}
	m.store.mu.Lock()
	ref, ok := m.store.byRef[id]
	m.store.mu.Unlock()
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return m.GetTransaction(ctx, ref)
}

func (m *memLedgerTx) UpdateTransaction(_ context.Context, tx *domain.Transaction, from domain.TransactionStatus) error {
	for i, staged := range m.inserts {
		if staged.ID == tx.ID {
			if staged.Status != from {
				return domain.ErrConflict
			}
			m.inserts[i] = cloneTx(tx)
			return nil
		}
	}
	if u, ok := m.updates[tx.ID]; ok {
		if u.tx.Status != from {
			return domain.ErrConflict
		}
		m.updates[tx.ID] = txUpdate{tx: cloneTx(tx), from: u.from}
		return nil
	}
	m.store.mu.Lock()
	cur, ok := m.store.txs[tx.ID]
	var status domain.TransactionStatus
	if ok {
		status = cur.Status
	}
	m.store.mu.Unlock()
	if !ok {
		return domain.ErrTransactionNotFound
	}
	if status != from {
		return domain.ErrConflict
	}
	m.updates[tx.ID] = txUpdate{tx: cloneTx(tx), from: from}
	return nil
}

func (m *memLedgerTx) AppendAudit(_ context.Context, rec *domain.AuditRecord) error {
	c := *rec
	m.audits = append(m.audits, &c)
	return nil
}

func cloneTx(tx *domain.Transaction) *domain.Transaction {
	c := *tx
	return &c
}
