package custody

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/aarondl/sqlboiler/v4/queries"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var (
	ErrKeyNotFound  = errors.New("signing key not found")
	ErrKeyDuplicate = errors.New("signing key already exists")
)

// SigningKey maps a caller facing key id to an HD derivation path. The private key
// itself is never stored.
type SigningKey struct {
	ID             string
	Address        common.Address
	DerivationPath string
	Enabled        bool
	CreatedAt      time.Time
}

// Registry stores signing key metadata.
type Registry interface {
	Get(ctx context.Context, id string) (*SigningKey, error)
	List(ctx context.Context) ([]*SigningKey, error)
	Insert(ctx context.Context, key *SigningKey) error
}

type memoryRegistry struct {
	mu   sync.RWMutex
	keys map[string]SigningKey
}

func NewMemoryRegistry() Registry {
	return &memoryRegistry{keys: make(map[string]SigningKey)}
}

func (r *memoryRegistry) Get(_ context.Context, id string) (*SigningKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}

	return &key, nil
}

func (r *memoryRegistry) List(_ context.Context) ([]*SigningKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]*SigningKey, 0, len(r.keys))
	for _, key := range r.keys {
		k := key
		keys = append(keys, &k)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })

	return keys, nil
}

func (r *memoryRegistry) Insert(_ context.Context, key *SigningKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.keys[key.ID]; ok {
		return ErrKeyDuplicate
	}
	for _, existing := range r.keys {
		if existing.DerivationPath == key.DerivationPath {
			return ErrKeyDuplicate
		}
	}

	r.keys[key.ID] = *key

	return nil
}

type signingKeyRow struct {
	ID             string    `boil:"id"`
	Address        string    `boil:"address"`
	DerivationPath string    `boil:"derivation_path"`
	Enabled        bool      `boil:"enabled"`
	CreatedAt      time.Time `boil:"created_at"`
}

func (r *signingKeyRow) toKey() *SigningKey {
	return &SigningKey{
		ID:             r.ID,
		Address:        common.HexToAddress(r.Address),
		DerivationPath: r.DerivationPath,
		Enabled:        r.Enabled,
		CreatedAt:      r.CreatedAt,
	}
}

// PostgresRegistry keeps signing keys in the signing_keys table.
type PostgresRegistry struct {
	db *sql.DB
}

func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

func (r *PostgresRegistry) Get(ctx context.Context, id string) (*SigningKey, error) {
	var row signingKeyRow
	err := queries.Raw(`SELECT id, address, derivation_path, enabled, created_at FROM signing_keys WHERE id = $1`, id).Bind(ctx, r.db, &row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, errors.Wrap(err, "failed to load signing key")
	}

	return row.toKey(), nil
}

func (r *PostgresRegistry) List(ctx context.Context) ([]*SigningKey, error) {
	var rows []*signingKeyRow
	err := queries.Raw(`SELECT id, address, derivation_path, enabled, created_at FROM signing_keys ORDER BY id`).Bind(ctx, r.db, &rows)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list signing keys")
	}

	keys := make([]*SigningKey, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, row.toKey())
	}

	return keys, nil
}

func (r *PostgresRegistry) Insert(ctx context.Context, key *SigningKey) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO signing_keys (id, address, derivation_path, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		key.ID, key.Address.Hex(), key.DerivationPath, key.Enabled, key.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrKeyDuplicate
		}
		return errors.Wrap(err, "failed to insert signing key")
	}

	return nil
}
