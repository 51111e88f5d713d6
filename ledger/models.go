package ledger

import (
	"time"

	"gorm.io/gorm"
)

// Pool state keys. Both quantities default to 1 when the row is absent so
// the pricing ratio is always well-defined.
const (
	PoolSparksKey = "sparks pool"
	PoolTokensKey = "tokens pool"
)

// Account is the materialized balance/nonce cache for one address. Rows
// are created implicitly on first successful settlement and never deleted.
type Account struct {
	Address   string `gorm:"primaryKey;size:42"`
	Balance   string `gorm:"not null;default:'0'"`
	Nonce     uint64 `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Pool is one side of the bonding-curve pool, keyed PoolSparksKey or
// PoolTokensKey. SettledAt records the most recent successful generation
// settlement and drives emission.
type Pool struct {
	Key       string    `gorm:"primaryKey;size:16"`
	Value     string    `gorm:"not null"`
	SettledAt time.Time `gorm:"not null"`
}

// Event is one append-only ledger row. Payload holds the exact canonical
// JSON whose keccak digest is Hash; rows are never updated or deleted.
// The unique index on ParentID makes the chain append a compare-and-swap:
// a concurrent settlement racing for the same tip fails at insert instead
// of forking the chain.
type Event struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Hash       string `gorm:"size:66;uniqueIndex" json:"hash"`
	ParentID   uint64 `gorm:"not null;uniqueIndex" json:"parentId"`
	ParentHash string `gorm:"size:66;not null" json:"parentHash"`
	Payload    string `gorm:"type:text;not null" json:"payload"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Tip is the materialized head of one per-(type, key) sub-event chain.
// Keeping it as a row updated inside the settlement transaction replaces
// the racy "select latest matching event, then insert" lookup.
type Tip struct {
	Type      string `gorm:"primaryKey;size:16"`
	Key       string `gorm:"primaryKey;size:42"`
	EventID   uint64 `gorm:"not null"`
	EventHash string `gorm:"size:66;not null"`
}

// AutoMigrate performs all schema migrations for the ledger.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{},
		&Pool{},
		&Event{},
		&Tip{},
	)
}
