package txn

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of a relayed transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusSubmitted Status = "submitted"
	StatusInMempool Status = "inmempool"
	StatusMined     Status = "mined"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	// StatusReplaced is only ever carried by superseded hash entries, a record
	// continues under its new hash.
	StatusReplaced Status = "replaced"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusSubmitted: 2,
	StatusInMempool: 3,
	StatusMined:     4,
	StatusConfirmed: 5,
}

// Rank orders the progressing statuses, terminal failure states rank -1.
func (s Status) Rank() int {
	rank, ok := statusRank[s]
	if !ok {
		return -1
	}

	return rank
}

func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusReplaced
}

// Repriceable reports whether a record in this status may still be replaced.
func (s Status) Repriceable() bool {
	return s == StatusSent || s == StatusSubmitted || s == StatusInMempool
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed || s == StatusReplaced
}

// ActiveStatuses are the statuses the watcher and the reprice loop work on.
var ActiveStatuses = []Status{StatusPending, StatusSent, StatusSubmitted, StatusInMempool, StatusMined}

// Speed is the qualitative gas price preference of an intent.
type Speed string

const (
	SpeedSafeLow Speed = "safeLow"
	SpeedAverage Speed = "average"
	SpeedFast    Speed = "fast"
	SpeedFastest Speed = "fastest"
)

var Speeds = []Speed{SpeedSafeLow, SpeedAverage, SpeedFast, SpeedFastest}

func (s Speed) Valid() bool {
	switch s {
	case SpeedSafeLow, SpeedAverage, SpeedFast, SpeedFastest:
		return true
	default:
		return false
	}
}

// Intent is the immutable caller input of a submission.
type Intent struct {
	To           common.Address
	Value        *big.Int
	Data         []byte
	GasLimit     uint64
	Speed        Speed
	GasPrice     *big.Int // optional override, takes precedence over Speed
	ChainID      uint64
	SigningKeyID string
	CreatedAt    time.Time

	// IdempotencyKey makes resubmissions of the same intent return the existing record.
	IdempotencyKey string
}

// HashEntry is one broadcast attempt of a record's replacement chain.
type HashEntry struct {
	Hash        common.Hash `json:"hash"`
	Nonce       uint64      `json:"nonce"`
	GasPrice    *big.Int    `json:"gasPrice"`
	NoOp        bool        `json:"noOp,omitempty"`
	GapFill     bool        `json:"gapFill,omitempty"`
	Status      Status      `json:"status"`
	Accepted    bool        `json:"accepted,omitempty"`
	BroadcastAt time.Time   `json:"broadcastAt"`
}

func (e HashEntry) Active() bool {
	return e.Status != StatusReplaced && e.Status != StatusFailed
}

// Metadata carries lifecycle details that are not part of the state machine itself.
type Metadata struct {
	IntentFulfilled  bool         `json:"intentFulfilled"`
	NoOp             bool         `json:"noOp,omitempty"`
	FailureReason    string       `json:"failureReason,omitempty"`
	RejectionClass   string       `json:"rejectionClass,omitempty"`
	RecoveryAttempts int          `json:"recoveryAttempts,omitempty"`
	GapFillHash      *common.Hash `json:"gapFillHash,omitempty"`
}

// Record is the relay-owned state of one intent, identified by a stable ID
// across every replacement of its on-chain transaction.
type Record struct {
	ID           string
	SigningKeyID string
	From         common.Address
	ChainID      uint64
	Nonce        uint64

	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
	Speed    Speed
	GasPrice *big.Int

	Status      Status
	CurrentHash common.Hash
	HashHistory []HashEntry
	RawTx       []byte

	MinedHash        common.Hash
	MinedBlockNumber uint64
	MinedBlockHash   common.Hash
	Reverted         bool

	StaleCycles    int
	ReorgCount     int
	IdempotencyKey string
	Metadata       Metadata
	Version        int64

	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastRepricedAt time.Time
	MinedAt        time.Time
}

// Clone returns a deep copy so snapshots never alias store state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	c := *r
	c.Value = cloneBig(r.Value)
	c.GasPrice = cloneBig(r.GasPrice)
	c.Data = append([]byte(nil), r.Data...)
	c.RawTx = append([]byte(nil), r.RawTx...)
	c.HashHistory = make([]HashEntry, len(r.HashHistory))
	for i, e := range r.HashHistory {
		e.GasPrice = cloneBig(e.GasPrice)
		c.HashHistory[i] = e
	}

	if r.Metadata.GapFillHash != nil {
		h := *r.Metadata.GapFillHash
		c.Metadata.GapFillHash = &h
	}

	return &c
}

// Entry returns the lineage entry for hash.
func (r *Record) Entry(hash common.Hash) (*HashEntry, bool) {
	for i := range r.HashHistory {
		if r.HashHistory[i].Hash == hash {
			return &r.HashHistory[i], true
		}
	}

	return nil, false
}

// EverAccepted reports whether the node accepted any hash of the lineage.
func (r *Record) EverAccepted() bool {
	for _, e := range r.HashHistory {
		if e.Accepted {
			return true
		}
	}

	return false
}

// AppendHash supersedes the active entry and makes entry the current hash.
func (r *Record) AppendHash(entry HashEntry) {
	for i := range r.HashHistory {
		if r.HashHistory[i].Active() {
			r.HashHistory[i].Status = StatusReplaced
		}
	}

	entry.Status = StatusSent
	r.HashHistory = append(r.HashHistory, entry)
	r.CurrentHash = entry.Hash
	r.GasPrice = cloneBig(entry.GasPrice)
	r.Nonce = entry.Nonce
}

// AppendGapFill records a gap-filling no-op for a failed record without moving its
// current hash, price or nonce.
func (r *Record) AppendGapFill(entry HashEntry) {
	for i := range r.HashHistory {
		if r.HashHistory[i].Active() {
			r.HashHistory[i].Status = StatusReplaced
		}
	}

	entry.Status = StatusSent
	entry.GapFill = true
	entry.NoOp = true
	r.HashHistory = append(r.HashHistory, entry)
	hash := entry.Hash
	r.Metadata.GapFillHash = &hash
}

// LatestAccepted returns the newest lineage entry the node accepted.
func (r *Record) LatestAccepted() (*HashEntry, bool) {
	for i := len(r.HashHistory) - 1; i >= 0; i-- {
		if r.HashHistory[i].Accepted && !r.HashHistory[i].GapFill {
			return &r.HashHistory[i], true
		}
	}

	return nil, false
}

// Age is the duration since the last reprice, or since creation if never repriced.
func (r *Record) Age(now time.Time) time.Duration {
	if !r.LastRepricedAt.IsZero() {
		return now.Sub(r.LastRepricedAt)
	}

	return now.Sub(r.CreatedAt)
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}

	return new(big.Int).Set(v)
}

// ObservationKind is what the watcher saw for a hash.
type ObservationKind int

const (
	ObservedInMempool ObservationKind = iota + 1
	ObservedMined
	ObservedConfirmed
	ObservedEvicted
	ObservedDropped
)

func (k ObservationKind) String() string {
	switch k {
	case ObservedInMempool:
		return "inmempool"
	case ObservedMined:
		return "mined"
	case ObservedConfirmed:
		return "confirmed"
	case ObservedEvicted:
		return "evicted"
	case ObservedDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Observation is a single network observation fed into the lifecycle manager.
type Observation struct {
	Kind        ObservationKind
	BlockNumber uint64
	BlockHash   common.Hash
	Reverted    bool
	Depth       uint64
}

// Signature is an EIP-191 personal message signature.
type Signature struct {
	Sig []byte
	R   common.Hash
	S   common.Hash
	V   uint8
}
