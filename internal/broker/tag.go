package broker

import (
	"fmt"
	"jet_trader/internal/core"
	"strconv"
	"strings"
	"sync"
)

// TagPrefix marks every order the engine places. Orders whose text does not
// start with it belong to someone else and are never touched.
const TagPrefix = "JT"

// Tag is the structured order text:
// JT:{account}:{symbol}:{strategy}:{role}:{seq}.
type Tag struct {
	AccountID int64
	Symbol    string
	Strategy  string
	Role      core.OrderRole
	Seq       int64
}

// String renders the wire form of the tag.
func (t Tag) String() string {
	return fmt.Sprintf("%s:%d:%s:%s:%s:%d",
		TagPrefix, t.AccountID, sanitizeField(t.Symbol), sanitizeField(t.Strategy), t.Role, t.Seq)
}

// ParseTag decodes an order text field back into its parts. Foreign text
// returns an error; callers skip such orders.
func ParseTag(s string) (Tag, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 || parts[0] != TagPrefix {
		return Tag{}, fmt.Errorf("not an engine tag: %q", s)
	}

	accountID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Tag{}, fmt.Errorf("bad account in tag %q: %w", s, err)
	}
	if parts[2] == "" {
		return Tag{}, fmt.Errorf("empty symbol in tag %q", s)
	}

	role := core.OrderRole(parts[4])
	switch role {
	case core.RoleEntry, core.RoleTP, core.RoleSL, core.RoleExit:
	default:
		return Tag{}, fmt.Errorf("unknown role %q in tag %q", parts[4], s)
	}

	seq, err := strconv.ParseInt(parts[5], 10, 64)
	if err != nil {
		return Tag{}, fmt.Errorf("bad seq in tag %q: %w", s, err)
	}

	return Tag{
		AccountID: accountID,
		Symbol:    parts[2],
		Strategy:  parts[3],
		Role:      role,
		Seq:       seq,
	}, nil
}

// sanitizeField keeps free-text fields from corrupting the colon framing.
func sanitizeField(s string) string {
	return strings.ReplaceAll(s, ":", "-")
}

// seqKey scopes sequence numbers per bracket role.
type seqKey struct {
	accountID int64
	symbol    string
	role      core.OrderRole
}

// SeqAllocator hands out monotonic tag sequence numbers per
// (account, symbol, role). Seed it from persisted orders on restart so
// fresh tags never collide with tags already working at the broker.
type SeqAllocator struct {
	mu   sync.Mutex
	next map[seqKey]int64
}

// NewSeqAllocator creates an empty allocator.
func NewSeqAllocator() *SeqAllocator {
	return &SeqAllocator{next: make(map[seqKey]int64)}
}

// Next returns the next unused sequence number for the scope.
func (a *SeqAllocator) Next(accountID int64, symbol string, role core.OrderRole) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := seqKey{accountID, symbol, role}
	a.next[k]++
	return a.next[k]
}

// Observe advances the scope past an externally seen sequence number, so
// Next never re-issues it.
func (a *SeqAllocator) Observe(accountID int64, symbol string, role core.OrderRole, seq int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := seqKey{accountID, symbol, role}
	if seq > a.next[k] {
		a.next[k] = seq
	}
}
