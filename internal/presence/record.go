package presence

import (
	"sort"
	"time"

	"github.com/alexxvedo/TFG-RealTime/internal/types"
)

// Entry is one session's membership in a scope.
type Entry struct {
	User     types.User `json:"user"`
	JoinedAt int64      `json:"joinedAt"` // unix millis, orders duplicate collapsing
}

// Record is the presence record for one scope: session-id → entry. It is the
// value stored under the scope's shared-store key.
type Record map[string]Entry

// Dedupe returns the scope snapshot visible to clients: one user per email,
// last writer wins, ordered by join time for stable payloads.
func (r Record) Dedupe() []types.User {
	type winner struct {
		entry Entry
	}
	byEmail := make(map[string]winner, len(r))
	for _, entry := range r {
		current, ok := byEmail[entry.User.Email]
		if !ok || entry.JoinedAt > current.entry.JoinedAt {
			byEmail[entry.User.Email] = winner{entry: entry}
		}
	}

	users := make([]types.User, 0, len(byEmail))
	entries := make([]Entry, 0, len(byEmail))
	for _, w := range byEmail {
		entries = append(entries, w.entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].JoinedAt < entries[j].JoinedAt })
	for _, entry := range entries {
		users = append(users, entry.User)
	}
	return users
}

// SessionsFor returns the session ids holding entries for email.
func (r Record) SessionsFor(email string) []string {
	var out []string
	for sid, entry := range r {
		if entry.User.Email == email {
			out = append(out, sid)
		}
	}
	return out
}

// EvictDuplicates removes all but the most recently inserted session per
// email, returning the evicted session ids.
func (r Record) EvictDuplicates() []string {
	latest := make(map[string]string, len(r)) // email → winning session id
	for sid, entry := range r {
		winner, ok := latest[entry.User.Email]
		if !ok || entry.JoinedAt > r[winner].JoinedAt {
			latest[entry.User.Email] = sid
		}
	}

	var evicted []string
	for sid, entry := range r {
		if latest[entry.User.Email] != sid {
			evicted = append(evicted, sid)
		}
	}
	for _, sid := range evicted {
		delete(r, sid)
	}
	return evicted
}

// NewEntry builds an entry stamped with the current time.
func NewEntry(user types.User) Entry {
	return Entry{User: user, JoinedAt: time.Now().UnixMilli()}
}
