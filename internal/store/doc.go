// Package store holds conversations and their messages for the support widget.
//
// # Architecture
//
// Store is the single interface the rest of the module talks to. Two
// backends implement it:
//
//   - MemoryStore: maps guarded by a sync.RWMutex
//   - SQLiteStore: an in-process :memory: database via modernc.org/sqlite
//
// Neither backend persists anything past process exit. Both are explicit
// instances; there is no package-level state, and seed data is handed to
// the constructor:
//
//	seed, err := store.LoadSeed("seed.yaml")
//	s, err := store.NewMemoryStore(seed)
//
// # Data Models
//
//   - Conversation: one end-user thread with status, agent assignment and metadata
//   - Message: an append-only log entry; only IsRead changes after creation
//
// Reads return copies. Mutating a returned Conversation or Message never
// changes stored state.
//
// # Invariants
//
// Messages of a conversation are returned in append order, and each append
// updates the conversation's LastActivity atomically with the insert.
// Deleting a conversation removes its messages. Status only moves forward:
//
//	waiting -> active -> closed
//
// Any other change fails with ErrInvalidTransition. Missing ids produce a
// *NotFoundError, which matches ErrNotFound under errors.Is.
//
// # Identifiers
//
// Ids take the form conv_<unixmillis>_<seq> and msg_<unixmillis>_<seq>,
// where seq is a per-store monotonic counter. Seeded records keep their own
// ids and the counters resume past the highest seeded seq.
package store
