// Package notesync is the composition root of an optimistic note sync engine.
//
// Edits land in a local cache first and are written to the record store after
// a short quiet window, one coalesced write per note. Changes made elsewhere
// arrive through a push feed and are reconciled against pending local edits,
// so a refresh never reverts what the user is still typing.
//
// Every cached note belongs to the signed-in principal. Switching principal
// clears the cache, drops unwritten edits and restarts the feed
// subscription before any of the new principal's notes load.
//
// Stores and feeds are adapters behind the ports in pkg/core:
//
//   - memory: in-process store and feed, for tests and ephemeral runs.
//   - fs: one YAML or JSON file per note, fsnotify as the feed.
//   - postgres: gorm store, LISTEN/NOTIFY feed through pgx.
//   - redis: pub/sub feed, publishing the store's writes.
//   - websocket: relays any feed to remote clients.
//
// Usage:
//
//	store := memory.New()
//	e, err := notesync.New(store,
//		notesync.WithFeed(store),
//		notesync.WithLogger(logger),
//	)
//	e.OnSessionChange(&notesync.Session{Principal: "alice"})
//	note, _ := e.CreateNote()
//	e.UpdateNote(note.ID, core.TitlePatch("Hello"))
package notesync
