// Package store provides crash-consistent persistence of whole JSON documents.
//
// # Model
//
// State lives in a handful of named documents (the agent table, the job table)
// plus one document per env bundle. A document is always read and written as a
// unit; there are no partial-field updates.
//
//   - Load: decode a document. A missing document decodes as empty.
//   - Save: atomically replace a document.
//   - Update: load, mutate and save while holding the store lock.
//   - GetBlob/PutBlob: raw per-bundle documents. Missing blobs are ErrNotFound.
//
// # Locking
//
// All operations go through a single store-wide mutex. Callers that mutate a
// document must use Update so the lock spans the full read-modify-write cycle;
// calling Load and then Save leaves a window in which another writer's change is
// lost.
//
// # Backends
//
//   - FileBackend: <root>/<key>.json, written to a temp file, fsynced and renamed
//     into place. Files are 0600.
//   - SQLiteBackend: a single documents table in a SQLite database
//     (modernc.org/sqlite, no cgo).
//
// # Errors
//
//   - ErrNotFound: blob does not exist
//   - ErrCorrupt: a stored document could not be decoded. This is never
//     downgraded to "empty"; it surfaces as a server error so an operator
//     repairs the file.
//   - ErrInvalidKey: key contains characters outside [A-Za-z0-9_-/]
//
// Use NewMemoryBackend in unit tests.
package store
