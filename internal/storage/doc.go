// Package storage provides the durable store used by the bot.
//
// It supports:
//   - An opaque key/value space with transactional commit/rollback
//     (scheduler snapshots live here)
//   - Audit log appends (chat commands that changed state)
//   - Notifier dedup state (to survive restarts)
package storage
