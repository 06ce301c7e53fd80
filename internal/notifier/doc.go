// Package notifier delivers publication alerts to chats.
//
// Handlers enqueue a transport.Notification and return immediately. A small
// worker pool drains the queue, waits on a shared token bucket so a burst of
// new papers does not trip platform flood limits, and retries failed sends
// with jittered exponential backoff.
//
// # Dedup
//
// Identical text sent to the same chat within DedupWindow is suppressed.
// With PersistDedup the suppression survives restarts through the storage
// dedup table.
package notifier
