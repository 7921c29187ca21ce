// Package notifier delivers reports and alerts to the operator chat.
//
// Notifications are queued and sent by a single worker so reports arrive
// in order. Sends are paced by a token bucket, retried with jittered
// exponential backoff, and identical notices inside the dedup window are
// suppressed. Lifecycle events are published on the event bus as
// notifier.queued, notifier.sent, notifier.deduped, notifier.dropped and
// notifier.failed.
package notifier
