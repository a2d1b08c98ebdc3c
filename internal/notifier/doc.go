// Package notifier delivers economy notices to tenant chats.
//
// Post resolves a (tenant, channel role) pair to a chat target, enqueues the
// text without blocking and returns. Worker goroutines send through the
// transport adapter with a shared rate limit and bounded retries. Delivery is
// best effort: a full queue or a missing route drops the notice.
package notifier
