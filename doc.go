// Package courier is a non-blocking Loki push client. Application code
// emits log records through a Client without ever waiting on network I/O;
// a background worker accumulates the records, batches them by count and
// byte budget, and ships them to the Loki push API with bounded retries.
//
// Delivery is best effort. Records are dropped, and counted, when the
// ingestion buffer overflows, when the retry budget is exhausted, or when
// shutdown leaves batches undeliverable. Use Stats to observe the
// counters.
//
// A Handler adapter bridges the standard library's log/slog into a Client
// so existing slog call sites ship to Loki unchanged.
package courier
