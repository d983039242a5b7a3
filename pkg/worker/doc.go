// Package worker drains the durable job queue. The loop is dequeue,
// guardrail check, execute, settle: a finished record acks the item
// (cancelled jobs included, their outcome stream already says what was
// abandoned), intake rejections and policy blocks dead-letter it, and
// everything else nacks it for redelivery with backoff until the attempt
// budget runs out.
//
// Corrupt queue payloads are quarantined individually; several in a row
// mean the store itself is damaged and Run returns ErrQueueCorrupted so
// the process can exit with a distinct code.
package worker
