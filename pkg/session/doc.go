// Package session enforces the single-writer-per-session discipline: at most
// one goroutine (and, with a distributed locker, one process) may drive a
// session's run at a time. Concurrent attempts are a caller error, rejected
// with domain.ErrRunAlreadyActive rather than queued.
package session
