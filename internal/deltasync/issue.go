package deltasync

import (
	"context"
	"sync"
)

type issueSignalKey struct{}

// issueSignal is closed once the backend call of a delta has been handed to the
// transport, or once the delta settles without reaching the backend.
type issueSignal struct {
	once   sync.Once
	issued chan struct{}
}

func newIssueSignal() *issueSignal {
	return &issueSignal{issued: make(chan struct{})}
}

func (s *issueSignal) mark() {
	s.once.Do(func() { close(s.issued) })
}

func (s *issueSignal) done() <-chan struct{} {
	return s.issued
}

func withIssueSignal(ctx context.Context, signal *issueSignal) context.Context {
	return context.WithValue(ctx, issueSignalKey{}, signal)
}

// MarkIssued tells the sync engine that the backend request carried by ctx has been
// sent. The next delta of the phase is dispatched only after this point, so requests
// leave in append order while their responses are awaited concurrently. Backend
// clients that never call it get one request at a time. Calling it more than once, or
// with a context that carries no signal, is a no-op.
func MarkIssued(ctx context.Context) {
	if signal, ok := ctx.Value(issueSignalKey{}).(*issueSignal); ok {
		signal.mark()
	}
}
