package shell

import (
	"context"
	"sync"
)

// FakeCommander records commands and answers them with RunFunc.
type FakeCommander struct {
	RunFunc func(ctx context.Context, cmd Command) (Result, error)

	mu    sync.Mutex
	calls []Command
}

// Run implements Commander.
func (f *FakeCommander) Run(ctx context.Context, cmd Command) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()
	if f.RunFunc != nil {
		return f.RunFunc(ctx, cmd)
	}
	return Result{}, nil
}

// Calls returns the commands run so far.
func (f *FakeCommander) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}

// CommandLines returns Calls rendered as strings.
func (f *FakeCommander) CommandLines() []string {
	calls := f.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.String())
	}
	return out
}
