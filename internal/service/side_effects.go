package service

import "context"

// sideEffects collects best-effort tasks produced inside a transaction so
// they are dispatched only after it commits.
type sideEffects struct {
	tasks []namedTask
}

type namedTask struct {
	name string
	fn   func(ctx context.Context) error
}

func (fx *sideEffects) add(name string, fn func(ctx context.Context) error) {
	fx.tasks = append(fx.tasks, namedTask{name: name, fn: fn})
}

// flush hands every collected task to d.
func (fx *sideEffects) flush(d Dispatcher) {
	for _, t := range fx.tasks {
		d.Dispatch(t.name, t.fn)
	}
	fx.tasks = nil
}
