package nodeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// NoopUnit is always alive. It backs local runs without real nodes and
// answers every call by echoing its params.
type NoopUnit struct {
	terminated atomic.Bool
}

func (*NoopUnit) Create(context.Context) error { return nil }

func (u *NoopUnit) Ping(context.Context) (bool, error) {
	return !u.terminated.Load(), nil
}

func (u *NoopUnit) Call(_ context.Context, method string, params, out any) error {
	if u.terminated.Load() {
		return fmt.Errorf("%s: noop unit terminated", method)
	}
	if out == nil || params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	return json.Unmarshal(raw, out)
}

func (u *NoopUnit) Terminate(context.Context) error {
	u.terminated.Store(true)
	return nil
}
