// Package tasks provides the built-in diagnostic task kinds registered by the
// loopback binary.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattjoyce/loopback/internal/task"
)

// MaxSleep caps the sleep task.
const MaxSleep = time.Minute

// Register adds echo, sleep and fail to reg.
func Register(reg *task.Registry) error {
	for _, d := range []task.Descriptor{
		{Name: "echo", MaxArgs: task.Variadic, Handler: Echo},
		{Name: "sleep", MinArgs: 1, MaxArgs: 1, Handler: Sleep},
		{Name: "fail", MaxArgs: 2, Handler: Fail},
	} {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("register %s: %w", d.Name, err)
		}
	}
	return nil
}

// Echo returns its arguments unchanged.
func Echo(_ context.Context, args task.Args) (any, error) {
	return args, nil
}

// Sleep waits for the duration in its single argument, either a Go duration
// string ("250ms") or a number of milliseconds. It returns the time slept.
func Sleep(ctx context.Context, args task.Args) (any, error) {
	d, err := parseDuration(args[0])
	if err != nil {
		return nil, task.Errorf("bad_argument", "%v", err)
	}
	if d > MaxSleep {
		return nil, task.Errorf("bad_argument", "sleep %s exceeds %s", d, MaxSleep)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"slept_ms": d.Milliseconds()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Fail always fails, with an optional code and message.
func Fail(_ context.Context, args task.Args) (any, error) {
	code, message := "task_failed", "requested failure"
	if args.Len() > 0 {
		if err := args.Decode(0, &code); err != nil {
			return nil, task.Errorf("bad_argument", "code must be a string")
		}
	}
	if args.Len() > 1 {
		if err := args.Decode(1, &message); err != nil {
			return nil, task.Errorf("bad_argument", "message must be a string")
		}
	}
	return nil, &task.Error{Code: code, Message: message}
}

func parseDuration(raw json.RawMessage) (time.Duration, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		if d < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return d, nil
	}

	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return 0, fmt.Errorf("duration must be a string or milliseconds")
	}
	if ms < 0 {
		return 0, fmt.Errorf("negative duration %vms", ms)
	}
	if ms > float64(MaxSleep.Milliseconds()) {
		return 0, fmt.Errorf("sleep %vms exceeds %s", ms, MaxSleep)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}
