package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/resqued/internal/worker/domain"
)

// Built-in job classes
const (
	ClassSleep = "SleepJob"
	ClassEcho  = "EchoJob"
)

// MaxSleep caps the SleepJob duration
const MaxSleep = time.Hour

// ErrSleepArgs is returned for args that do not hold a usable number of seconds
var ErrSleepArgs = errors.New("sleep expects a non-negative number of seconds")

// SleepJob sleeps for the requested number of seconds. Args are either a
// positional list, [2.5], or an object, {"seconds": 2.5}.
type SleepJob struct{}

type sleepArgs struct {
	Seconds float64 `json:"seconds"`
}

// Perform waits, returning early with ctx.Err() if the context ends
func (SleepJob) Perform(ctx context.Context, args json.RawMessage) error {
	seconds, err := parseSleepArgs(args)
	if err != nil {
		return err
	}

	if seconds > MaxSleep.Seconds() {
		return domain.NewPermanentError(fmt.Errorf("sleep of %gs exceeds %s", seconds, MaxSleep))
	}
	d := time.Duration(seconds * float64(time.Second))

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	}
}

func parseSleepArgs(args json.RawMessage) (float64, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 {
		return 0, ErrSleepArgs
	}

	var seconds float64
	switch trimmed[0] {
	case '[':
		var list []float64
		if err := json.Unmarshal(trimmed, &list); err != nil || len(list) != 1 {
			return 0, fmt.Errorf("%w, got %s", ErrSleepArgs, trimmed)
		}
		seconds = list[0]
	case '{':
		var obj sleepArgs
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSleepArgs, err)
		}
		seconds = obj.Seconds
	default:
		if err := json.Unmarshal(trimmed, &seconds); err != nil {
			return 0, fmt.Errorf("%w, got %s", ErrSleepArgs, trimmed)
		}
	}

	if seconds < 0 {
		return 0, fmt.Errorf("%w, got %v", ErrSleepArgs, seconds)
	}
	return seconds, nil
}

// EchoJob logs its args and succeeds
type EchoJob struct {
	Logger *slog.Logger
}

func (e EchoJob) Perform(_ context.Context, args json.RawMessage) error {
	if e.Logger != nil {
		e.Logger.Info("Echo", slog.String("args", string(args)))
	}
	return nil
}

// RegisterBuiltins adds the jobs shipped with resqued
func RegisterBuiltins(r *Registry, logger *slog.Logger) error {
	if err := r.Register(ClassSleep, SleepJob{}); err != nil {
		return err
	}
	return r.Register(ClassEcho, EchoJob{Logger: logger})
}
