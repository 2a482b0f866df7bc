package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rtloftin/discrete-bam/internal/environment"
	"github.com/rtloftin/discrete-bam/internal/logger"
	"github.com/rtloftin/discrete-bam/internal/protocol/wire"
)

// Indicator messages shown around a session.
const (
	startMessage = "Please wait: Getting robot ready"
	endMessage   = "Please wait: Putting robot away"
)

// BuildFunc constructs the environment from the start-session response.
type BuildFunc func(ctx context.Context, initial json.RawMessage) (environment.Environment, error)

// RunOptions configures Run.
type RunOptions struct {
	Config Config
	// Start is sent as the start-session payload.
	Start any
	// Indicator, if set, covers the screen while the session is created and
	// torn down.
	Indicator environment.Indicator
	// OnStart is called with the live session once it is running.
	OnStart func(*Session)
}

// Run drives one session end to end: start-session, build the environment,
// wait for finish or error, close, end-session.
//
// A session error aborts the session without a final learn and is returned.
// Context cancellation aborts likewise.
func Run(ctx context.Context, conn Requester, opts RunOptions, build BuildFunc) error {
	cfg := opts.Config.withDefaults()

	show(opts.Indicator, startMessage)
	initial, err := conn.Send(ctx, wire.TypeStartSession, opts.Start, cfg.SessionTimeout)
	if err != nil {
		hide(opts.Indicator)
		return fmt.Errorf("start session: %w", err)
	}

	env, err := build(ctx, initial)
	if err != nil {
		hide(opts.Indicator)
		return fmt.Errorf("build environment: %w", err)
	}

	s := New(conn, env, cfg)
	hide(opts.Indicator)
	if opts.OnStart != nil {
		opts.OnStart(s)
	}

	finished := make(chan struct{}, 1)
	failed := make(chan error, 1)
	s.Events().Subscribe(EventFinish, func(any) {
		select {
		case finished <- struct{}{}:
		default:
		}
	})
	s.Events().Subscribe(EventError, func(p any) {
		err, _ := p.(error)
		if err == nil {
			err = errors.New("session error")
		}
		select {
		case failed <- err:
		default:
		}
	})

	select {
	case <-finished:
	case err := <-failed:
		logger.Errorf("session: aborting: %v", err)
		s.Abort()
		return err
	case <-ctx.Done():
		s.Abort()
		return ctx.Err()
	}

	logger.Infof("session: finished, closing")
	closeErr := s.Close(ctx)
	if closeErr != nil {
		logger.Warnf("session: final learn failed: %v", closeErr)
	}

	show(opts.Indicator, endMessage)
	defer hide(opts.Indicator)
	if _, err := conn.Send(ctx, wire.TypeEndSession, nil, cfg.SessionTimeout); err != nil {
		return errors.Join(closeErr, fmt.Errorf("end session: %w", err))
	}
	return closeErr
}

func show(ind environment.Indicator, message string) {
	if ind != nil {
		ind.Show(message)
	}
}

func hide(ind environment.Indicator) {
	if ind != nil {
		ind.Hide()
	}
}
