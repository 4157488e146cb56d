// Package goggles drives the PLATO occlusion goggle controller over its
// serial link. The controller understands two newline-terminated commands,
// "55" to open (transparent) and "56" to close (opaque), and acknowledges
// each with an "ok" line.
package goggles

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grasplab/reach.report/internal/monitoring"
	"github.com/grasplab/reach.report/internal/timeutil"
)

const (
	// cmdOpen makes the goggles transparent, revealing the workspace.
	cmdOpen = "55"
	// cmdClose makes the goggles opaque, occluding the workspace.
	cmdClose = "56"

	// ackLine is the controller board's acknowledgement of a command.
	ackLine = "ok"
)

var (
	// ErrHardwareFault means a command went unacknowledged after every
	// retry. The goggle state is unknown and the trial cannot continue.
	ErrHardwareFault = fmt.Errorf("goggles: command unacknowledged after retries")

	// ErrWriteFailed means a command was only partially written to the port.
	ErrWriteFailed = fmt.Errorf("goggles: short write to serial port")
)

// Config holds the command acknowledgement policy.
type Config struct {
	// AckTimeout is how long to wait for an "ok" after writing a command.
	// Defaults to 250ms.
	AckTimeout time.Duration

	// RetryLimit is how many additional attempts follow an unacknowledged
	// command before giving up. Defaults to 3.
	RetryLimit int

	// RetryBackoff is the pause before the first retry; each further retry
	// waits one more multiple. Defaults to 50ms.
	RetryBackoff time.Duration
}

// GetAckTimeout returns the configured ack timeout or the default.
func (c Config) GetAckTimeout() time.Duration {
	if c.AckTimeout <= 0 {
		return 250 * time.Millisecond
	}
	return c.AckTimeout
}

// GetRetryLimit returns the configured retry limit or the default.
func (c Config) GetRetryLimit() int {
	if c.RetryLimit <= 0 {
		return 3
	}
	return c.RetryLimit
}

// GetRetryBackoff returns the configured retry backoff or the default.
func (c Config) GetRetryBackoff() time.Duration {
	if c.RetryBackoff <= 0 {
		return 50 * time.Millisecond
	}
	return c.RetryBackoff
}

// Controller owns the serial link to the goggle board. All commands are
// serialized: one command is written and acknowledged before the next may
// start. The reveal command is additionally latched so that a trial can
// never open the goggles twice.
type Controller struct {
	port  Porter
	cfg   Config
	clock timeutil.Clock

	commandMu sync.Mutex
	acks      chan struct{}

	mu       sync.Mutex
	revealed bool
}

// NewController creates a controller for an open goggle port. A nil clock
// uses the real clock.
func NewController(port Porter, cfg Config, clock timeutil.Clock) *Controller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Controller{
		port:  port,
		cfg:   cfg,
		clock: clock,
		acks:  make(chan struct{}, 4),
	}
}

// Monitor reads acknowledgement lines from the goggle board until the
// context is cancelled or the port fails. It must be running for any
// command to succeed.
func (c *Controller) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(c.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking scan.Scan runs in its own goroutine so the outer loop
	// can still observe context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return fmt.Errorf("goggles: serial read failed: %w", err)

		case line, ok := <-lineChan:
			if !ok {
				if err := scan.Err(); err != nil {
					return fmt.Errorf("goggles: serial read failed: %w", err)
				}
				return nil
			}
			switch strings.TrimSpace(line) {
			case ackLine:
				select {
				case c.acks <- struct{}{}:
				default:
				}
			case "":
			default:
				monitoring.Logf("goggles: unexpected line from controller: %q", line)
			}
		}
	}
}

// Open makes the goggles transparent.
func (c *Controller) Open(ctx context.Context) error {
	return c.sendAcked(ctx, cmdOpen)
}

// Occlude makes the goggles opaque.
func (c *Controller) Occlude(ctx context.Context) error {
	return c.sendAcked(ctx, cmdClose)
}

// BeginTrial resets the reveal latch for a new trial. The goggles are
// expected to be occluded when this is called.
func (c *Controller) BeginTrial() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revealed = false
}

// Reveal opens the goggles at most once per trial. The first call issues
// the open command and returns fired=true; later calls in the same trial
// are no-ops. The latch is taken before the command is written, so even a
// failed reveal is never reissued within the trial.
func (c *Controller) Reveal(ctx context.Context) (fired bool, err error) {
	c.mu.Lock()
	if c.revealed {
		c.mu.Unlock()
		return false, nil
	}
	c.revealed = true
	c.mu.Unlock()

	if err := c.sendAcked(ctx, cmdOpen); err != nil {
		return true, err
	}
	return true, nil
}

// Revealed reports whether the reveal latch has been taken this trial.
func (c *Controller) Revealed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revealed
}

// Close closes the serial port.
func (c *Controller) Close() error {
	return c.port.Close()
}

// sendAcked writes a command and waits for its acknowledgement, retrying
// with backoff. Exhausting the retries returns ErrHardwareFault.
func (c *Controller) sendAcked(ctx context.Context, command string) error {
	c.commandMu.Lock()
	defer c.commandMu.Unlock()

	attempts := c.cfg.GetRetryLimit() + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			monitoring.Logf("goggles: retrying command %q (attempt %d of %d): %v",
				command, attempt+1, attempts, lastErr)
			c.clock.Sleep(time.Duration(attempt) * c.cfg.GetRetryBackoff())
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = c.sendOnce(ctx, command)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return fmt.Errorf("%w: %q: %v", ErrHardwareFault, command, lastErr)
}

// sendOnce writes one command and waits for a single acknowledgement.
func (c *Controller) sendOnce(ctx context.Context, command string) error {
	// Drop acks left over from a previous timed-out attempt so they are
	// not mistaken for this command's acknowledgement.
	for {
		select {
		case <-c.acks:
			continue
		default:
		}
		break
	}

	line := command + "\n"
	n, err := c.port.Write([]byte(line))
	if err != nil {
		return fmt.Errorf("goggles: failed to write command %q: %w", command, err)
	}
	if n != len(line) {
		return ErrWriteFailed
	}

	timer := c.clock.NewTimer(c.cfg.GetAckTimeout())
	defer timer.Stop()
	select {
	case <-c.acks:
		return nil
	case <-timer.C():
		return fmt.Errorf("goggles: no acknowledgement for %q within %v",
			command, c.cfg.GetAckTimeout())
	case <-ctx.Done():
		return ctx.Err()
	}
}
