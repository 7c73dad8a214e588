package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	clamd "github.com/dutchcoders/go-clamd"
)

// Clamd streams samples to a ClamAV daemon with the INSTREAM command.
type Clamd struct {
	address string
	client  *clamd.Clamd
}

// NewClamd accepts "host:port", "tcp://host:port", "unix:///path" or a bare
// socket path.
func NewClamd(address string) *Clamd {
	address = clamdURL(address)
	return &Clamd{address: address, client: clamd.NewClamd(address)}
}

func clamdURL(address string) string {
	if strings.HasPrefix(address, "tcp://") || strings.HasPrefix(address, "unix://") || strings.HasPrefix(address, "/") {
		return address
	}
	return "tcp://" + address
}

func (c *Clamd) Name() string { return "clamd" }

// Ping checks that the daemon answers PONG.
func (c *Clamd) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			// The client dereferences a missing reply.
			if r := recover(); r != nil {
				done <- fmt.Errorf("clamd at %s closed the connection without a reply", c.address)
			}
		}()
		done <- c.client.Ping()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Clamd) Scan(ctx context.Context, sample Sample) ([]string, error) {
	// Closing abort drops the connection, which ends the result stream.
	abort := make(chan bool)
	stop := context.AfterFunc(ctx, func() { close(abort) })
	defer func() {
		if stop() {
			close(abort)
		}
	}()

	results, err := c.client.ScanStream(bytes.NewReader(sample.Content), abort)
	if err != nil {
		return nil, fmt.Errorf("clamd stream: %w", err)
	}
	var (
		indicators []string
		failures   []error
		verdict    bool
	)
	for res := range results {
		switch res.Status {
		case clamd.RES_OK:
			verdict = true
		case clamd.RES_FOUND:
			verdict = true
			indicators = append(indicators, "clamav:"+strings.TrimSpace(res.Description))
		default:
			failures = append(failures, fmt.Errorf("clamd: %s", res.Raw))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(indicators) > 0 {
		return indicators, nil
	}
	if len(failures) > 0 {
		return nil, errors.Join(failures...)
	}
	if !verdict {
		return nil, fmt.Errorf("clamd at %s closed the stream without a verdict", c.address)
	}
	return nil, nil
}
