package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"exit_tracker/internal/core"

	"github.com/shopspring/decimal"
)

// Target receives decoded commands; *supervisor.Supervisor satisfies it
type Target interface {
	Open(spec core.OpenPositionSpec) error
	Submit(ctx context.Context, ev core.MarketEvent) error
	MoveStop(positionID string, price decimal.Decimal) error
}

// Apply routes env to target
func Apply(ctx context.Context, target Target, env Envelope) error {
	switch env.Type {
	case TypeOpen:
		return target.Open(*env.Position)
	case TypeStop:
		return target.MoveStop(env.PositionID, env.Price)
	}
	if ev, ok := env.Event(); ok {
		return target.Submit(ctx, ev)
	}
	return fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
}

// Stats counts what a Reader consumed
type Stats struct {
	Lines    int
	Applied  int
	Rejected int
}

// Reader applies a JSON-lines stream, one envelope per line. Bad lines and
// rejected commands are logged and skipped.
type Reader struct {
	decoder *Decoder
	target  Target
	logger  core.ILogger
}

// NewReader creates a Reader
func NewReader(decoder *Decoder, target Target, logger core.ILogger) *Reader {
	return &Reader{
		decoder: decoder,
		target:  target,
		logger:  logger.WithField("component", "feed_reader"),
	}
}

// ReadAll consumes r until EOF or ctx cancellation
func (rd *Reader) ReadAll(ctx context.Context, r io.Reader) (Stats, error) {
	var stats Stats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Lines++

		line := scanner.Bytes()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		env, err := rd.decoder.Decode(line)
		if err == nil {
			err = Apply(ctx, rd.target, env)
		}
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Rejected++
			rd.logger.Warn("Feed line rejected", "line", stats.Lines, "error", err)
			continue
		}
		stats.Applied++
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return stats, fmt.Errorf("failed to read feed: %w", err)
	}
	return stats, nil
}
