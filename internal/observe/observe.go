// Package observe handles logging and tracing for the sidecar.
// Coordinator spans and room-scoped loggers both carry the room name,
// so one room's traffic can be followed through its coordinator;
// tool-surface spans are named after the tool and carry no room.
package observe

import (
	"context"
	"io"

	"github.com/felixgeelhaar/bolt/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("huddle")

// Options select the output encoding and verbosity.
type Options struct {
	// JSON switches to the JSON handler for non-interactive use
	// (stdio mode, where stdout belongs to the tool protocol).
	JSON bool

	// Verbose lowers the level below WARN.
	Verbose bool
}

// Observer bundles the structured logger and the tracer handed to
// every component.
type Observer struct {
	log *bolt.Logger
}

// New creates an Observer writing to out.
func New(out io.Writer, opts Options) *Observer {
	l := bolt.New(bolt.NewConsoleHandler(out))
	if opts.JSON {
		l = bolt.New(bolt.NewJSONHandler(out))
	}
	if !opts.Verbose {
		l.SetLevel(bolt.WARN)
	}
	return &Observer{log: l}
}

// Log returns the node-wide logger.
func (o *Observer) Log() *bolt.Logger {
	return o.log
}

// Room returns a logger scoped to one room's coordinator.
func (o *Observer) Room(name string) *bolt.Logger {
	return o.log.With().Str("room", name).Logger()
}

// StartSpan starts an OTel span, attributed to a room when one is
// named.
func (o *Observer) StartSpan(ctx context.Context, name, roomName string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	if roomName != "" {
		span.SetAttributes(attribute.String("room", roomName))
	}
	return ctx, span
}

// Close flushes any buffered logs or traces (placeholder).
func (o *Observer) Close() error {
	return nil
}
