// Package session runs the request/response loop of one proxy session:
// decode a request from the stream, dispatch it to a voice, write exactly
// one response line, and decide whether the session survives.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/aquestalk-proxy/internal/aquestalk"
	"github.com/example/aquestalk-proxy/internal/audio"
	"github.com/example/aquestalk-proxy/internal/observe"
	"github.com/example/aquestalk-proxy/pkg/protocol"
)

// TooLongMessage is the IoError message sent when the byte budget runs out.
const TooLongMessage = "Request is too long"

// Voices resolves voice ids to engines.
type Voices interface {
	Lookup(id string) (aquestalk.Engine, bool)
}

// Conn is one session's stream pair.
type Conn struct {
	// ID names the session in logs. A random id is used when empty.
	ID string

	// Transport labels metrics, e.g. "stdio" or "tcp".
	Transport string

	Reader io.Reader
	Writer io.Writer

	// Limit is the byte budget for the whole session. 0 means none.
	Limit int64
}

// Stats summarizes a finished session.
type Stats struct {
	Requests int
	Failures int

	// Closed is true when the session ended with a willClose response.
	Closed bool
}

type options struct {
	logger  *slog.Logger
	metrics *observe.Metrics
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the logger for per-request records.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records session and request metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Engine serves sessions against a fixed set of voices. It holds no
// per-session state and is safe for concurrent use.
type Engine struct {
	voices  Voices
	log     *slog.Logger
	metrics *observe.Metrics
}

// NewEngine returns an Engine dispatching to voices.
func NewEngine(voices Voices, optFns ...Option) *Engine {
	opts := options{logger: slog.Default()}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{voices: voices, log: opts.logger, metrics: opts.metrics}
}

// Serve runs one session until the peer finishes, a fatal fault is
// answered, or ctx is cancelled. Per-request faults become responses; the
// returned error is non-nil only when a response could not be written.
func (e *Engine) Serve(ctx context.Context, conn Conn) (Stats, error) {
	id := conn.ID
	if id == "" {
		id = uuid.NewString()
	}
	log := e.log.With(slog.String("session", id))
	done := e.metrics.SessionStarted(ctx, conn.Transport)
	defer done()

	s := &run{
		engine: e,
		log:    log,
		dec:    NewDecoder(NewBudgetReader(conn.Reader, conn.Limit)),
		out:    bufio.NewWriter(conn.Writer),
	}
	s.enc = protocol.NewEncoder(s.out)

	log.DebugContext(ctx, "session started", slog.Int64("limit", conn.Limit))
	for ctx.Err() == nil {
		more, err := s.step(ctx)
		if err != nil {
			log.WarnContext(ctx, "session aborted", slog.String("error", err.Error()))
			return s.stats, err
		}
		if !more {
			break
		}
	}
	log.DebugContext(ctx, "session finished",
		slog.Int("requests", s.stats.Requests),
		slog.Int("failures", s.stats.Failures),
		slog.Bool("closed", s.stats.Closed),
	)
	return s.stats, nil
}

// run is the state of one Serve call.
type run struct {
	engine *Engine
	log    *slog.Logger
	dec    *Decoder
	out    *bufio.Writer
	enc    *protocol.Encoder
	stats  Stats
}

// step handles one request. It reports whether the session stays open.
func (s *run) step(ctx context.Context) (bool, error) {
	raw, err := s.dec.Next()
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		payload := decodeFault(err)
		s.log.WarnContext(ctx, "session closed on stream fault",
			slog.String("outcome", payload.Type()),
			slog.String("error", err.Error()),
		)
		s.stats.Closed = true
		return false, s.respond(ctx, protocol.Fatal, payload, nil)
	}

	s.stats.Requests++
	status, payload := s.dispatch(ctx, raw)
	return true, s.respond(ctx, status, payload, raw)
}

func decodeFault(err error) protocol.Payload {
	var syntax *SyntaxFault
	switch {
	case errors.Is(err, ErrBudgetExceeded):
		return protocol.IOError{Message: TooLongMessage}
	case errors.As(err, &syntax):
		return protocol.JSONError{Message: syntax.Error()}
	default:
		return protocol.IOError{Message: err.Error()}
	}
}

func (s *run) dispatch(ctx context.Context, raw json.RawMessage) (protocol.Status, protocol.Payload) {
	start := time.Now()

	req, err := protocol.DecodeRequest(raw)
	if err != nil {
		s.log.InfoContext(ctx, "request rejected",
			slog.String("outcome", "JsonError"),
			slog.String("error", err.Error()),
		)
		return protocol.Recoverable, protocol.JSONError{Message: err.Error()}
	}

	attrs := []any{
		slog.String("voice", req.Type),
		slog.Int("koe_len", len(req.Koe)),
		slog.Int("speed", req.Speed),
	}

	voice, ok := s.engine.voices.Lookup(req.Type)
	if !ok {
		s.log.InfoContext(ctx, "unknown voice", append(attrs, slog.String("outcome", "AquestalkError"))...)
		return protocol.Recoverable, protocol.AquestalkError{Message: aquestalk.UnknownVoiceMessage(req.Type)}
	}

	wav, err := voice.Synthe(req.Koe, req.Speed)
	elapsed := time.Since(start)
	s.engine.metrics.RecordSynthesis(ctx, req.Type, elapsed)
	attrs = append(attrs, slog.Int64("duration_ms", elapsed.Milliseconds()))

	if err != nil {
		var aqErr *aquestalk.Error
		if !errors.As(err, &aqErr) {
			aqErr = aquestalk.NewError(aquestalk.CodeOther)
		}
		code := aqErr.Code
		s.log.InfoContext(ctx, "synthesis failed", append(attrs,
			slog.String("outcome", "AquestalkError"),
			slog.Int("code", code),
			slog.String("error", err.Error()),
		)...)
		return protocol.Recoverable, protocol.AquestalkError{Code: &code, Message: aqErr.Message()}
	}

	attrs = append(attrs, slog.String("outcome", "Wav"), slog.Int("wav_bytes", len(wav)))
	if info, err := audio.Header(wav); err == nil {
		attrs = append(attrs, slog.Int64("audio_ms", info.Duration.Milliseconds()))
	}
	s.log.InfoContext(ctx, "synthesis complete", attrs...)
	return protocol.Success, protocol.Wav{Data: wav}
}

// respond writes one response line and flushes it.
func (s *run) respond(ctx context.Context, status protocol.Status, payload protocol.Payload, raw json.RawMessage) error {
	if status != protocol.Success {
		s.stats.Failures++
	}
	s.engine.metrics.RecordRequest(ctx, payload.Type())

	if err := s.enc.Encode(protocol.NewResponse(status, payload, raw)); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if err := s.out.Flush(); err != nil {
		return fmt.Errorf("flush response: %w", err)
	}
	return nil
}
