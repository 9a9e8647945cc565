package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/example/aquestalk-proxy/internal/aquestalk"
	"github.com/example/aquestalk-proxy/internal/audio"
	"github.com/example/aquestalk-proxy/internal/testutil"
	"github.com/example/aquestalk-proxy/pkg/protocol"
)

const helloKoe = `{"koe":"こんにちわ、せ'かい"}`

// capturingHandler captures all slog records during a test.
type capturingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (c *capturingHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }
func (c *capturingHandler) Handle(_ context.Context, r slog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
	return nil
}
func (c *capturingHandler) WithAttrs(_ []slog.Attr) slog.Handler { return c }
func (c *capturingHandler) WithGroup(_ string) slog.Handler      { return c }

func (c *capturingHandler) find(msg string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.records {
		if r.Message != msg {
			continue
		}
		m := make(map[string]any)
		r.Attrs(func(a slog.Attr) bool {
			m[a.Key] = a.Value.Any()
			return true
		})
		return m, true
	}
	return nil, false
}

func newTestEngine(voices map[string]aquestalk.Engine, opts ...Option) *Engine {
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewEngine(aquestalk.NewRegistry(voices), opts...)
}

func serve(t *testing.T, e *Engine, input string, limit int64) ([]string, Stats) {
	t.Helper()

	var out bytes.Buffer
	stats, err := e.Serve(context.Background(), Conn{
		Reader: strings.NewReader(input),
		Writer: &out,
		Limit:  limit,
	})
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}

	text := out.String()
	if text != "" && !strings.HasSuffix(text, "\n") {
		t.Fatalf("output does not end with a newline: %q", text)
	}
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if text == "" {
		lines = nil
	}
	return lines, stats
}

func decodeLine(t *testing.T, line string) protocol.Response {
	t.Helper()
	var r protocol.Response
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		t.Fatalf("decode response %q: %v", line, err)
	}
	return r
}

func TestServe_SynthesizesValidRequest(t *testing.T) {
	tone := &testutil.ToneEngine{}
	e := newTestEngine(map[string]aquestalk.Engine{"f1": tone})

	lines, stats := serve(t, e, helloKoe, 0)
	if len(lines) != 1 {
		t.Fatalf("got %d lines; want 1: %q", len(lines), lines)
	}

	var wire struct {
		IsSuccess bool `json:"isSuccess"`
		Response  struct {
			Type string `json:"type"`
			Wav  string `json:"wav"`
		} `json:"response"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !wire.IsSuccess || wire.Response.Type != "Wav" {
		t.Fatalf("response = %s", lines[0])
	}
	wav, err := base64.StdEncoding.DecodeString(wire.Response.Wav)
	if err != nil {
		t.Fatalf("wav is not base64: %v", err)
	}
	testutil.AssertValidWAV(t, wav, audio.EngineSampleRate)

	calls := tone.Calls()
	if len(calls) != 1 || calls[0].Koe != "こんにちわ、せ'かい" || calls[0].Speed != protocol.DefaultSpeed {
		t.Errorf("calls = %+v", calls)
	}
	if stats != (Stats{Requests: 1}) {
		t.Errorf("stats = %+v", stats)
	}
}

func TestServe_BudgetExhaustedIsFatalIoError(t *testing.T) {
	e := newTestEngine(map[string]aquestalk.Engine{"f1": &testutil.ToneEngine{}})

	if len(helloKoe) != 38 {
		t.Fatalf("fixture is %d bytes; want 38", len(helloKoe))
	}
	lines, stats := serve(t, e, helloKoe, 37)

	want := `{"isSuccess":false,"willClose":true,"response":{"type":"IoError","message":"Request is too long"}}`
	if len(lines) != 1 || lines[0] != want {
		t.Fatalf("lines = %q; want [%s]", lines, want)
	}
	if !stats.Closed || stats.Requests != 0 || stats.Failures != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestServe_BudgetStopsReading(t *testing.T) {
	e := newTestEngine(map[string]aquestalk.Engine{"f1": &testutil.ToneEngine{}})

	src := &countingReader{r: strings.NewReader(helloKoe + "\n" + helloKoe)}
	var out bytes.Buffer
	if _, err := e.Serve(context.Background(), Conn{Reader: src, Writer: &out, Limit: 50}); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if src.n > 50 {
		t.Errorf("read %d bytes; budget was 50", src.n)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines; want success then IoError", len(lines))
	}
	if r := decodeLine(t, lines[1]); r.Status() != protocol.Fatal || r.Payload.Type() != "IoError" {
		t.Errorf("second response = %s", lines[1])
	}
}

func TestServe_ExactBudgetEndsCleanly(t *testing.T) {
	e := newTestEngine(map[string]aquestalk.Engine{"f1": &testutil.ToneEngine{}})

	lines, stats := serve(t, e, helloKoe, int64(len(helloKoe)))
	if len(lines) != 1 {
		t.Fatalf("got %d lines; want 1", len(lines))
	}
	if r := decodeLine(t, lines[0]); r.Status() != protocol.Success {
		t.Errorf("response = %s", lines[0])
	}
	if stats.Closed {
		t.Error("session reported a fatal close")
	}
}

func TestServe_TruncatedJSONIsFatal(t *testing.T) {
	e := newTestEngine(map[string]aquestalk.Engine{"f1": &testutil.ToneEngine{}})

	lines, stats := serve(t, e, `{"koe":"あ"`, 0)
	if len(lines) != 1 {
		t.Fatalf("got %d lines; want 1", len(lines))
	}
	r := decodeLine(t, lines[0])
	if r.IsSuccess || !r.WillClose || r.Payload.Type() != "JsonError" {
		t.Errorf("response = %s", lines[0])
	}
	if r.Request != nil {
		t.Errorf("fatal response echoes request %s", r.Request)
	}
	if !stats.Closed {
		t.Error("stats.Closed = false")
	}
}

func TestServe_InvalidUTF8IsFatal(t *testing.T) {
	tone := &testutil.ToneEngine{}
	e := newTestEngine(map[string]aquestalk.Engine{"f1": tone})

	lines, stats := serve(t, e, "{\"koee\":\"\xff\"}\n{\"koe\":\"\xfe\"}", 0)
	if len(lines) != 1 {
		t.Fatalf("got %d lines; want 1: %q", len(lines), lines)
	}
	if !utf8.ValidString(lines[0]) {
		t.Fatalf("response is not valid UTF-8: %q", lines[0])
	}
	want := `{"isSuccess":false,"willClose":true,"response":{"type":"JsonError","message":"invalid unicode code point at offset 9"}}`
	if lines[0] != want {
		t.Errorf("response = %s\nwant       %s", lines[0], want)
	}
	if !stats.Closed || stats.Requests != 0 {
		t.Errorf("stats = %+v; want closed with no requests", stats)
	}
	if calls := tone.Calls(); len(calls) != 0 {
		t.Errorf("engine called %d times", len(calls))
	}
}

func TestServe_MalformedAfterValidRequest(t *testing.T) {
	e := newTestEngine(map[string]aquestalk.Engine{"f1": &testutil.ToneEngine{}})

	lines, _ := serve(t, e, helloKoe+"\n}"+helloKoe, 0)
	if len(lines) != 2 {
		t.Fatalf("got %d lines; want 2", len(lines))
	}
	if r := decodeLine(t, lines[0]); r.Status() != protocol.Success {
		t.Errorf("first response = %s", lines[0])
	}
	if r := decodeLine(t, lines[1]); r.Status() != protocol.Fatal || r.Payload.Type() != "JsonError" {
		t.Errorf("second response = %s", lines[1])
	}
}

func TestServe_UnknownFieldIsRecoverable(t *testing.T) {
	e := newTestEngine(map[string]aquestalk.Engine{"f1": &testutil.ToneEngine{}})

	lines, stats := serve(t, e, `{"koee":"こんにちわ"}`+"\n"+helloKoe, 0)
	if len(lines) != 2 {
		t.Fatalf("got %d lines; want 2", len(lines))
	}

	want := `{"isSuccess":false,"response":{"type":"JsonError","message":"unknown field \"koee\", expected one of \"type\", \"speed\", \"koe\""},"request":{"koee":"こんにちわ"}}`
	if lines[0] != want {
		t.Errorf("first line = %s; want %s", lines[0], want)
	}
	if r := decodeLine(t, lines[1]); r.Status() != protocol.Success {
		t.Errorf("session did not continue: %s", lines[1])
	}
	if stats.Requests != 2 || stats.Failures != 1 || stats.Closed {
		t.Errorf("stats = %+v", stats)
	}
}

func TestServe_NonObjectIsRecoverable(t *testing.T) {
	e := newTestEngine(map[string]aquestalk.Engine{"f1": &testutil.ToneEngine{}})

	lines, _ := serve(t, e, "42\n"+helloKoe, 0)
	if len(lines) != 2 {
		t.Fatalf("got %d lines; want 2", len(lines))
	}
	r := decodeLine(t, lines[0])
	if r.Status() != protocol.Recoverable || r.Payload.Type() != "JsonError" || string(r.Request) != "42" {
		t.Errorf("first response = %s", lines[0])
	}
}

func TestServe_UnknownVoice(t *testing.T) {
	e := newTestEngine(map[string]aquestalk.Engine{"f1": &testutil.ToneEngine{}})

	lines, _ := serve(t, e, `{"type":"invalid type","koe":"あ"}`, 0)

	want := `{"isSuccess":false,"response":{"type":"AquestalkError","message":"不明な声種 (invalid type)"},"request":{"type":"invalid type","koe":"あ"}}`
	if len(lines) != 1 || lines[0] != want {
		t.Fatalf("lines = %q; want [%s]", lines, want)
	}
}

func TestServe_EngineFaultCarriesCode(t *testing.T) {
	e := newTestEngine(map[string]aquestalk.Engine{"f1": testutil.FaultEngine{Code: aquestalk.CodeBadTag}})

	lines, stats := serve(t, e, helloKoe, 0)
	if len(lines) != 1 {
		t.Fatalf("got %d lines; want 1", len(lines))
	}
	r := decodeLine(t, lines[0])
	if r.Status() != protocol.Recoverable {
		t.Fatalf("status = %v; want recoverable", r.Status())
	}
	aqErr, ok := r.Payload.(protocol.AquestalkError)
	if !ok || aqErr.Code == nil || *aqErr.Code != aquestalk.CodeBadTag {
		t.Fatalf("payload = %#v", r.Payload)
	}
	if aqErr.Message != aquestalk.NewError(aquestalk.CodeBadTag).Message() {
		t.Errorf("message = %q", aqErr.Message)
	}
	if stats.Failures != 1 || stats.Closed {
		t.Errorf("stats = %+v", stats)
	}
}

func TestServe_InvalidKoeIsEngineFault(t *testing.T) {
	e := newTestEngine(map[string]aquestalk.Engine{"f1": &testutil.ToneEngine{}})

	lines, _ := serve(t, e, `{"koe":"a b"}`, 0)
	r := decodeLine(t, lines[0])
	aqErr, ok := r.Payload.(protocol.AquestalkError)
	if !ok || aqErr.Code == nil || *aqErr.Code != aquestalk.CodeUndefinedSymbol2 {
		t.Fatalf("payload = %#v", r.Payload)
	}
}

func TestServe_NonEngineErrorMapsToGenericCode(t *testing.T) {
	e := newTestEngine(map[string]aquestalk.Engine{"f1": brokenEngine{}})

	lines, _ := serve(t, e, helloKoe, 0)
	r := decodeLine(t, lines[0])
	aqErr, ok := r.Payload.(protocol.AquestalkError)
	if !ok || aqErr.Code == nil || *aqErr.Code != aquestalk.CodeOther {
		t.Fatalf("payload = %#v", r.Payload)
	}
}

func TestServe_RepeatedRequestsAreIndependent(t *testing.T) {
	tone := &testutil.ToneEngine{}
	e := newTestEngine(map[string]aquestalk.Engine{"f1": tone})

	lines, stats := serve(t, e, helloKoe+helloKoe, 0)
	if len(lines) != 2 {
		t.Fatalf("got %d lines; want 2", len(lines))
	}
	if lines[0] != lines[1] {
		t.Error("identical requests produced different responses")
	}
	if stats.Requests != 2 || len(tone.Calls()) != 2 {
		t.Errorf("stats = %+v calls = %d", stats, len(tone.Calls()))
	}
}

func TestServe_AppliesRequestFields(t *testing.T) {
	tone := &testutil.ToneEngine{}
	m1 := &testutil.ToneEngine{}
	e := newTestEngine(map[string]aquestalk.Engine{"f1": tone, "m1": m1})

	serve(t, e, `{"type":"m1","speed":150,"koe":"あ"}`, 0)

	if len(tone.Calls()) != 0 {
		t.Error("default voice was called")
	}
	calls := m1.Calls()
	if len(calls) != 1 || calls[0].Speed != 150 {
		t.Errorf("m1 calls = %+v", calls)
	}
}

func TestServe_EmptyInput(t *testing.T) {
	e := newTestEngine(nil)

	lines, stats := serve(t, e, "", 0)
	if len(lines) != 0 || stats != (Stats{}) {
		t.Errorf("lines = %q stats = %+v", lines, stats)
	}
}

func TestServe_ReaderFaultIsFatalIoError(t *testing.T) {
	e := newTestEngine(map[string]aquestalk.Engine{"f1": &testutil.ToneEngine{}})

	src := io.MultiReader(strings.NewReader(helloKoe), &errReader{err: errors.New("read tcp: i/o timeout")})
	var out bytes.Buffer
	stats, err := e.Serve(context.Background(), Conn{Reader: src, Writer: &out})
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines; want 2", len(lines))
	}
	want := `{"isSuccess":false,"willClose":true,"response":{"type":"IoError","message":"read tcp: i/o timeout"}}`
	if lines[1] != want {
		t.Errorf("line = %s; want %s", lines[1], want)
	}
	if !stats.Closed {
		t.Error("stats.Closed = false")
	}
}

func TestServe_FlushesEachResponse(t *testing.T) {
	e := newTestEngine(map[string]aquestalk.Engine{"f1": &testutil.ToneEngine{}})

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	done := make(chan error, 1)
	go func() {
		_, err := e.Serve(context.Background(), Conn{Reader: inR, Writer: outW})
		_ = outW.Close()
		done <- err
	}()

	lines := bufio.NewReader(outR)
	for i := range 3 {
		if _, err := io.WriteString(inW, helloKoe+"\n"); err != nil {
			t.Fatalf("write request %d: %v", i, err)
		}

		got := make(chan string, 1)
		go func() {
			line, _ := lines.ReadString('\n')
			got <- line
		}()
		select {
		case line := <-got:
			if r := decodeLine(t, line); r.Status() != protocol.Success {
				t.Fatalf("response %d = %s", i, line)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("response %d not flushed", i)
		}
	}

	_ = inW.Close()
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestServe_WriteFailureIsReturned(t *testing.T) {
	e := newTestEngine(map[string]aquestalk.Engine{"f1": &testutil.ToneEngine{}})

	boom := errors.New("broken pipe")
	_, err := e.Serve(context.Background(), Conn{
		Reader: strings.NewReader(helloKoe + helloKoe),
		Writer: failingWriter{err: boom},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v; want broken pipe", err)
	}
}

func TestServe_CancelledContextStopsBeforeReading(t *testing.T) {
	e := newTestEngine(map[string]aquestalk.Engine{"f1": &testutil.ToneEngine{}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	stats, err := e.Serve(ctx, Conn{Reader: strings.NewReader(helloKoe), Writer: &out})
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if out.Len() != 0 || stats.Requests != 0 {
		t.Errorf("out = %q stats = %+v", out.String(), stats)
	}
}

func TestServe_LogsRequestRecord(t *testing.T) {
	capture := &capturingHandler{}
	e := newTestEngine(map[string]aquestalk.Engine{"f1": &testutil.ToneEngine{}}, WithLogger(slog.New(capture)))

	if _, err := e.Serve(context.Background(), Conn{
		ID:     "s-1",
		Reader: strings.NewReader(`{"koe":"こんにちわ","speed":100}`),
		Writer: io.Discard,
	}); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	attrs, ok := capture.find("synthesis complete")
	if !ok {
		t.Fatal("no synthesis record logged")
	}
	if attrs["voice"] != "f1" {
		t.Errorf("voice = %v; want f1", attrs["voice"])
	}
	if attrs["outcome"] != "Wav" {
		t.Errorf("outcome = %v; want Wav", attrs["outcome"])
	}
	for _, key := range []string{"koe_len", "speed", "duration_ms", "wav_bytes", "audio_ms"} {
		if _, ok := attrs[key]; !ok {
			t.Errorf("missing %s attribute", key)
		}
	}
	if got := attrs["audio_ms"]; got != int64(50) {
		t.Errorf("audio_ms = %v; want 50", got)
	}
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

type brokenEngine struct{}

func (brokenEngine) Synthe(string, int) ([]byte, error) {
	return nil, errors.New("voice closed")
}
