package aquestalk

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"
)

// fakeLibrary stands in for the native engine.
type fakeLibrary struct {
	wav  []byte
	code int32

	mu        sync.Mutex
	lastKoe   []byte
	lastSpeed int32
	calls     int
	frees     int
	closed    bool

	inside  atomic.Int32
	maxSeen atomic.Int32
	delay   time.Duration
}

func cString(p *byte) []byte {
	var out []byte
	for i := 0; ; i++ {
		b := *(*byte)(unsafe.Add(unsafe.Pointer(p), i))
		if b == 0 {
			return out
		}
		out = append(out, b)
	}
}

func (f *fakeLibrary) synthe(koe *byte, speed int32, size *int32) *byte {
	n := f.inside.Add(1)
	defer f.inside.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.lastKoe = cString(koe)
	f.lastSpeed = speed

	if f.code != 0 {
		*size = f.code
		return nil
	}
	buf := append([]byte(nil), f.wav...)
	*size = int32(len(buf))
	return &buf[0]
}

func (f *fakeLibrary) freeWave(_ *byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frees++
}

func (f *fakeLibrary) close() error {
	f.closed = true
	return nil
}

func TestVoice_SyntheCopiesAndFrees(t *testing.T) {
	lib := &fakeLibrary{wav: []byte("RIFF----WAVE")}
	v := &Voice{lib: lib}

	got, err := v.Synthe("あ", 120)
	if err != nil {
		t.Fatalf("Synthe: %v", err)
	}

	if !bytes.Equal(got, []byte("RIFF----WAVE")) {
		t.Errorf("wav = %q", got)
	}
	if lib.frees != 1 {
		t.Errorf("frees = %d; want 1", lib.frees)
	}
	if lib.lastSpeed != 120 {
		t.Errorf("speed = %d; want 120", lib.lastSpeed)
	}
	if !bytes.Equal(lib.lastKoe, []byte{0x82, 0xa0}) {
		t.Errorf("koe = % x; want Shift_JIS あ", lib.lastKoe)
	}
}

func TestVoice_EngineFaultIsNotFreed(t *testing.T) {
	lib := &fakeLibrary{code: CodeBadTag}
	v := &Voice{lib: lib}

	_, err := v.Synthe("あ", 100)

	var aqErr *Error
	if !errors.As(err, &aqErr) || aqErr.Code != CodeBadTag {
		t.Fatalf("err = %v; want engine code %d", err, CodeBadTag)
	}
	if lib.frees != 0 {
		t.Errorf("frees = %d; want 0 for a failed call", lib.frees)
	}
}

func TestVoice_InvalidKoeNeverReachesEngine(t *testing.T) {
	lib := &fakeLibrary{wav: []byte("x")}
	v := &Voice{lib: lib}

	if _, err := v.Synthe("🤔", 100); err == nil {
		t.Fatal("Synthe(emoji) = nil error")
	}
	if lib.calls != 0 {
		t.Errorf("engine called %d times; want 0", lib.calls)
	}
}

func TestVoice_SerializesConcurrentCalls(t *testing.T) {
	lib := &fakeLibrary{wav: []byte("RIFF"), delay: time.Millisecond}
	v := &Voice{lib: lib}

	const callers = 8
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := v.Synthe("あ", 100); err != nil {
				t.Errorf("Synthe: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := lib.maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent engine calls = %d; want 1", got)
	}
	if lib.calls != callers || lib.frees != callers {
		t.Errorf("calls = %d frees = %d; want %d each", lib.calls, lib.frees, callers)
	}
}

func TestVoice_CloseIsIdempotentAndBlocksCalls(t *testing.T) {
	lib := &fakeLibrary{wav: []byte("RIFF")}
	v := &Voice{path: "f1/" + ArtifactName, lib: lib}

	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !lib.closed {
		t.Error("library not closed")
	}
	if _, err := v.Synthe("あ", 100); err == nil {
		t.Error("Synthe after Close = nil error")
	}
}

func TestOpenVoice_NotALibrary(t *testing.T) {
	path := t.TempDir() + "/" + ArtifactName
	if err := writeFile(path, []byte("not a shared object")); err != nil {
		t.Fatal(err)
	}

	if _, err := OpenVoice(path); err == nil {
		t.Fatal("OpenVoice(garbage) = nil error")
	}
}
