package aquestalk

import (
	"fmt"
	"sync"
	"unsafe"
)

// Engine synthesizes phonetic text into WAV bytes. Engine faults are
// returned as *Error.
type Engine interface {
	Synthe(koe string, speed int) ([]byte, error)
}

// library is the native entry point pair of one loaded engine.
type library interface {
	synthe(koe *byte, speed int32, size *int32) *byte
	freeWave(wav *byte)
	close() error
}

// Voice is a handle on one loaded engine library. The library is not
// reentrant, so calls are serialized; the lock is held for one synthesis
// call only. A Voice is safe for concurrent use.
type Voice struct {
	path string

	mu     sync.Mutex
	lib    library
	closed bool
}

// OpenVoice loads the engine library at path and resolves its entry points.
func OpenVoice(path string) (*Voice, error) {
	lib, err := loadLibrary(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return &Voice{path: path, lib: lib}, nil
}

// Path returns the file the library was loaded from.
func (v *Voice) Path() string {
	return v.path
}

// Synthe runs one synthesis at the given speed (percent, 50–300 in the
// engine's documented range) and returns a copy of the engine's WAV output.
func (v *Voice) Synthe(koe string, speed int) ([]byte, error) {
	encoded, err := EncodeKoe(koe)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, fmt.Errorf("voice %s is closed", v.path)
	}

	var size int32
	wav := v.lib.synthe(&encoded[0], int32(speed), &size)
	if wav == nil {
		return nil, NewError(int(size))
	}
	defer v.lib.freeWave(wav)

	if size <= 0 {
		return []byte{}, nil
	}

	out := make([]byte, size)
	copy(out, unsafe.Slice(wav, int(size)))
	return out, nil
}

// Close unloads the library. Calls after Close fail.
func (v *Voice) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true
	return v.lib.close()
}
