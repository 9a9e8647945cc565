package aquestalk

import (
	"fmt"

	"github.com/ebitengine/purego"
)

const (
	symbolSynthe   = "AquesTalk_Synthe"
	symbolFreeWave = "AquesTalk_FreeWave"
)

// nativeLibrary binds the engine's exported functions with purego, so no
// cgo toolchain is needed to build the proxy.
type nativeLibrary struct {
	handle uintptr

	syntheFn   func(koe *byte, speed int32, size *int32) *byte
	freeWaveFn func(wav *byte)
}

func loadLibrary(path string) (*nativeLibrary, error) {
	handle, err := openLibrary(path)
	if err != nil {
		return nil, err
	}

	lib := &nativeLibrary{handle: handle}

	syntheSym, err := lookupSymbol(handle, symbolSynthe)
	if err != nil {
		_ = closeLibrary(handle)
		return nil, fmt.Errorf("resolve %s: %w", symbolSynthe, err)
	}
	freeSym, err := lookupSymbol(handle, symbolFreeWave)
	if err != nil {
		_ = closeLibrary(handle)
		return nil, fmt.Errorf("resolve %s: %w", symbolFreeWave, err)
	}

	purego.RegisterFunc(&lib.syntheFn, syntheSym)
	purego.RegisterFunc(&lib.freeWaveFn, freeSym)

	return lib, nil
}

func (l *nativeLibrary) synthe(koe *byte, speed int32, size *int32) *byte {
	return l.syntheFn(koe, speed, size)
}

func (l *nativeLibrary) freeWave(wav *byte) {
	l.freeWaveFn(wav)
}

func (l *nativeLibrary) close() error {
	return closeLibrary(l.handle)
}
