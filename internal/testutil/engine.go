package testutil

import (
	"sync"
	"unicode/utf8"

	"github.com/example/aquestalk-proxy/internal/aquestalk"
	"github.com/example/aquestalk-proxy/internal/audio"
)

// ToneEngine is an aquestalk.Engine that answers every koe with a short
// engine-format WAV whose length grows with the input. It validates koe the
// way the native engine does, so invalid input yields the same fault codes.
type ToneEngine struct {
	mu    sync.Mutex
	calls []ToneCall
}

// ToneCall records one Synthe invocation.
type ToneCall struct {
	Koe   string
	Speed int
}

// Synthe renders 10 ms of a square wave per koe rune, scaled by speed.
func (e *ToneEngine) Synthe(koe string, speed int) ([]byte, error) {
	if _, err := aquestalk.EncodeKoe(koe); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.calls = append(e.calls, ToneCall{Koe: koe, Speed: speed})
	e.mu.Unlock()

	if speed <= 0 {
		speed = 100
	}
	frames := utf8.RuneCountInString(koe) * audio.EngineSampleRate / 100 * 100 / speed
	samples := make([]float32, frames)
	for i := range samples {
		if (i/20)%2 == 0 {
			samples[i] = 0.25
		} else {
			samples[i] = -0.25
		}
	}
	return audio.EncodePCM16(samples, audio.EngineSampleRate)
}

// Calls returns a copy of the recorded calls.
func (e *ToneEngine) Calls() []ToneCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ToneCall(nil), e.calls...)
}

// FaultEngine fails every call with a fixed engine code.
type FaultEngine struct {
	Code int
}

func (e FaultEngine) Synthe(string, int) ([]byte, error) {
	return nil, aquestalk.NewError(e.Code)
}
