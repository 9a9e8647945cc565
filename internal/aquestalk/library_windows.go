//go:build windows

package aquestalk

import "golang.org/x/sys/windows"

// ArtifactName is the engine library file expected in every voice directory.
const ArtifactName = "AquesTalk.dll"

func openLibrary(path string) (uintptr, error) {
	h, err := windows.LoadLibrary(path)
	if err != nil {
		return 0, err
	}
	return uintptr(h), nil
}

func lookupSymbol(handle uintptr, name string) (uintptr, error) {
	return windows.GetProcAddress(windows.Handle(handle), name)
}

func closeLibrary(handle uintptr) error {
	return windows.FreeLibrary(windows.Handle(handle))
}
