package aquestalk

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/japanese"
)

// maxAccentPhraseRunes is the longest accent phrase the engine accepts.
const maxAccentPhraseRunes = 255

const accentPhraseDelimiters = "。？、,;/+"

// EncodeKoe converts phonetic text to the NUL-terminated Shift_JIS string the
// engine expects. Inputs the engine would reject, or crash on, are refused
// with the code the engine itself reports for them.
func EncodeKoe(koe string) ([]byte, error) {
	if koe == "" {
		return nil, NewError(CodeOther)
	}

	if strings.ContainsAny(koe, " \x00") {
		return nil, NewError(CodeUndefinedSymbol2)
	}

	phrases := strings.FieldsFunc(koe, func(r rune) bool {
		return strings.ContainsRune(accentPhraseDelimiters, r)
	})
	for _, phrase := range phrases {
		if utf8.RuneCountInString(phrase) > maxAccentPhraseRunes {
			return nil, NewError(CodeUndefinedSymbol)
		}
	}

	encoded, err := japanese.ShiftJIS.NewEncoder().Bytes([]byte(koe))
	if err != nil {
		return nil, NewError(CodeUndefinedSymbol2)
	}

	return append(encoded, 0), nil
}
