package aquestalk

import "fmt"

// Error is a fault code reported by the AquesTalk engine.
type Error struct {
	Code int
}

// NewError returns the engine fault for code.
func NewError(code int) *Error {
	return &Error{Code: code}
}

func (e *Error) Error() string {
	return e.Message()
}

// Message returns the engine's description of the fault code.
func (e *Error) Message() string {
	if msg, ok := errorMessages[e.Code]; ok {
		return msg
	}
	return fmt.Sprintf("不明なエラー (code %d)", e.Code)
}

// Known reports whether the code is part of the engine's documented table.
func (e *Error) Known() bool {
	_, ok := errorMessages[e.Code]
	return ok
}

// Codes as documented by the engine vendor.
const (
	CodeOther            = 100
	CodeOutOfMemory      = 101
	CodeUndefinedSymbol  = 102
	CodeNegativeDuration = 103
	CodeBadDelimiter     = 104
	CodeUndefinedSymbol2 = 105
	CodeBadTag           = 106
	CodeTagTooLong       = 107
	CodeBadTagValue      = 108
	CodePlayback         = 109
	CodePlaybackAsync    = 110
	CodeNothingToSpeak   = 111
	CodeKoeTooLong       = 200
	CodePhraseTooLong    = 201
	CodeBufferOverflow   = 202
	CodeHeapExhausted    = 203
	CodeBufferOverflow2  = 204
)

var errorMessages = map[int]string{
	CodeOther:            "その他のエラー",
	CodeOutOfMemory:      "メモリ不足",
	CodeUndefinedSymbol:  "音声記号列に未定義の読み記号が指定された",
	CodeNegativeDuration: "韻律データの時間長がマイナスなっている",
	CodeBadDelimiter:     "内部エラー(未定義の区切りコード検出）",
	CodeUndefinedSymbol2: "音声記号列に未定義の読み記号が指定された",
	CodeBadTag:           "音声記号列のタグの指定が正しくない",
	CodeTagTooLong:       "タグの長さが制限を越えている（または[>]がみつからない）",
	CodeBadTagValue:      "タグ内の値の指定が正しくない",
	CodePlayback:         "WAVE 再生ができない（サウンドドライバ関連の問題）",
	CodePlaybackAsync:    "WAVE 再生ができない（サウンドドライバ関連の問題非同期再生）",
	CodeNothingToSpeak:   "発声すべきデータがない",
	CodeKoeTooLong:       "音声記号列が長すぎる",
	CodePhraseTooLong:    "１つのフレーズ中の読み記号が多すぎる",
	CodeBufferOverflow:   "音声記号列が長い（内部バッファオーバー1）",
	CodeHeapExhausted:    "ヒープメモリ不足",
	CodeBufferOverflow2:  "音声記号列が長い（内部バッファオーバー1）",
}

// UnknownVoiceMessage is reported when a request names a voice that is not
// loaded.
func UnknownVoiceMessage(voice string) string {
	return fmt.Sprintf("不明な声種 (%s)", voice)
}
