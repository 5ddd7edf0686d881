package protocol

import (
	"encoding/base64"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Limits shared by server and client.
const (
	NicknameMaxLen          = 24
	EmergencyMessageMaxLen  = 200
	DefaultMaxAudioBytes    = 1_000_000
	DefaultMaxAudioDuration = 30_000 // ms
)

var (
	channelCodeRe = regexp.MustCompile(`^\d{4}$`)
	base64Re      = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)
)

// AllowedMimeTypes is the exact allow-list after case normalisation.
var AllowedMimeTypes = map[string]struct{}{
	"audio/webm": {},
	"audio/mp4":  {},
}

// NormalizeNickname trims a nickname and reports whether its length is in
// [1, NicknameMaxLen] characters.
func NormalizeNickname(raw string) (string, bool) {
	n := strings.TrimSpace(raw)
	l := utf8.RuneCountInString(n)
	return n, l >= 1 && l <= NicknameMaxLen
}

// ValidChannelCode reports whether code is exactly four ASCII digits.
func ValidChannelCode(code string) bool {
	return channelCodeRe.MatchString(code)
}

// NormalizeMime lowercases and trims a mime type and checks the allow-list.
func NormalizeMime(raw string) (string, bool) {
	m := strings.ToLower(strings.TrimSpace(raw))
	_, ok := AllowedMimeTypes[m]
	return m, ok
}

// ValidDuration reports whether ms lies in (0, maxMs].
func ValidDuration(ms float64, maxMs int64) bool {
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return false
	}
	return ms > 0 && ms <= float64(maxMs)
}

// ValidBase64 checks alphabet and padding of a standard base64 string.
func ValidBase64(s string) bool {
	if s == "" || len(s)%4 != 0 {
		return false
	}
	return base64Re.MatchString(s)
}

// EstimatedDecodedLen returns the decoded byte length implied by a padded
// base64 string without decoding it.
func EstimatedDecodedLen(s string) int64 {
	n := int64(len(s)) / 4 * 3
	switch {
	case strings.HasSuffix(s, "=="):
		n -= 2
	case strings.HasSuffix(s, "="):
		n--
	}
	return n
}

// FrameOverhead bounds the JSON envelope and clip metadata around the base64
// audio field of a send-audio-message frame.
const FrameOverhead = 64 << 10

// MinReadLimit is the smallest inbound frame limit that still carries a clip
// of maxAudioBytes.
func MinReadLimit(maxAudioBytes int64) int64 {
	return int64(base64.StdEncoding.EncodedLen(int(maxAudioBytes))) + FrameOverhead
}

// DefaultReadLimit admits frames of clips up to twice maxAudioBytes, so that
// moderately oversized clips are still read and rejected with
// payload_too_large instead of closing the socket.
func DefaultReadLimit(maxAudioBytes int64) int64 {
	return 2*int64(base64.StdEncoding.EncodedLen(int(maxAudioBytes))) + FrameOverhead
}

// DecodeAudio strictly decodes a standard base64 payload.
func DecodeAudio(s string) ([]byte, error) {
	return base64.StdEncoding.Strict().DecodeString(s)
}

// ValidLocation reports whether both coordinates are finite numbers.
func ValidLocation(l Location) bool {
	return !math.IsNaN(l.Lat) && !math.IsInf(l.Lat, 0) &&
		!math.IsNaN(l.Lng) && !math.IsInf(l.Lng, 0)
}

// NormalizeEmergencyMessage trims a message and reports whether its length is
// in [1, EmergencyMessageMaxLen] characters.
func NormalizeEmergencyMessage(raw string) (string, bool) {
	m := strings.TrimSpace(raw)
	l := utf8.RuneCountInString(m)
	return m, l >= 1 && l <= EmergencyMessageMaxLen
}

// AudioLimits bounds an audio clip.
type AudioLimits struct {
	MaxBytes      int64
	MaxDurationMs int64
}

func DefaultAudioLimits() AudioLimits {
	return AudioLimits{MaxBytes: DefaultMaxAudioBytes, MaxDurationMs: DefaultMaxAudioDuration}
}

// CheckAudio runs the body checks that need no session context: mime
// allow-list, duration range, base64 form and estimated size, in that order.
// It returns the normalised mime type.
func CheckAudio(mime string, durationMs float64, audioBase64 string, lim AudioLimits) (string, *Error) {
	m, ok := NormalizeMime(mime)
	if !ok {
		return "", Errorf(CodeInvalidPayload, "unsupported mime type %q", mime)
	}
	if !ValidDuration(durationMs, lim.MaxDurationMs) {
		return "", Errorf(CodeDurationExceeded, "duration must be in (0, %d] ms", lim.MaxDurationMs)
	}
	if !ValidBase64(audioBase64) {
		return "", Errorf(CodeInvalidPayload, "audio payload is not valid base64")
	}
	if EstimatedDecodedLen(audioBase64) > lim.MaxBytes {
		return "", Errorf(CodePayloadTooLarge, "audio payload exceeds %d bytes", lim.MaxBytes)
	}
	return m, nil
}
