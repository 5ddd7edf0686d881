package protocol

import (
	"encoding/base64"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestNormalizeNickname(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Bravo", "Bravo", true},
		{"  Bravo  ", "Bravo", true},
		{"a", "a", true},
		{strings.Repeat("x", 24), strings.Repeat("x", 24), true},
		{strings.Repeat("x", 25), strings.Repeat("x", 25), false},
		{"   ", "", false},
		{"", "", false},
		{strings.Repeat("é", 24), strings.Repeat("é", 24), true},
	}
	for _, c := range cases {
		got, ok := NormalizeNickname(c.in)
		if got != c.want || ok != c.ok {
			t.Fatalf("NormalizeNickname(%q) = %q,%v want %q,%v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestValidChannelCode(t *testing.T) {
	for _, code := range []string{"0000", "1234", "9999"} {
		if !ValidChannelCode(code) {
			t.Fatalf("expected %q valid", code)
		}
	}
	for _, code := range []string{"", "123", "12345", "12a4", " 1234", "١٢٣٤"} {
		if ValidChannelCode(code) {
			t.Fatalf("expected %q invalid", code)
		}
	}
}

func TestNormalizeMime(t *testing.T) {
	if m, ok := NormalizeMime(" Audio/WebM "); !ok || m != "audio/webm" {
		t.Fatalf("expected audio/webm accepted, got %q %v", m, ok)
	}
	if _, ok := NormalizeMime("audio/ogg"); ok {
		t.Fatalf("audio/ogg must be rejected")
	}
	if _, ok := NormalizeMime("audio/webm;codecs=opus"); ok {
		t.Fatalf("parameters are not part of the allow-list")
	}
}

func TestValidDuration(t *testing.T) {
	if ValidDuration(0, 30000) || ValidDuration(-1, 30000) || ValidDuration(30001, 30000) {
		t.Fatalf("out of range durations accepted")
	}
	if ValidDuration(math.NaN(), 30000) || ValidDuration(math.Inf(1), 30000) {
		t.Fatalf("non-finite duration accepted")
	}
	if !ValidDuration(0.5, 30000) || !ValidDuration(30000, 30000) {
		t.Fatalf("in-range duration rejected")
	}
}

func TestBase64Helpers(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 100} {
		raw := make([]byte, n)
		enc := base64.StdEncoding.EncodeToString(raw)
		if !ValidBase64(enc) {
			t.Fatalf("valid encoding rejected for n=%d", n)
		}
		if got := EstimatedDecodedLen(enc); got != int64(n) {
			t.Fatalf("estimate for n=%d: got %d", n, got)
		}
		dec, err := DecodeAudio(enc)
		if err != nil || len(dec) != n {
			t.Fatalf("decode n=%d: len=%d err=%v", n, len(dec), err)
		}
	}
	for _, bad := range []string{"", "abc", "ab$=", "a===", "YWJj\n"} {
		if ValidBase64(bad) {
			t.Fatalf("expected %q rejected", bad)
		}
	}
}

func TestAckRoundTripError(t *testing.T) {
	ack := ErrorAck(RateLimited(1500*time.Millisecond, "slow down"))
	if ack.OK || ack.Code != CodeRateLimited || ack.RetryAfterMs != 1500 {
		t.Fatalf("unexpected ack %+v", ack)
	}
	var perr *Error
	if !errors.As(ack.Err(), &perr) {
		t.Fatalf("expected *Error from failed ack")
	}
	if perr.RetryAfter != 1500*time.Millisecond {
		t.Fatalf("retry hint lost: %v", perr.RetryAfter)
	}

	okAck, err := OKAck(AudioAck{ID: "x"})
	if err != nil || okAck.Err() != nil {
		t.Fatalf("expected ok ack, got %v %v", okAck, err)
	}
}

func TestCheckAudio_Order(t *testing.T) {
	lim := AudioLimits{MaxBytes: 6, MaxDurationMs: 1000}
	good := base64.StdEncoding.EncodeToString([]byte("abc"))
	big := base64.StdEncoding.EncodeToString([]byte("abcdefg"))

	cases := []struct {
		name     string
		mime     string
		duration float64
		body     string
		want     Code
	}{
		{"bad mime wins over everything", "audio/ogg", 0, "!!", CodeInvalidPayload},
		{"zero duration", "audio/webm", 0, good, CodeDurationExceeded},
		{"too long", "audio/webm", 1001, good, CodeDurationExceeded},
		{"empty body", "audio/webm", 500, "", CodeInvalidPayload},
		{"bad alphabet", "audio/webm", 500, "ab$=", CodeInvalidPayload},
		{"too large", "AUDIO/MP4", 500, big, CodePayloadTooLarge},
	}
	for _, tc := range cases {
		_, err := CheckAudio(tc.mime, tc.duration, tc.body, lim)
		if err == nil || err.Code != tc.want {
			t.Errorf("%s: expected %s, got %v", tc.name, tc.want, err)
		}
	}

	mime, err := CheckAudio(" Audio/WebM ", 1000, good, lim)
	if err != nil || mime != "audio/webm" {
		t.Fatalf("expected accepted clip, got %q %v", mime, err)
	}
}

func TestReadLimits(t *testing.T) {
	// 1,000,000 bytes encode to 1,333,336 base64 characters.
	if got := MinReadLimit(1_000_000); got != 1_333_336+FrameOverhead {
		t.Fatalf("unexpected minimum %d", got)
	}
	if got := DefaultReadLimit(1_000_000); got != 2*1_333_336+FrameOverhead {
		t.Fatalf("unexpected default %d", got)
	}
}
