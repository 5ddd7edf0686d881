package playback

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/majackson2003/walkie-talkie-mvp/pkg/protocol"
)

// Alert tone shape: two beeps of 16-bit mono PCM.
const (
	toneSampleRate = 8000
	toneHz         = 880
	toneBeep       = 250 * time.Millisecond
	toneGap        = 100 * time.Millisecond
	ToneMimeType   = "audio/L16;rate=8000"
)

// AlertTone builds the synthetic emergency tone.
func AlertTone(id string) Item {
	beep := int(toneBeep.Seconds() * toneSampleRate)
	gap := int(toneGap.Seconds() * toneSampleRate)
	samples := 2*beep + gap
	pcm := make([]byte, 2*samples)
	for i := 0; i < samples; i++ {
		if i >= beep && i < beep+gap {
			continue
		}
		v := math.Sin(2 * math.Pi * toneHz * float64(i) / toneSampleRate)
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(v*0.6*math.MaxInt16)))
	}
	return Item{
		ID:       id,
		From:     "alert",
		Priority: protocol.PriorityUrgent,
		MimeType: ToneMimeType,
		Audio:    pcm,
		Duration: 2*toneBeep + toneGap,
		Tone:     true,
	}
}
