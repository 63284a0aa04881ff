package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestParseFrame(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	data := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(data[:HeaderSize], 42)
	copy(data[HeaderSize:], payload)

	f, err := ParseFrame(data)
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if f.Seq != 42 {
		t.Errorf("seq = %d, want 42", f.Seq)
	}
	if !bytes.Equal(f.PCM, payload) {
		t.Errorf("pcm = %v, want %v", f.PCM, payload)
	}
}

func TestParseFrame_EmptyPayload(t *testing.T) {
	data := []byte{0x00, 0x00, 0x00, 0x07}
	f, err := ParseFrame(data)
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if f.Seq != 7 {
		t.Errorf("seq = %d, want 7", f.Seq)
	}
	if len(f.PCM) != 0 {
		t.Errorf("pcm length = %d, want 0", len(f.PCM))
	}
}

func TestParseFrame_TooShort(t *testing.T) {
	for _, data := range [][]byte{nil, {}, {0x01}, {0x01, 0x02, 0x03}} {
		if _, err := ParseFrame(data); err != ErrShortFrame {
			t.Errorf("ParseFrame(%v) err = %v, want ErrShortFrame", data, err)
		}
	}
}

func TestSilence(t *testing.T) {
	// 100ms at 16kHz mono 16-bit = 1600 samples = 3200 bytes
	chunk := Silence(100, 16000)
	if len(chunk) != 3200 {
		t.Errorf("silence length = %d, want 3200", len(chunk))
	}
	for i, b := range chunk {
		if b != 0 {
			t.Fatalf("silence[%d] = %d, want 0", i, b)
		}
	}
}

func TestBytesPerSecond(t *testing.T) {
	if got := BytesPerSecond(16000); got != 32000 {
		t.Errorf("BytesPerSecond(16000) = %v, want 32000", got)
	}
	if got := BytesPerSecond(48000); got != 96000 {
		t.Errorf("BytesPerSecond(48000) = %v, want 96000", got)
	}
}

func TestComputeStats_Silent(t *testing.T) {
	stats := ComputeStats(Silence(100, 16000))
	if stats.Samples != 1600 {
		t.Errorf("samples = %d, want 1600", stats.Samples)
	}
	if stats.MaxAbs != 0 {
		t.Errorf("maxAbs = %d, want 0", stats.MaxAbs)
	}
	if stats.RMSDb != -100.0 {
		t.Errorf("rmsDb = %v, want -100", stats.RMSDb)
	}
}

func TestComputeStats_FullScale(t *testing.T) {
	// Two full-scale samples: 0x7FFF little-endian.
	pcm := []byte{0xFF, 0x7F, 0xFF, 0x7F}
	stats := ComputeStats(pcm)
	if stats.Samples != 2 {
		t.Errorf("samples = %d, want 2", stats.Samples)
	}
	if stats.MaxAbs != 32767 {
		t.Errorf("maxAbs = %d, want 32767", stats.MaxAbs)
	}
	if stats.RMSDb > 0.01 || stats.RMSDb < -0.01 {
		t.Errorf("rmsDb = %v, want ~0", stats.RMSDb)
	}
}

func TestComputeStats_Empty(t *testing.T) {
	stats := ComputeStats([]byte{0x01})
	if stats.Samples != 0 || stats.RMSDb != -100.0 {
		t.Errorf("stats = %+v, want silent baseline", stats)
	}
}
