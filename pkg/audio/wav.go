package audio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteWAV writes samples as a 16-bit mono PCM WAV file.
func WriteWAV(w io.Writer, samples []float32, sampleRate int) error {
	pcm := EncodePCM16(samples)

	var header [44]byte
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(pcm)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], 1) // mono
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(header[32:34], 2)
	binary.LittleEndian.PutUint16(header[34:36], 16)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(pcm)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("audio: write wav header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("audio: write wav data: %w", err)
	}
	return nil
}

// ReadWAV parses a 16-bit mono PCM WAV produced by [WriteWAV]. It is not a
// general WAV reader: extension chunks and other sample formats are
// rejected.
func ReadWAV(r io.Reader) (samples []float32, sampleRate int, err error) {
	var header [44]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, 0, fmt.Errorf("audio: read wav header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("audio: not a RIFF/WAVE stream")
	}
	if format := binary.LittleEndian.Uint16(header[20:22]); format != 1 {
		return nil, 0, fmt.Errorf("audio: unsupported wav format %d", format)
	}
	if ch := binary.LittleEndian.Uint16(header[22:24]); ch != 1 {
		return nil, 0, fmt.Errorf("audio: expected mono wav, got %d channels", ch)
	}
	if bits := binary.LittleEndian.Uint16(header[34:36]); bits != 16 {
		return nil, 0, fmt.Errorf("audio: expected 16-bit wav, got %d", bits)
	}
	sampleRate = int(binary.LittleEndian.Uint32(header[24:28]))

	dataLen := binary.LittleEndian.Uint32(header[40:44])
	pcm := make([]byte, dataLen)
	if _, err := io.ReadFull(r, pcm); err != nil {
		return nil, 0, fmt.Errorf("audio: read wav data: %w", err)
	}

	samples, err = Decode(EncodingPCM16, pcm)
	if err != nil {
		return nil, 0, err
	}
	return samples, sampleRate, nil
}
