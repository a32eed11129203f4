package recorder

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavBitDepth = 16
	wavChannels = 2
	wavPCM      = 1
)

// wavWriter encodes the PCM stream into a WAV file in-process. The header
// sizes are patched on close, so an unclosed file is not playable.
type wavWriter struct {
	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	buf    *audio.IntBuffer
	closed bool
}

func newWAVWriter(path string, sampleRate int) (*wavWriter, error) {
	f, err := os.Create(path) //nolint:gosec // path is built from the configured output directory
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}
	return &wavWriter{
		file: f,
		enc:  wav.NewEncoder(f, sampleRate, wavBitDepth, wavChannels, wavPCM),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{SampleRate: sampleRate, NumChannels: wavChannels},
			SourceBitDepth: wavBitDepth,
		},
	}, nil
}

func (w *wavWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, os.ErrClosed
	}

	n := len(p) / 2
	if cap(w.buf.Data) < n {
		w.buf.Data = make([]int, n)
	}
	w.buf.Data = w.buf.Data[:n]
	for i := range n {
		w.buf.Data[i] = int(int16(binary.LittleEndian.Uint16(p[i*2:])))
	}
	if err := w.enc.Write(w.buf); err != nil {
		return 0, fmt.Errorf("encode wav: %w", err)
	}
	return len(p), nil
}

// Close finalizes the header and closes the file.
func (w *wavWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	encErr := w.enc.Close()
	fileErr := w.file.Close()
	if encErr != nil {
		return fmt.Errorf("finalize wav: %w", encErr)
	}
	return fileErr
}
