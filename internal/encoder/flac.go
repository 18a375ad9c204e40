package encoder

/*
#cgo pkg-config: flac
#include <FLAC/stream_encoder.h>
#include <stdlib.h>

extern FLAC__StreamEncoderWriteStatus
encoderWriteCallback_cgo(const FLAC__StreamEncoder *encoder,
                          const FLAC__byte buffer[],
                          size_t bytes,
                          uint32_t samples,
                          uint32_t current_frame,
                          void *client_data);
*/
import "C"

import (
	"errors"
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/dsb/putvgo/internal/heartbeat"
	"github.com/dsb/putvgo/internal/jitter"
)

// flacCompressionLevel is libFLAC's default, per drgolem/go-flac's
// stream encoder wrapper.
const flacCompressionLevel = 5

// FLAC encodes PCM to a FLAC elementary stream via libFLAC's stream
// encoder, bound the same way internal/decoder's FLAC adapter binds the
// stream decoder: a write callback receives encoded bytes through a
// cgo.Handle, since libFLAC's client_data is a bare void*.
type FLAC struct {
	enc    *C.FLAC__StreamEncoder
	handle cgo.Handle

	jw *jitterWriter

	wg     sync.WaitGroup
	cancel chan struct{}
}

func init() {
	Register([]string{"audio/flac", "audio/x-flac"}, func() Encoder { return &FLAC{} })
}

func (e *FLAC) MIME() string { return "audio/flac" }

func (e *FLAC) Run(input, output jitter.Buffer) error {
	e.enc = C.FLAC__stream_encoder_new()
	if e.enc == nil {
		return errors.New("encoder: flac: alloc failed")
	}

	bits, channels := pcmShape(input.Format())
	if channels <= 0 {
		channels = 2
	}
	if bits <= 0 {
		bits = 16
	}
	rate := input.Frequency()
	if rate <= 0 {
		rate = 44100
	}

	C.FLAC__stream_encoder_set_channels(e.enc, C.uint32_t(channels))
	C.FLAC__stream_encoder_set_bits_per_sample(e.enc, C.uint32_t(bits))
	C.FLAC__stream_encoder_set_sample_rate(e.enc, C.uint32_t(rate))
	C.FLAC__stream_encoder_set_compression_level(e.enc, C.uint32_t(flacCompressionLevel))

	e.jw = &jitterWriter{
		output:        output,
		bytesPerFrame: bits / 8 * channels,
		pacer:         heartbeat.NewSamplesPacer(rate),
	}
	e.handle = cgo.NewHandle(e)
	e.cancel = make(chan struct{})

	writeCB := C.FLAC__StreamEncoderWriteCallback(unsafe.Pointer(C.encoderWriteCallback_cgo))
	status := C.FLAC__stream_encoder_init_stream(
		e.enc,
		writeCB,
		nil, // seek
		nil, // tell
		nil, // metadata
		unsafe.Pointer(&e.handle),
	)
	if status != C.FLAC__STREAM_ENCODER_INIT_STATUS_OK {
		e.enc = nil
		e.handle.Delete()
		return errors.New("encoder: flac: init_stream failed")
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer output.Flush()
		tuple := make([]C.FLAC__int32, channels)
		bytesPerSample := bits / 8
		if bytesPerSample == 0 {
			bytesPerSample = 2
		}
		frameBytes := bytesPerSample * channels
		for {
			select {
			case <-e.cancel:
				C.FLAC__stream_encoder_finish(e.enc)
				return
			default:
			}
			in, ok := input.Peer()
			if !ok {
				C.FLAC__stream_encoder_finish(e.enc)
				return
			}
			for off := 0; off+frameBytes <= len(in); off += frameBytes {
				for c := 0; c < channels; c++ {
					s := decodeLE(in[off+c*bytesPerSample:off+(c+1)*bytesPerSample], bits)
					tuple[c] = C.FLAC__int32(s)
				}
				if C.FLAC__stream_encoder_process_interleaved(e.enc, &tuple[0], 1) == 0 {
					log.Warn("flac encode failed", "state", int(C.FLAC__stream_encoder_get_state(e.enc)))
					input.Pop(len(in))
					C.FLAC__stream_encoder_finish(e.enc)
					return
				}
			}
			input.Pop(len(in))
		}
	}()
	return nil
}

func (e *FLAC) Close() error {
	if e.cancel != nil {
		close(e.cancel)
	}
	e.wg.Wait()
	if e.enc != nil {
		C.FLAC__stream_encoder_delete(e.enc)
		e.enc = nil
	}
	if e.handle != 0 {
		e.handle.Delete()
		e.handle = 0
	}
	return nil
}

//export encoderWriteCallback
func encoderWriteCallback(encoder *C.FLAC__StreamEncoder, buffer *C.FLAC__byte, bytes C.size_t, samples C.uint32_t, currentFrame C.uint32_t, clientData unsafe.Pointer) C.FLAC__StreamEncoderWriteStatus {
	h := *(*cgo.Handle)(clientData)
	e := h.Value().(*FLAC)

	goBuf := unsafe.Slice((*byte)(unsafe.Pointer(buffer)), int(bytes))
	if _, err := e.jw.Write(goBuf); err != nil {
		log.Warn("flac output write failed", "err", err)
		return C.FLAC__STREAM_ENCODER_WRITE_STATUS_FATAL_ERROR
	}
	return C.FLAC__STREAM_ENCODER_WRITE_STATUS_OK
}

// decodeLE reads one little-endian PCM sample, sign-extended to int32,
// the same bit-depth table internal/decoder uses on the way in.
func decodeLE(b []byte, bits int) int32 {
	switch bits {
	case 8:
		return int32(int8(b[0])) << 24 >> 24
	case 16:
		return int32(int16(uint16(b[0]) | uint16(b[1])<<8))
	case 24:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		return (v << 8) >> 8
	case 32:
		return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
	default:
		return 0
	}
}

var _ Encoder = (*FLAC)(nil)
