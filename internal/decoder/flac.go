package decoder

/*
#cgo pkg-config: flac
#include <FLAC/stream_decoder.h>
#include <stdlib.h>
#include <string.h>

extern FLAC__StreamDecoderReadStatus
decoderReadCallback_cgo(const FLAC__StreamDecoder *decoder,
                         FLAC__byte buffer[], size_t *bytes, void *client_data);

extern FLAC__StreamDecoderWriteStatus
decoderWriteCallback_cgo(const FLAC__StreamDecoder *decoder,
                          const FLAC__Frame *frame,
                          const FLAC__int32 *const buffer[],
                          void *client_data);

extern void
decoderErrorCallback_cgo(const FLAC__StreamDecoder *decoder,
                          FLAC__StreamDecoderErrorStatus status, void *client_data);
*/
import "C"

import (
	"errors"
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/dsb/putvgo/internal/filter"
	"github.com/dsb/putvgo/internal/jitter"
)

// FLAC decodes a FLAC elementary stream via libFLAC's stream decoder,
// bound the same way the teacher's encoder counterpart binds the
// stream encoder: a read callback pulls compressed bytes, a write
// callback receives decoded frames, both routed through a cgo.Handle
// since libFLAC's client_data is a bare void*.
type FLAC struct {
	dec    *C.FLAC__StreamDecoder
	handle cgo.Handle

	mu       sync.Mutex
	reader   *jitterReader
	output   jitter.Buffer
	chain    *filter.Chain
	channels int
	bps      int
	rate     int

	wg     sync.WaitGroup
	cancel chan struct{}
}

func init() {
	Register([]string{"audio/flac", "audio/x-flac"}, func() Decoder { return &FLAC{} })
}

func (d *FLAC) Run(input, output jitter.Buffer, chain *filter.Chain) error {
	d.dec = C.FLAC__stream_decoder_new()
	if d.dec == nil {
		return errors.New("decoder: flac: alloc failed")
	}
	d.reader = &jitterReader{input: input}
	d.output = output
	d.chain = chain
	d.handle = cgo.NewHandle(d)
	d.cancel = make(chan struct{})

	readCB := C.FLAC__StreamDecoderReadCallback(unsafe.Pointer(C.decoderReadCallback_cgo))
	writeCB := C.FLAC__StreamDecoderWriteCallback(unsafe.Pointer(C.decoderWriteCallback_cgo))
	errCB := C.FLAC__StreamDecoderErrorCallback(unsafe.Pointer(C.decoderErrorCallback_cgo))

	status := C.FLAC__stream_decoder_init_stream(
		d.dec,
		readCB,
		nil, // seek
		nil, // tell
		nil, // length
		nil, // eof
		writeCB,
		nil, // metadata
		errCB,
		unsafe.Pointer(&d.handle),
	)
	if status != C.FLAC__STREAM_DECODER_INIT_STATUS_OK {
		d.dec = nil
		d.handle.Delete()
		return errors.New("decoder: flac: init_stream failed")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer output.Flush()
		for {
			select {
			case <-d.cancel:
				return
			default:
			}
			if C.FLAC__stream_decoder_process_single(d.dec) == 0 {
				return
			}
			state := C.FLAC__stream_decoder_get_state(d.dec)
			if state == C.FLAC__STREAM_DECODER_END_OF_STREAM || state == C.FLAC__STREAM_DECODER_ABORTED {
				return
			}
		}
	}()
	return nil
}

func (d *FLAC) Close() error {
	if d.cancel != nil {
		close(d.cancel)
	}
	d.wg.Wait()
	if d.dec != nil {
		C.FLAC__stream_decoder_finish(d.dec)
		C.FLAC__stream_decoder_delete(d.dec)
		d.dec = nil
	}
	if d.handle != 0 {
		d.handle.Delete()
		d.handle = 0
	}
	return nil
}

//export decoderReadCallback
func decoderReadCallback(decoder *C.FLAC__StreamDecoder, buffer *C.FLAC__byte, bytes *C.size_t, clientData unsafe.Pointer) C.FLAC__StreamDecoderReadStatus {
	h := *(*cgo.Handle)(clientData)
	d := h.Value().(*FLAC)

	want := int(*bytes)
	if want <= 0 {
		*bytes = 0
		return C.FLAC__STREAM_DECODER_READ_STATUS_ABORT
	}
	goBuf := unsafe.Slice((*byte)(unsafe.Pointer(buffer)), want)
	n, err := d.reader.Read(goBuf)
	*bytes = C.size_t(n)
	if n == 0 && err != nil {
		return C.FLAC__STREAM_DECODER_READ_STATUS_END_OF_STREAM
	}
	return C.FLAC__STREAM_DECODER_READ_STATUS_CONTINUE
}

//export decoderWriteCallback
func decoderWriteCallback(decoder *C.FLAC__StreamDecoder, frame *C.FLAC__Frame, buffer **C.FLAC__int32, clientData unsafe.Pointer) C.FLAC__StreamDecoderWriteStatus {
	h := *(*cgo.Handle)(clientData)
	d := h.Value().(*FLAC)

	d.mu.Lock()
	defer d.mu.Unlock()

	blocksize := int(frame.header.blocksize)
	channels := int(frame.header.channels)
	bps := int(frame.header.bits_per_sample)
	rate := int(frame.header.sample_rate)

	if channels != d.channels || bps != d.bps || rate != d.rate {
		d.channels = channels
		d.bps = bps
		d.rate = rate
		d.output.SetFrequency(rate)
	}

	chans := unsafe.Slice(buffer, channels)
	bytesPerSample := bps / 8
	if bytesPerSample == 0 {
		bytesPerSample = 2
	}
	out := make([]byte, blocksize*channels*bytesPerSample)
	for s := 0; s < blocksize; s++ {
		for c := 0; c < channels; c++ {
			v := int32(unsafe.Slice(chans[c], blocksize)[s])
			off := (s*channels + c) * bytesPerSample
			for b := 0; b < bytesPerSample; b++ {
				out[off+b] = byte(v >> (8 * b))
			}
		}
	}

	if err := writeSamples(d.output, out, d.chain, bps, channels); err != nil {
		log.Warn("flac write failed", "err", err)
		return C.FLAC__STREAM_DECODER_WRITE_STATUS_ABORT
	}
	return C.FLAC__STREAM_DECODER_WRITE_STATUS_CONTINUE
}

//export decoderErrorCallback
func decoderErrorCallback(decoder *C.FLAC__StreamDecoder, status C.FLAC__StreamDecoderErrorStatus, clientData unsafe.Pointer) {
	h := *(*cgo.Handle)(clientData)
	d := h.Value().(*FLAC)
	_ = d
	log.Warn("flac stream error", "status", int(status))
}

var _ Decoder = (*FLAC)(nil)
