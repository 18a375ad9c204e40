package source

import (
	"fmt"
	"io"
	"net/http"

	"github.com/dsb/putvgo/internal/demux"
)

// HTTP is the http(s):// source adapter: a plain GET, streamed into the
// attached jitter as it arrives.
type HTTP struct {
	*base
	url  string
	resp *http.Response
}

func init() {
	f := func() Source { return &HTTP{base: newBase("source:http")} }
	Register([]string{"http", "https"}, f)
}

func (s *HTTP) Init(rawURL string, mimeHint string) error {
	s.url = rawURL
	resp, err := http.Get(rawURL)
	if err != nil {
		return fmt.Errorf("source: http get %s: %w", rawURL, err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return fmt.Errorf("source: http get %s: status %s", rawURL, resp.Status)
	}
	s.resp = resp

	mime := mimeHint
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	s.demux = demux.NewPassthrough(s.bus, mime)
	return nil
}

func (s *HTTP) Run() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.demux.Close()
		buf := make([]byte, readChunkSize)
		for {
			n, err := s.resp.Body.Read(buf)
			if n > 0 {
				if ferr := s.demux.Feed(buf[:n]); ferr != nil {
					s.log.Error("feed failed", "err", ferr)
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					s.log.Warn("read failed", "err", err)
				}
				return
			}
		}
	}()
	return nil
}

func (s *HTTP) Destroy() error {
	err := s.base.Destroy()
	if s.resp != nil {
		if cerr := s.resp.Body.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

var _ Source = (*HTTP)(nil)
