package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/dsb/putvgo/internal/decoder"
	"github.com/dsb/putvgo/internal/encoder"
	"github.com/dsb/putvgo/internal/media"
	"github.com/dsb/putvgo/internal/sink"
	"github.com/dsb/putvgo/internal/source"
)

// call dispatches one decoded method name to its handler, per the
// method table in spec.md §6.
func (s *Server) call(method string, params json.RawMessage) (any, error) {
	switch method {
	case "play":
		return nil, s.p.Play()
	case "pause":
		return nil, s.p.Pause()
	case "stop":
		return nil, s.p.Stop()
	case "next":
		return nil, s.p.Next()
	case "status":
		return statusResult(s.p.Status()), nil
	case "capabilities":
		return s.capabilitiesResult(), nil
	case "setnext":
		var p struct {
			ID media.ID `json:"id"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		s.p.SetNext(p.ID)
		return nil, nil
	case "volume":
		var p struct {
			Percent *int `json:"percent"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.Percent == nil {
			return map[string]any{"volume": s.p.Volume()}, nil
		}
		if err := s.p.SetVolume(*p.Percent); err != nil {
			return nil, err
		}
		return map[string]any{"volume": s.p.Volume()}, nil
	case "options":
		var p struct {
			Loop   *bool `json:"loop"`
			Random *bool `json:"random"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.Loop == nil && p.Random == nil {
			return s.p.Options(), nil
		}
		opts := s.p.Options()
		if p.Loop != nil {
			opts.Loop = *p.Loop
		}
		if p.Random != nil {
			opts.Random = *p.Random
		}
		s.p.SetOptions(opts)
		return opts, nil
	case "getposition":
		st := s.p.Status()
		return map[string]any{"id": st.ID, "state": st.State}, nil

	case "list":
		var p struct {
			First    int `json:"first"`
			MaxItems int `json:"maxitems"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.MaxItems <= 0 {
			p.MaxItems = 100
		}
		entries, err := s.cat.List(p.First, p.MaxItems)
		if err != nil {
			return nil, err
		}
		return entriesResult(entries), nil

	case "info":
		var p struct {
			ID media.ID `json:"id"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		e, err := s.cat.Info(p.ID)
		if err != nil {
			return nil, err
		}
		return entryResult(e), nil

	case "filter":
		var p struct {
			Keyword string `json:"keyword"`
			Title   string `json:"title"`
			Artist  string `json:"artist"`
			Album   string `json:"album"`
			Genre   string `json:"genre"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		entries, err := s.cat.Filter(p.Keyword, p.Title, p.Artist, p.Album, p.Genre)
		if err != nil {
			return nil, err
		}
		return entriesResult(entries), nil

	case "append":
		var p struct {
			Entries []media.Entry `json:"entries"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		ids, err := s.cat.Insert(p.Entries)
		if err != nil {
			return nil, err
		}
		return map[string]any{"ids": ids}, nil

	case "remove":
		var p struct {
			IDs []media.ID `json:"ids"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.cat.Remove(p.IDs); err != nil {
			return nil, err
		}
		return nil, nil

	case "change":
		var p struct {
			ID media.ID `json:"id"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		s.p.SetNext(p.ID)
		return nil, s.p.Next()

	case "onchange":
		// onchange is a push-only notification the server sends
		// unsolicited (see Serve); as a method call it just reports
		// the current status so a client can resync after connecting.
		return statusResult(s.p.Status()), nil

	default:
		return nil, &methodNotFoundError{method: method}
	}
}

func unmarshalParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &invalidParamsError{msg: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}

func entriesResult(entries []media.Entry) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResult(e))
	}
	return out
}

// capabilitiesResult introspects the live source/decoder/encoder/sink
// registries rather than hardcoding a list, per SPEC_FULL.md's
// supplemented capabilities requirement. mux has no registry of its
// own (player.Config.UseRTPMux picks between the two Muxer
// implementations directly), so the mux entry comes from the caller's
// s.cap.Protocols (putvd adds "mux:rtp" or "mux:passthrough").
func (s *Server) capabilitiesResult() Capabilities {
	protocols := append([]string{}, source.Registered()...)
	protocols = append(protocols, sink.Registered()...)
	protocols = append(protocols, s.cap.Protocols...)
	return Capabilities{
		Events:    []string{"NEW_ES", "DECODE_ES", "END_ES", "onchange"},
		Actions:   []string{"play", "pause", "stop", "next", "setnext", "list", "info", "filter", "append", "remove", "change", "status", "options", "volume", "getposition", "capabilities"},
		Codecs:    append(decoder.Registered(), encoder.Registered()...),
		Protocols: protocols,
	}
}
