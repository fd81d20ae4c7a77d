package http2

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	xhttp2 "golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// ClientPreface is the connection preface a client sends before its first SETTINGS.
const ClientPreface = xhttp2.ClientPreface

const (
	frameHeaderLen           = 9
	flagEndHeaders           = 0x4
	MinMaxFrameSize          = 1 << 14
	MaxMaxFrameSize          = 1<<24 - 1
	MaxStreamID              = 1<<31 - 1
	DefaultHeaderTableSize   = 4096
	DefaultMaxHeaderListSize = 1 << 20
)

// Settings are the values this endpoint advertises in its SETTINGS frame.
type Settings struct {
	// MaxConcurrentStreams caps peer-initiated streams. Zero means no limit.
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
	HeaderTableSize      uint32
}

// DefaultSettings returns RFC defaults with a 100 stream concurrency limit.
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrentStreams: 100,
		InitialWindowSize:    DefaultInitialWindowSize,
		MaxFrameSize:         MinMaxFrameSize,
		MaxHeaderListSize:    DefaultMaxHeaderListSize,
		HeaderTableSize:      DefaultHeaderTableSize,
	}
}

func (s Settings) normalized() Settings {
	d := DefaultSettings()
	if s.InitialWindowSize == 0 || s.InitialWindowSize > MaxWindowSize {
		s.InitialWindowSize = d.InitialWindowSize
	}
	if s.MaxFrameSize < MinMaxFrameSize || s.MaxFrameSize > MaxMaxFrameSize {
		s.MaxFrameSize = d.MaxFrameSize
	}
	if s.MaxHeaderListSize == 0 {
		s.MaxHeaderListSize = d.MaxHeaderListSize
	}
	if s.HeaderTableSize == 0 {
		s.HeaderTableSize = d.HeaderTableSize
	}
	return s
}

type streamState struct {
	id             uint32
	localInitiated bool
	send           *flowWindow
	recv           *flowWindow
	pending        []byte
	pendingEnd     bool
	localClosed    bool
	remoteClosed   bool
}

// Engine is a sans-IO HTTP/2 protocol engine built on x/net's Framer. Bytes go in
// through Receive and come out through DataToSend; it never touches a socket and is
// not safe for concurrent use. The owner drives it from a single goroutine.
type Engine struct {
	isClient bool
	local    Settings

	in     bytes.Buffer
	out    bytes.Buffer
	framer *xhttp2.Framer
	henc   *headerEncoder

	prefaceSeen bool
	streams     map[uint32]*streamState

	connSend *flowWindow
	connRecv *flowWindow

	peerInitialWindow uint32
	peerMaxFrameSize  uint32
	peerMaxConcurrent uint32

	nextStreamID     uint32
	lastPeerStreamID uint32

	goAwaySent     bool
	goAwayReceived bool
	closed         bool
}

// NewEngine creates an engine for the client or server role.
func NewEngine(isClient bool, settings Settings) *Engine {
	e := &Engine{
		isClient:          isClient,
		local:             settings.normalized(),
		streams:           make(map[uint32]*streamState),
		connSend:          newFlowWindow(DefaultInitialWindowSize, 0),
		connRecv:          newFlowWindow(DefaultInitialWindowSize, 0),
		peerInitialWindow: DefaultInitialWindowSize,
		peerMaxFrameSize:  MinMaxFrameSize,
		henc:              newHeaderEncoder(),
		nextStreamID:      2,
	}
	if isClient {
		e.nextStreamID = 1
	}
	e.framer = xhttp2.NewFramer(&e.out, &e.in)
	e.framer.ReadMetaHeaders = hpack.NewDecoder(e.local.HeaderTableSize, nil)
	e.framer.MaxHeaderListSize = e.local.MaxHeaderListSize
	e.framer.SetMaxReadFrameSize(e.local.MaxFrameSize)
	return e
}

// InitiateConnection queues the preface (client) and the initial SETTINGS frame.
func (e *Engine) InitiateConnection() {
	if e.isClient {
		e.out.WriteString(ClientPreface)
	}
	settings := []xhttp2.Setting{
		{ID: xhttp2.SettingHeaderTableSize, Val: e.local.HeaderTableSize},
		{ID: xhttp2.SettingInitialWindowSize, Val: e.local.InitialWindowSize},
		{ID: xhttp2.SettingMaxFrameSize, Val: e.local.MaxFrameSize},
		{ID: xhttp2.SettingMaxHeaderListSize, Val: e.local.MaxHeaderListSize},
	}
	if e.local.MaxConcurrentStreams > 0 {
		settings = append(settings, xhttp2.Setting{ID: xhttp2.SettingMaxConcurrentStreams, Val: e.local.MaxConcurrentStreams})
	}
	if e.isClient {
		settings = append(settings, xhttp2.Setting{ID: xhttp2.SettingEnablePush, Val: 0})
	}
	_ = e.framer.WriteSettings(settings...)
}

// DataToSend returns and clears the bytes queued for the peer.
func (e *Engine) DataToSend() []byte {
	if e.out.Len() == 0 {
		return nil
	}
	b := make([]byte, e.out.Len())
	copy(b, e.out.Bytes())
	e.out.Reset()
	return b
}

// Closed reports whether the engine hit a connection fault or was closed locally.
func (e *Engine) Closed() bool { return e.closed }

// GoAwayReceived reports whether the peer announced shutdown.
func (e *Engine) GoAwayReceived() bool { return e.goAwayReceived }

// OpenStreams returns the number of streams the engine still tracks.
func (e *Engine) OpenStreams() int { return len(e.streams) }

// Receive feeds bytes from the peer. Incomplete frames are buffered until the rest
// arrives. A non-nil error is always a *ConnectionError; a GOAWAY for it has already
// been queued.
func (e *Engine) Receive(data []byte) ([]Event, error) {
	if e.closed {
		return nil, ErrEngineClosed
	}
	e.in.Write(data)

	if !e.isClient && !e.prefaceSeen {
		buf := e.in.Bytes()
		n := len(ClientPreface)
		if len(buf) < n {
			if !bytes.HasPrefix([]byte(ClientPreface), buf) {
				return nil, e.fail(NewConnectionError(ErrCodeProtocolError, "invalid client preface"))
			}
			return nil, nil
		}
		if string(buf[:n]) != ClientPreface {
			return nil, e.fail(NewConnectionError(ErrCodeProtocolError, "invalid client preface"))
		}
		e.in.Next(n)
		e.prefaceSeen = true
	}

	var events []Event
	for !e.closed && e.frameReady() {
		f, err := e.framer.ReadFrame()
		if err != nil {
			var se xhttp2.StreamError
			if errors.As(err, &se) {
				events = append(events, e.resetStream(se.StreamID, se.Code)...)
				continue
			}
			return events, e.fail(connectionErrorFrom(err))
		}
		evs, cerr := e.processFrame(f)
		events = append(events, evs...)
		if cerr != nil {
			return events, e.fail(cerr)
		}
	}
	return events, nil
}

// frameReady reports whether the input buffer holds a complete frame. A header block
// split across CONTINUATION frames only counts once its END_HEADERS frame is buffered.
func (e *Engine) frameReady() bool {
	b := e.in.Bytes()
	off := 0
	for {
		if len(b)-off < frameHeaderLen {
			return false
		}
		length := int(b[off])<<16 | int(b[off+1])<<8 | int(b[off+2])
		if uint32(length) > e.local.MaxFrameSize {
			// Let the framer report the size violation.
			return true
		}
		if len(b)-off < frameHeaderLen+length {
			return false
		}
		typ := xhttp2.FrameType(b[off+3])
		flags := b[off+4]
		headerBlock := typ == xhttp2.FrameHeaders || typ == xhttp2.FramePushPromise || typ == xhttp2.FrameContinuation
		if !headerBlock || flags&flagEndHeaders != 0 {
			return true
		}
		off += frameHeaderLen + length
	}
}

func (e *Engine) fail(ce *ConnectionError) error {
	ce.LastStreamID = e.lastPeerStreamID
	if !e.goAwaySent {
		_ = e.framer.WriteGoAway(e.lastPeerStreamID, ce.Code, []byte(ce.Msg))
		e.goAwaySent = true
	}
	e.closed = true
	return ce
}

func (e *Engine) processFrame(fr xhttp2.Frame) ([]Event, *ConnectionError) {
	switch f := fr.(type) {
	case *xhttp2.MetaHeadersFrame:
		return e.onHeaders(f)
	case *xhttp2.DataFrame:
		return e.onData(f)
	case *xhttp2.SettingsFrame:
		return nil, e.onSettings(f)
	case *xhttp2.WindowUpdateFrame:
		return e.onWindowUpdate(f)
	case *xhttp2.PingFrame:
		if !f.IsAck() {
			_ = e.framer.WritePing(true, f.Data)
		}
	case *xhttp2.RSTStreamFrame:
		if _, ok := e.streams[f.StreamID]; ok {
			delete(e.streams, f.StreamID)
			return []Event{{Kind: EventStreamReset, StreamID: f.StreamID, Code: f.ErrCode}}, nil
		}
		if e.isIdle(f.StreamID) {
			return nil, NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("RST_STREAM on idle stream %d", f.StreamID))
		}
	case *xhttp2.GoAwayFrame:
		e.goAwayReceived = true
		return []Event{{Kind: EventConnectionClosed, Code: f.ErrCode, LastStreamID: f.LastStreamID}}, nil
	case *xhttp2.PushPromiseFrame:
		return nil, NewConnectionError(ErrCodeProtocolError, "PUSH_PROMISE received with push disabled")
	}
	// PRIORITY and unknown extension frames are ignored.
	return nil, nil
}

func (e *Engine) isLocalID(id uint32) bool {
	return (id%2 == 1) == e.isClient
}

func (e *Engine) isIdle(id uint32) bool {
	if e.isLocalID(id) {
		return id >= e.nextStreamID
	}
	return id > e.lastPeerStreamID
}

func (e *Engine) newStream(id uint32, local bool) *streamState {
	st := &streamState{
		id:             id,
		localInitiated: local,
		send:           newFlowWindow(e.peerInitialWindow, id),
		recv:           newFlowWindow(e.local.InitialWindowSize, id),
	}
	e.streams[id] = st
	return st
}

func (e *Engine) countStreams(local bool) int {
	n := 0
	for _, st := range e.streams {
		if st.localInitiated == local {
			n++
		}
	}
	return n
}

func (e *Engine) onHeaders(f *xhttp2.MetaHeadersFrame) ([]Event, *ConnectionError) {
	id := f.StreamID
	st := e.streams[id]
	var events []Event

	if st == nil {
		switch {
		case e.isLocalID(id) && e.isIdle(id):
			return nil, NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("HEADERS on idle stream %d", id))
		case e.isLocalID(id):
			_ = e.framer.WriteRSTStream(id, ErrCodeStreamClosed)
			return nil, nil
		case e.isClient:
			return nil, NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("server-initiated stream %d", id))
		case id <= e.lastPeerStreamID:
			return nil, NewConnectionError(ErrCodeStreamClosed, fmt.Sprintf("HEADERS on closed stream %d", id))
		}
		e.lastPeerStreamID = id
		if e.goAwaySent {
			_ = e.framer.WriteRSTStream(id, ErrCodeRefusedStream)
			return nil, nil
		}
		if max := e.local.MaxConcurrentStreams; max > 0 && e.countStreams(false) >= int(max) {
			_ = e.framer.WriteRSTStream(id, ErrCodeRefusedStream)
			return nil, nil
		}
		st = e.newStream(id, false)
		events = append(events, Event{Kind: EventStreamOpened, StreamID: id, Headers: f.Fields, EndStream: f.StreamEnded()})
	} else {
		if st.remoteClosed {
			return e.resetStream(id, ErrCodeStreamClosed), nil
		}
		events = append(events, Event{Kind: EventHeaders, StreamID: id, Headers: f.Fields, EndStream: f.StreamEnded()})
	}

	if f.StreamEnded() {
		events = append(events, e.endRemote(st)...)
	}
	return events, nil
}

func (e *Engine) onData(f *xhttp2.DataFrame) ([]Event, *ConnectionError) {
	id := f.StreamID
	flowLen := f.Header().Length
	if !e.connRecv.consume(flowLen) {
		return nil, NewConnectionError(ErrCodeFlowControlError, "connection receive window exceeded")
	}

	st := e.streams[id]
	if st == nil || st.remoteClosed {
		e.returnConnCredit(flowLen)
		if st != nil {
			return e.resetStream(id, ErrCodeStreamClosed), nil
		}
		if e.isIdle(id) {
			return nil, NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("DATA on idle stream %d", id))
		}
		_ = e.framer.WriteRSTStream(id, ErrCodeStreamClosed)
		return nil, nil
	}
	if !st.recv.consume(flowLen) {
		e.returnConnCredit(flowLen)
		return e.resetStream(id, ErrCodeFlowControlError), nil
	}

	data := append([]byte(nil), f.Data()...)
	if pad := int(flowLen) - len(data); pad > 0 {
		e.AcknowledgeData(id, pad)
	}

	var events []Event
	if len(data) > 0 {
		events = append(events, Event{Kind: EventData, StreamID: id, Data: data, EndStream: f.StreamEnded()})
	}
	if f.StreamEnded() {
		events = append(events, e.endRemote(st)...)
	}
	return events, nil
}

func (e *Engine) onSettings(f *xhttp2.SettingsFrame) *ConnectionError {
	if f.IsAck() {
		return nil
	}
	err := f.ForeachSetting(func(s xhttp2.Setting) error {
		if err := s.Valid(); err != nil {
			return err
		}
		switch s.ID {
		case xhttp2.SettingInitialWindowSize:
			delta := int64(s.Val) - int64(e.peerInitialWindow)
			for _, st := range e.streams {
				if err := st.send.adjust(delta); err != nil {
					return NewConnectionError(ErrCodeFlowControlError, err.Error())
				}
			}
			e.peerInitialWindow = s.Val
		case xhttp2.SettingMaxFrameSize:
			e.peerMaxFrameSize = s.Val
		case xhttp2.SettingHeaderTableSize:
			e.henc.SetMaxDynamicTableSizeLimit(s.Val)
		case xhttp2.SettingMaxConcurrentStreams:
			e.peerMaxConcurrent = s.Val
		case xhttp2.SettingEnablePush:
			if e.isClient && s.Val != 0 {
				return NewConnectionError(ErrCodeProtocolError, "server sent SETTINGS_ENABLE_PUSH")
			}
		}
		return nil
	})
	if err != nil {
		return connectionErrorFrom(err)
	}
	_ = e.framer.WriteSettingsAck()
	e.flushPending()
	return nil
}

func (e *Engine) onWindowUpdate(f *xhttp2.WindowUpdateFrame) ([]Event, *ConnectionError) {
	if f.StreamID == 0 {
		if err := e.connSend.increase(f.Increment); err != nil {
			return nil, connectionErrorFrom(err)
		}
	} else if st := e.streams[f.StreamID]; st != nil {
		if err := st.send.increase(f.Increment); err != nil {
			return e.resetStream(f.StreamID, ErrCodeFlowControlError), nil
		}
	} else if e.isIdle(f.StreamID) {
		return nil, NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("WINDOW_UPDATE on idle stream %d", f.StreamID))
	}
	e.flushPending()
	return nil, nil
}

func (e *Engine) endRemote(st *streamState) []Event {
	st.remoteClosed = true
	e.forgetIfDone(st)
	return []Event{{Kind: EventStreamEnded, StreamID: st.id}}
}

func (e *Engine) closeLocal(st *streamState) {
	st.localClosed = true
	st.pendingEnd = false
	st.pending = nil
	e.forgetIfDone(st)
}

func (e *Engine) forgetIfDone(st *streamState) {
	if st.localClosed && st.remoteClosed {
		delete(e.streams, st.id)
	}
}

// resetStream sends RST_STREAM and reports the reset if the stream was known.
func (e *Engine) resetStream(id uint32, code ErrorCode) []Event {
	_ = e.framer.WriteRSTStream(id, code)
	if _, ok := e.streams[id]; ok {
		delete(e.streams, id)
		return []Event{{Kind: EventStreamReset, StreamID: id, Code: code}}
	}
	if !e.isLocalID(id) && id > e.lastPeerStreamID {
		e.lastPeerStreamID = id
	}
	return nil
}

func (e *Engine) returnConnCredit(n uint32) {
	if n == 0 || e.closed {
		return
	}
	e.connRecv.available += int64(n)
	_ = e.framer.WriteWindowUpdate(0, n)
}

// AcknowledgeData returns n bytes of receive credit for streamID and the connection.
// Callers invoke it once the consumer has taken the data.
func (e *Engine) AcknowledgeData(streamID uint32, n int) {
	if n <= 0 || e.closed {
		return
	}
	e.returnConnCredit(uint32(n))
	if st := e.streams[streamID]; st != nil && !st.remoteClosed {
		st.recv.available += int64(n)
		_ = e.framer.WriteWindowUpdate(streamID, uint32(n))
	}
}

// OpenStream allocates the next client stream id.
func (e *Engine) OpenStream() (uint32, error) {
	switch {
	case e.closed:
		return 0, ErrEngineClosed
	case !e.isClient:
		return 0, errors.New("http2: server engine cannot open streams")
	case e.goAwayReceived:
		return 0, ErrGoAwayReceived
	case e.peerMaxConcurrent > 0 && e.countStreams(true) >= int(e.peerMaxConcurrent):
		return 0, ErrStreamLimit
	case e.nextStreamID > MaxStreamID:
		return 0, ErrStreamIDsExhausted
	}
	id := e.nextStreamID
	e.nextStreamID += 2
	e.newStream(id, true)
	return id, nil
}

// SendHeaders encodes and queues a header block, split into CONTINUATION frames
// when it exceeds the peer's maximum frame size.
func (e *Engine) SendHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool) error {
	if e.closed {
		return ErrEngineClosed
	}
	st := e.streams[streamID]
	if st == nil || st.localClosed || st.pendingEnd {
		return NewStreamError(streamID, ErrCodeStreamClosed, "stream is not open for sending")
	}
	block, err := e.henc.Encode(fields)
	if err != nil {
		return err
	}

	max := int(e.peerMaxFrameSize)
	first := true
	for first || len(block) > 0 {
		n := len(block)
		if n > max {
			n = max
		}
		chunk := block[:n]
		block = block[n:]
		if first {
			err = e.framer.WriteHeaders(xhttp2.HeadersFrameParam{
				StreamID:      streamID,
				BlockFragment: chunk,
				EndStream:     endStream,
				EndHeaders:    len(block) == 0,
			})
			first = false
		} else {
			err = e.framer.WriteContinuation(streamID, len(block) == 0, chunk)
		}
		if err != nil {
			return err
		}
	}
	if endStream {
		e.closeLocal(st)
	}
	return nil
}

// SendData queues body bytes. Whatever the flow-control windows allow is framed
// immediately; the rest waits for WINDOW_UPDATE.
func (e *Engine) SendData(streamID uint32, data []byte, endStream bool) error {
	if e.closed {
		return ErrEngineClosed
	}
	st := e.streams[streamID]
	if st == nil || st.localClosed || st.pendingEnd {
		return NewStreamError(streamID, ErrCodeStreamClosed, "stream is not open for sending")
	}
	st.pending = append(st.pending, data...)
	st.pendingEnd = endStream
	e.flushStream(st)
	return nil
}

func (e *Engine) flushStream(st *streamState) {
	for len(st.pending) > 0 {
		n := len(st.pending)
		if m := int(e.peerMaxFrameSize); n > m {
			n = m
		}
		if a := e.connSend.available; int64(n) > a {
			n = int(a)
		}
		if a := st.send.available; int64(n) > a {
			n = int(a)
		}
		if n <= 0 {
			return
		}
		chunk := st.pending[:n]
		st.pending = st.pending[n:]
		end := st.pendingEnd && len(st.pending) == 0
		e.connSend.consume(uint32(n))
		st.send.consume(uint32(n))
		_ = e.framer.WriteData(st.id, end, chunk)
		if end {
			e.closeLocal(st)
			return
		}
	}
	if st.pendingEnd {
		_ = e.framer.WriteData(st.id, true, nil)
		e.closeLocal(st)
	}
}

func (e *Engine) flushPending() {
	var ids []uint32
	for id, st := range e.streams {
		if len(st.pending) > 0 || st.pendingEnd {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if st := e.streams[id]; st != nil {
			e.flushStream(st)
		}
	}
}

// ResetStream abandons a stream with RST_STREAM.
func (e *Engine) ResetStream(streamID uint32, code ErrorCode) {
	if e.closed {
		return
	}
	_ = e.framer.WriteRSTStream(streamID, code)
	delete(e.streams, streamID)
}

// GoAway announces shutdown without closing the engine; streams already open can
// still finish, new peer streams are refused.
func (e *Engine) GoAway(code ErrorCode, debug string) {
	if e.goAwaySent || e.closed {
		return
	}
	_ = e.framer.WriteGoAway(e.lastPeerStreamID, code, []byte(debug))
	e.goAwaySent = true
}

// Close sends GOAWAY if none was sent yet and stops the engine.
func (e *Engine) Close(code ErrorCode, debug string) {
	if e.closed {
		return
	}
	e.GoAway(code, debug)
	e.closed = true
}
