package http2

import "fmt"

// MaxWindowSize is the maximum value a flow control window can reach (2^31 - 1).
const MaxWindowSize = (1 << 31) - 1

// DefaultInitialWindowSize is the RFC default for both connection and stream windows.
const DefaultInitialWindowSize = 65535

// flowWindow tracks one direction of a flow-control window for a stream or the
// connection (streamID 0). It never blocks: the engine queues data that does not fit
// and retries when a WINDOW_UPDATE arrives.
type flowWindow struct {
	available int64
	streamID  uint32
}

func newFlowWindow(initial uint32, streamID uint32) *flowWindow {
	return &flowWindow{available: int64(initial), streamID: streamID}
}

// consume reserves n bytes. It reports false if the window is too small.
func (w *flowWindow) consume(n uint32) bool {
	if int64(n) > w.available {
		return false
	}
	w.available -= int64(n)
	return true
}

// increase applies a WINDOW_UPDATE increment.
func (w *flowWindow) increase(n uint32) error {
	if n == 0 {
		return w.errorf("window update with zero increment")
	}
	if w.available+int64(n) > MaxWindowSize {
		return w.errorf("window overflow: %d + %d exceeds %d", w.available, n, MaxWindowSize)
	}
	w.available += int64(n)
	return nil
}

// adjust applies a SETTINGS_INITIAL_WINDOW_SIZE delta. The result may go negative.
func (w *flowWindow) adjust(delta int64) error {
	if w.available+delta > MaxWindowSize {
		return w.errorf("window overflow after initial window size change")
	}
	w.available += delta
	return nil
}

func (w *flowWindow) errorf(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if w.streamID == 0 {
		return NewConnectionError(ErrCodeFlowControlError, msg)
	}
	return NewStreamError(w.streamID, ErrCodeFlowControlError, msg)
}
