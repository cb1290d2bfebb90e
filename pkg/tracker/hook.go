// Copyright (c) OpenMMLab. All rights reserved.

package tracker

import (
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// EventKind distinguishes the host-interpreter events the TraceHook
// bridge (component H) dispatches.
type EventKind int

const (
	EventCall EventKind = iota
	EventReturn
	EventOther
)

// InstallHook is idempotent per thread (spec.md §4.H): a thread that has
// already installed the hook is left alone; otherwise the hook is marked
// installed and the shadow stack is reset with current as the entry
// frame.
func (t *Tracker) InstallHook(tid int64, current HostFrame) {
	st := t.threads.getOrCreate(tid)
	if st.hookInstalled {
		return
	}
	st.hookInstalled = true
	t.stack.reset(tid, current)
}

// HandleEvent is the per-thread callback the bridge hands to the host
// interpreter: (host_frame, event_kind, raw string arguments). Unknown
// event kinds are ignored rather than rejected, so a future interpreter
// event type doesn't need a core change to be tolerated.
func (t *Tracker) HandleEvent(tid int64, frame HostFrame, kind EventKind, rawFunction, rawFile []byte) error {
	switch kind {
	case EventCall:
		return t.onCall(tid, frame, rawFunction, rawFile)
	case EventReturn:
		return t.stack.pop(tid)
	default:
		return nil
	}
}

// onCall decodes the host's raw string arguments and pushes a new shadow
// frame. A decode failure is reported to the caller instead of pushing a
// malformed frame, so the interpreter can relay it to user code as the
// hook protocol's -1 return (spec.md §4.H).
func (t *Tracker) onCall(tid int64, frame HostFrame, rawFunction, rawFile []byte) error {
	function, err := DecodeHostString(rawFunction)
	if err != nil {
		return err
	}
	file, err := DecodeHostString(rawFile)
	if err != nil {
		return err
	}

	parentLineno := t.stack.currentLine(tid)
	t.stack.push(tid, frame, function, file, parentLineno)
	return nil
}

// DecodeHostString converts the host interpreter's raw string
// representation to a UTF-8 Go string, the way the client side cleans
// host-provided text (golang.org/x/text/encoding/unicode +
// golang.org/x/text/transform). Input that is not valid UTF-8 is rejected
// with an error rather than repaired.
func DecodeHostString(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("tracker: invalid host string: not valid UTF-8")
	}
	out, _, err := transform.Bytes(unicode.UTF8.NewDecoder(), raw)
	if err != nil {
		return "", fmt.Errorf("tracker: invalid host string: %w", err)
	}
	return string(out), nil
}
