package wsevent

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"

	"cdr.dev/slog"
	"golang.org/x/xerrors"

	"github.com/coder/wsevent/internal/errd"
	"github.com/coder/wsevent/internal/wsframe"
)

// StatusCode represents a WebSocket status code.
// https://tools.ietf.org/html/rfc6455#section-7.4
type StatusCode int

// These codes were retrieved from:
// https://www.iana.org/assignments/websocket/websocket.xhtml#close-code-number
//
// The 4000-4999 range of status codes is reserved for arbitrary use by applications.
const (
	StatusNormalClosure   StatusCode = 1000
	StatusGoingAway       StatusCode = 1001
	StatusProtocolError   StatusCode = 1002
	StatusUnsupportedData StatusCode = 1003

	// 1004 is reserved and so unexported.
	statusReserved StatusCode = 1004

	// StatusNoStatusRcvd cannot be sent in a close message.
	// It is reported when a close message is received without
	// an explicit status.
	StatusNoStatusRcvd StatusCode = 1005

	// StatusAbnormalClosure cannot be sent in a close message.
	// It is reported when the transport ended without a close handshake.
	StatusAbnormalClosure StatusCode = 1006

	StatusInvalidFramePayloadData StatusCode = 1007
	StatusPolicyViolation         StatusCode = 1008
	StatusMessageTooBig           StatusCode = 1009
	StatusMandatoryExtension      StatusCode = 1010
	StatusInternalError           StatusCode = 1011
	StatusServiceRestart          StatusCode = 1012
	StatusTryAgainLater           StatusCode = 1013
	StatusBadGateway              StatusCode = 1014

	// StatusTLSHandshake cannot be sent in a close message.
	StatusTLSHandshake StatusCode = 1015
)

var statusNames = map[StatusCode]string{
	StatusNormalClosure:           "StatusNormalClosure",
	StatusGoingAway:               "StatusGoingAway",
	StatusProtocolError:           "StatusProtocolError",
	StatusUnsupportedData:         "StatusUnsupportedData",
	StatusNoStatusRcvd:            "StatusNoStatusRcvd",
	StatusAbnormalClosure:         "StatusAbnormalClosure",
	StatusInvalidFramePayloadData: "StatusInvalidFramePayloadData",
	StatusPolicyViolation:         "StatusPolicyViolation",
	StatusMessageTooBig:           "StatusMessageTooBig",
	StatusMandatoryExtension:      "StatusMandatoryExtension",
	StatusInternalError:           "StatusInternalError",
	StatusServiceRestart:          "StatusServiceRestart",
	StatusTryAgainLater:           "StatusTryAgainLater",
	StatusBadGateway:              "StatusBadGateway",
	StatusTLSHandshake:            "StatusTLSHandshake",
}

func (c StatusCode) String() string {
	if s, ok := statusNames[c]; ok {
		return s
	}
	return fmt.Sprintf("StatusCode(%d)", int(c))
}

// CloseInfo is the status code and reason a connection closed with.
type CloseInfo struct {
	Code   StatusCode
	Reason string
}

func (ci CloseInfo) String() string {
	return fmt.Sprintf("status = %v and reason = %q", ci.Code, ci.Reason)
}

const maxCloseReason = wsframe.MaxControlFramePayload - 2

func parseClosePayload(p []byte) (CloseInfo, error) {
	if len(p) == 0 {
		return CloseInfo{
			Code: StatusNoStatusRcvd,
		}, nil
	}

	if len(p) < 2 {
		return CloseInfo{}, xerrors.Errorf("close payload %q too small, cannot even contain the 2 byte status code", p)
	}

	ci := CloseInfo{
		Code:   StatusCode(binary.BigEndian.Uint16(p)),
		Reason: string(p[2:]),
	}

	if !validWireCloseCode(ci.Code) {
		return CloseInfo{}, xerrors.Errorf("invalid status code %v", ci.Code)
	}
	if !utf8.ValidString(ci.Reason) {
		return CloseInfo{}, xerrors.Errorf("close reason is not valid UTF-8: %q", ci.Reason)
	}

	return ci, nil
}

// See http://www.iana.org/assignments/websocket/websocket.xhtml#close-code-number
// and https://tools.ietf.org/html/rfc6455#section-7.4.1
func validWireCloseCode(code StatusCode) bool {
	switch code {
	case statusReserved, StatusNoStatusRcvd, StatusAbnormalClosure, StatusTLSHandshake:
		return false
	}

	if code >= StatusNormalClosure && code <= StatusBadGateway {
		return true
	}
	if code >= 3000 && code <= 4999 {
		return true
	}

	return false
}

func closePayload(ci CloseInfo) ([]byte, error) {
	if ci.Code == StatusNoStatusRcvd {
		if ci.Reason != "" {
			return nil, xerrors.Errorf("reason %q cannot be sent without a status code", ci.Reason)
		}
		return nil, nil
	}
	if len(ci.Reason) > maxCloseReason {
		return nil, xerrors.Errorf("reason string max is %v but got %q with length %v", maxCloseReason, ci.Reason, len(ci.Reason))
	}
	if !validWireCloseCode(ci.Code) {
		return nil, xerrors.Errorf("status code %v cannot be set", ci.Code)
	}

	buf := make([]byte, 2+len(ci.Reason))
	binary.BigEndian.PutUint16(buf, uint16(ci.Code))
	copy(buf[2:], ci.Reason)
	return buf, nil
}

// Close starts the close handshake by asking the transport to send a close
// frame. The Conn then waits in StateClosing for the peer's close frame;
// the transport bounds that wait and calls TransportClosed when it gives up.
//
// OnClose fires when the handshake completes.
func (c *Conn) Close(code StatusCode, reason string) (err error) {
	defer errd.Wrap(&err, "failed to close WebSocket")

	p, err := closePayload(CloseInfo{Code: code, Reason: reason})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateOpen || c.closeSent {
		st := c.state
		c.mu.Unlock()
		return xerrors.Errorf("cannot close a connection in state %v", st)
	}
	c.state = StateClosing
	c.closeSent = true
	c.mu.Unlock()

	c.log.Debug(c.ctx, "sending close frame", slog.F("code", code), slog.F("reason", reason))

	return c.transport.SendControlFrame(OpClose, p)
}

// handleClose runs the close handshake for a close frame from the peer.
func (c *Conn) handleClose(res *DecodeResult, p []byte) {
	ci, err := parseClosePayload(p)
	if err != nil {
		c.fail(res, protocolErrorf(StatusProtocolError, "received invalid close payload: %v", err))
		return
	}

	c.mu.Lock()
	echo := !c.closeSent
	c.closeSent = true
	if c.state == StateOpen {
		c.state = StateClosing
	}
	c.mu.Unlock()

	if echo {
		// The peer started the handshake so it is on us to answer with the same code.
		p, err := closePayload(CloseInfo{Code: ci.Code})
		if err == nil {
			err = c.transport.SendControlFrame(OpClose, p)
		}
		if err != nil {
			c.log.Warn(c.ctx, "failed to echo close frame", slog.Error(err))
		}
	}

	c.closed(res, ci)
}

// closed moves the Conn to StateClosed and dispatches OnClose.
func (c *Conn) closed(res *DecodeResult, ci CloseInfo) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.closeInfo = ci
	c.mu.Unlock()

	c.log.Debug(c.ctx, "connection closed", slog.F("code", ci.Code), slog.F("reason", ci.Reason))

	c.release()
	c.emit(res, Event{
		Kind:   EventClose,
		Code:   ci.Code,
		Reason: ci.Reason,
	})
}

// fail ends the connection because of err. It tells the peer why when the
// handshake has not started yet and dispatches OnError as the final event.
func (c *Conn) fail(res *DecodeResult, err error) {
	ci := CloseInfo{Code: StatusAbnormalClosure}
	var pe *ProtocolError
	if xerrors.As(err, &pe) {
		ci = CloseInfo{Code: pe.Code, Reason: pe.Msg}
		if len(ci.Reason) > maxCloseReason {
			ci.Reason = ci.Reason[:maxCloseReason]
		}
		ci.Reason = strings.ToValidUTF8(ci.Reason, "")
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	sendClose := pe != nil && !c.closeSent && c.state == StateOpen
	c.closeSent = true
	c.state = StateClosed
	c.closeInfo = ci
	c.mu.Unlock()

	c.log.Warn(c.ctx, "connection failed", slog.Error(err))

	if sendClose {
		p, perr := closePayload(ci)
		if perr == nil {
			perr = c.transport.SendControlFrame(OpClose, p)
		}
		if perr != nil {
			c.log.Warn(c.ctx, "failed to send close frame", slog.Error(perr))
		}
	}

	c.release()
	c.emit(res, Event{
		Kind: EventError,
		Err:  err,
	})
}
