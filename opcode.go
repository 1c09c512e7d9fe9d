package wsevent

import (
	"github.com/coder/wsevent/internal/wsframe"
)

// Opcode represents a WebSocket opcode.
// See https://tools.ietf.org/html/rfc6455#section-11.8
type Opcode = wsframe.Opcode

// Opcode constants.
const (
	OpContinuation = wsframe.OpContinuation
	OpText         = wsframe.OpText
	OpBinary       = wsframe.OpBinary
	OpClose        = wsframe.OpClose
	OpPing         = wsframe.OpPing
	OpPong         = wsframe.OpPong
)
