// Package wsjson provides a Listener adapter for JSON text messages.
package wsjson

import (
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/xerrors"

	"github.com/coder/wsevent"
)

// OnText returns an OnTextFrame callback that decodes each text message
// into a new T and passes it to fn.
//
// Fragments delivered with Options.StreamFragments are rejected as they
// do not hold a whole JSON document.
func OnText[T any](fn func(v T) error) func(p string, fin bool, rsv int) error {
	return func(p string, fin bool, rsv int) error {
		var v T
		err := Decode(p, fin, &v)
		if err != nil {
			return err
		}
		return fn(v)
	}
}

// Decode decodes the text message p into v.
func Decode(p string, fin bool, v interface{}) error {
	if !fin {
		return xerrors.New("failed to decode json: message fragment received, disable fragment streaming")
	}
	err := sonnet.Unmarshal([]byte(p), v)
	if err != nil {
		return xerrors.Errorf("failed to decode json: %w", err)
	}
	return nil
}

// Listener returns l with OnTextFrame set to decode JSON into fn.
func Listener[T any](l wsevent.Listener, fn func(v T) error) wsevent.Listener {
	l.OnTextFrame = OnText(fn)
	return l
}
