// Package wspb provides a Listener adapter for protobuf binary messages.
package wspb

import (
	"github.com/golang/protobuf/proto"
	"golang.org/x/xerrors"

	"github.com/coder/wsevent"
)

// OnBinary returns an OnBinaryFrame callback that unmarshals each binary
// message into a new T and passes it to fn.
func OnBinary[T any, PT interface {
	*T
	proto.Message
}](fn func(m PT) error,
) func(p []byte, fin bool, rsv int) error {
	return func(p []byte, fin bool, rsv int) error {
		m := PT(new(T))
		err := Decode(p, fin, m)
		if err != nil {
			return err
		}
		return fn(m)
	}
}

// Decode unmarshals the binary message p into m.
func Decode(p []byte, fin bool, m proto.Message) error {
	if !fin {
		return xerrors.New("failed to unmarshal protobuf: message fragment received, disable fragment streaming")
	}
	err := proto.Unmarshal(p, m)
	if err != nil {
		return xerrors.Errorf("failed to unmarshal protobuf: %w", err)
	}
	return nil
}

// Listener returns l with OnBinaryFrame set to unmarshal protobuf into fn.
func Listener[T any, PT interface {
	*T
	proto.Message
}](l wsevent.Listener, fn func(m PT) error,
) wsevent.Listener {
	l.OnBinaryFrame = OnBinary[T, PT](fn)
	return l
}
