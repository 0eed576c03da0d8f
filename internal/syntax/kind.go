package syntax

import "fmt"

// Kind is the kind of a [Symbol].
type Kind int

//go:generate stringer -type Kind -linecomment
const (
	KindDocument  Kind = iota // document
	KindRegion                // region
	KindRequest               // request
	KindMethod                // method
	KindURL                   // url
	KindHeader                // header
	KindBody                  // body
	KindComment               // comment
	KindMetaData              // meta-data
	KindVariable              // variable
	KindScript                // script
	KindResponse              // response
	KindDelimiter             // delimiter
	KindAssertion             // assertion
	KindText                  // text
)

// MarshalText implements [encoding.TextMarshaler] so kinds render by name in JSON.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (k *Kind) UnmarshalText(text []byte) error {
	for kind := KindDocument; kind <= KindText; kind++ {
		if kind.String() == string(text) {
			*k = kind
			return nil
		}
	}

	return fmt.Errorf("unknown symbol kind %q", text)
}
