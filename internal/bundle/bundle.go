package bundle

import (
	"errors"
	"fmt"
	"strings"
)

const (
	FormatGetExport = "getExport"
	FormatCommonJS  = "commonjs"
)

// ErrInvalidBundleKind is reported when a plain string is supplied where a
// structured bundle is required. The text is part of the failure notification.
var ErrInvalidBundleKind = errors.New("createVatDynamically() requires bundle, not a plain string")

var (
	ErrUnsupportedFormat = errors.New("bundle: unsupported module format")
	ErrEmptySource       = errors.New("bundle: empty source")
	ErrMalformed         = errors.New("bundle: malformed archive")
)

type Kind int

const (
	KindRawSource Kind = iota + 1
	KindStructured
)

func (k Kind) String() string {
	switch k {
	case KindRawSource:
		return "raw_source"
	case KindStructured:
		return "structured"
	default:
		return "unknown"
	}
}

// Bundle is either a RawSource or a Structured package.
type Bundle interface {
	Kind() Kind
}

// RawSource is bare source text. It is representable so that callers can
// hand it to the kernel, but it never loads.
type RawSource string

func (RawSource) Kind() Kind { return KindRawSource }

// Structured is a serializable code package.
//
// getExport: Source is a function expression; calling it returns the module
// exports object.
// commonjs: Source is a module body assigning to module.exports or exports.
type Structured struct {
	ModuleFormat string `cbor:"moduleFormat" json:"moduleFormat"`
	Source       string `cbor:"source" json:"source"`
	SourceMap    string `cbor:"sourceMap,omitempty" json:"sourceMap,omitempty"`
}

func (Structured) Kind() Kind { return KindStructured }

// Validate checks the variant and the structured fields. It returns the
// structured form on success.
func Validate(b Bundle) (Structured, error) {
	var s Structured
	switch v := b.(type) {
	case nil:
		return Structured{}, ErrInvalidBundleKind
	case RawSource:
		return Structured{}, ErrInvalidBundleKind
	case Structured:
		s = v
	case *Structured:
		if v == nil {
			return Structured{}, ErrInvalidBundleKind
		}
		s = *v
	default:
		return Structured{}, fmt.Errorf("%w: %T", ErrInvalidBundleKind, b)
	}

	switch s.ModuleFormat {
	case FormatGetExport, FormatCommonJS:
	default:
		return Structured{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s.ModuleFormat)
	}
	if strings.TrimSpace(s.Source) == "" {
		return Structured{}, ErrEmptySource
	}
	return s, nil
}
