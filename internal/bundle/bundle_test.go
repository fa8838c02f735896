package bundle

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/vatctl/internal/testutil/testlog"
)

const sampleSource = `function getExport() {
  return { buildRootObject: function () { return { ping: function () { return "pong"; } }; } };
}`

func TestValidateVariants(t *testing.T) {
	testlog.Start(t)
	if _, err := Validate(RawSource("not-an-object")); !errors.Is(err, ErrInvalidBundleKind) {
		t.Fatalf("expected ErrInvalidBundleKind for raw source, got %v", err)
	}
	if _, err := Validate(nil); !errors.Is(err, ErrInvalidBundleKind) {
		t.Fatalf("expected ErrInvalidBundleKind for nil, got %v", err)
	}
	if _, err := Validate((*Structured)(nil)); !errors.Is(err, ErrInvalidBundleKind) {
		t.Fatalf("expected ErrInvalidBundleKind for nil pointer, got %v", err)
	}
	if _, err := Validate(Structured{ModuleFormat: "nestedEvaluate", Source: "x"}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := Validate(Structured{ModuleFormat: FormatCommonJS, Source: "  \n"}); !errors.Is(err, ErrEmptySource) {
		t.Fatalf("expected ErrEmptySource, got %v", err)
	}
	s, err := Validate(&Structured{ModuleFormat: FormatGetExport, Source: sampleSource})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if s.Source != sampleSource {
		t.Fatalf("validate must return the structured bundle")
	}
}

func TestInvalidBundleKindText(t *testing.T) {
	testlog.Start(t)
	want := "createVatDynamically() requires bundle, not a plain string"
	if ErrInvalidBundleKind.Error() != want {
		t.Fatalf("unexpected text: %q", ErrInvalidBundleKind.Error())
	}
}

func TestEncodeDecodeSmallArchive(t *testing.T) {
	testlog.Start(t)
	in := Structured{ModuleFormat: FormatGetExport, Source: sampleSource}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if bytes.HasPrefix(data, zstdMagic) {
		t.Fatalf("small archive should not be compressed")
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("unexpected decode: %#v", out)
	}
}

func TestEncodeCompressesLargeArchive(t *testing.T) {
	testlog.Start(t)
	src := "function getExport() { return {}; }\n" + strings.Repeat("// padding line for compression\n", 400)
	in := Structured{ModuleFormat: FormatGetExport, Source: src}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasPrefix(data, zstdMagic) {
		t.Fatalf("large archive should be zstd compressed")
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.(Structured).Source != src {
		t.Fatalf("source mismatch after compressed round trip")
	}
}

func TestDecodeJSONForms(t *testing.T) {
	testlog.Start(t)
	b, err := Decode([]byte(`{"moduleFormat":"commonjs","source":"exports.x = 1;"}`))
	if err != nil {
		t.Fatalf("decode json bundle: %v", err)
	}
	if b.Kind() != KindStructured || b.(Structured).ModuleFormat != FormatCommonJS {
		t.Fatalf("unexpected json bundle: %#v", b)
	}

	raw, err := Decode([]byte(`"not-an-object"`))
	if err != nil {
		t.Fatalf("decode json string: %v", err)
	}
	if raw.Kind() != KindRawSource || raw.(RawSource) != "not-an-object" {
		t.Fatalf("unexpected raw decode: %#v", raw)
	}
}

func TestDecodeMalformed(t *testing.T) {
	testlog.Start(t)
	cases := [][]byte{nil, {0xff, 0x00}, append(append([]byte{}, zstdMagic...), 0x00, 0x01)}
	for _, data := range cases {
		if _, err := Decode(data); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected ErrMalformed for %x, got %v", data, err)
		}
	}
}

func TestIDStableAndContentAddressed(t *testing.T) {
	testlog.Start(t)
	a := Structured{ModuleFormat: FormatGetExport, Source: sampleSource}
	b := Structured{ModuleFormat: FormatGetExport, Source: sampleSource}
	c := Structured{ModuleFormat: FormatGetExport, Source: sampleSource + " "}
	if a.ID() != b.ID() {
		t.Fatalf("equal bundles must share an id")
	}
	if a.ID() == c.ID() {
		t.Fatalf("distinct bundles must not share an id")
	}
	if !strings.HasPrefix(string(a.ID()), "b3-") || len(a.ID()) != 3+64 {
		t.Fatalf("unexpected id shape: %q", a.ID())
	}
}
