package artifact

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/wippyai/wasm-engine/compiler"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/internal/binary"
	"github.com/wippyai/wasm-engine/isa"
	"github.com/wippyai/wasm-engine/target"
	"github.com/wippyai/wasm-engine/trap"
	"github.com/wippyai/wasm-engine/wasm"
)

// Magic starts every serialized artifact.
const Magic = "\x00wasmobj"

// FormatVersion is the current serialization format.
const FormatVersion uint16 = 1

const flagZstd uint16 = 1 << 0

// maxPayload bounds the decompressed payload of a serialized artifact.
const maxPayload = 1 << 30

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayload), zstd.WithDecoderConcurrency(0))
	})
	return zstdEnc, zstdDec, zstdErr
}

// Serialize encodes the artifact with a zstd-compressed payload.
func (a *Artifact) Serialize() ([]byte, error) {
	return a.serialize(true)
}

// SerializeRaw encodes the artifact without compression.
func (a *Artifact) SerializeRaw() ([]byte, error) {
	return a.serialize(false)
}

// WriteTo writes the serialized artifact to w.
func (a *Artifact) WriteTo(w io.Writer) (int64, error) {
	data, err := a.Serialize()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

func (a *Artifact) serialize(compress bool) ([]byte, error) {
	payload := a.encodePayload()
	var flags uint16
	if compress {
		enc, _, err := codecs()
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		payload = enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		flags |= flagZstd
	}

	w := binary.NewWriter()
	w.WriteBytes([]byte(Magic))
	w.WriteU16LE(FormatVersion)
	w.WriteU16LE(flags)
	w.WriteName(a.target.Tag())
	w.WriteU32LE(a.features.Bits())
	w.WriteU32LE(a.required.Bits())
	w.WriteName(a.compiler)
	w.WriteU64LE(xxhash.Sum64(payload))
	w.WriteBlob(payload)
	return w.Bytes(), nil
}

func (a *Artifact) encodePayload() []byte {
	w := binary.NewWriter()
	w.WriteBlob(a.module.Encode())
	w.WriteU32(uint32(len(a.functions)))
	for _, f := range a.functions {
		w.WriteU32(f.Index)
		w.WriteU32(f.TypeIndex)
		w.WriteU32(f.NumLocals)
		w.WriteU32(f.MaxStack)
		w.WriteBlob(f.Code)
		w.WriteU32(uint32(len(f.Relocations)))
		for _, r := range f.Relocations {
			w.WriteU32(r.Offset)
			w.Byte(byte(r.Kind))
			w.WriteU32(r.Target)
		}
		w.WriteU32(uint32(len(f.Traps)))
		for _, t := range f.Traps {
			w.WriteU32(t.Offset)
			w.Byte(byte(t.Kind))
		}
	}
	return w.Bytes()
}

// Header is the uncompressed prefix of a serialized artifact.
type Header struct {
	Target   target.Target
	Compiler string
	Checksum uint64
	Version  uint16
	Flags    uint16
	Features target.Features
	Required target.Features
}

// ReadHeader decodes the header without touching the payload.
func ReadHeader(data []byte) (Header, []byte, error) {
	if len(data) < len(Magic) || string(data[:len(Magic)]) != Magic {
		return Header{}, nil, errors.Deserialize(errors.KindCorrupt, "not a serialized artifact")
	}
	r := binary.NewReader(data[len(Magic):])
	var h Header
	var err error
	if h.Version, err = r.ReadU16LE(); err != nil {
		return Header{}, nil, corrupt(err)
	}
	if h.Version != FormatVersion {
		return Header{}, nil, errors.Deserialize(errors.KindVersion, "format version %d, want %d", h.Version, FormatVersion)
	}
	if h.Flags, err = r.ReadU16LE(); err != nil {
		return Header{}, nil, corrupt(err)
	}
	tag, err := r.ReadName()
	if err != nil {
		return Header{}, nil, corrupt(err)
	}
	if h.Target, err = target.ParseTriple(tag); err != nil {
		return Header{}, nil, corrupt(err)
	}
	enabled, err := r.ReadU32LE()
	if err != nil {
		return Header{}, nil, corrupt(err)
	}
	required, err := r.ReadU32LE()
	if err != nil {
		return Header{}, nil, corrupt(err)
	}
	h.Features, h.Required = target.FeaturesFromBits(enabled), target.FeaturesFromBits(required)
	if h.Compiler, err = r.ReadName(); err != nil {
		return Header{}, nil, corrupt(err)
	}
	if h.Checksum, err = r.ReadU64LE(); err != nil {
		return Header{}, nil, corrupt(err)
	}
	n, err := r.ReadU32()
	if err != nil {
		return Header{}, nil, corrupt(err)
	}
	payload, err := r.ReadBytes(int(n))
	if err != nil {
		return Header{}, nil, corrupt(err)
	}
	if r.Len() != 0 {
		return Header{}, nil, errors.Deserialize(errors.KindCorrupt, "%d trailing bytes", r.Len())
	}
	return h, payload, nil
}

// Deserialize loads a serialized artifact for host. The target tag is
// checked first, then the features the code requires against enabled,
// then the payload checksum. Nothing is mapped.
func Deserialize(data []byte, host target.Target, enabled target.Features) (*Artifact, error) {
	h, payload, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}
	if !host.CompatibleWith(h.Target) {
		return nil, errors.New(errors.PhaseDeserialize, errors.KindTargetMismatch).
			Value(h.Target.Tag()).
			Detail("artifact built for %s cannot run on %s", h.Target.Tag(), host.Tag()).
			Build()
	}
	if missing := enabled.Missing(h.Required); len(missing) > 0 {
		return nil, errors.Deserialize(errors.KindFeatureMismatch, "artifact requires disabled features %v", missing)
	}
	if xxhash.Sum64(payload) != h.Checksum {
		return nil, errors.Deserialize(errors.KindCorrupt, "payload checksum mismatch")
	}
	if h.Flags&flagZstd != 0 {
		_, dec, err := codecs()
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		if payload, err = dec.DecodeAll(payload, nil); err != nil {
			return nil, corrupt(err)
		}
	}

	a := &Artifact{target: h.Target, features: h.Features, required: h.Required, compiler: h.Compiler}
	if err := a.decodePayload(payload); err != nil {
		return nil, corrupt(err)
	}
	a.refs.Store(1)
	return a, nil
}

func corrupt(err error) error {
	return errors.New(errors.PhaseDeserialize, errors.KindCorrupt).Cause(err).Detail("malformed artifact").Build()
}

func (a *Artifact) decodePayload(payload []byte) error {
	r := binary.NewReader(payload)
	metaLen, err := r.ReadU32()
	if err != nil {
		return err
	}
	meta, err := r.ReadBytes(int(metaLen))
	if err != nil {
		return err
	}
	if a.module, err = wasm.ParseMetadata(meta); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}

	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if int(count) != len(a.module.Funcs) {
		return fmt.Errorf("%d bodies for %d functions", count, len(a.module.Funcs))
	}
	imported := uint32(a.module.NumImportedFuncs())
	a.functions = make([]compiler.Function, count)
	for i := range a.functions {
		f := &a.functions[i]
		for _, p := range []*uint32{&f.Index, &f.TypeIndex, &f.NumLocals, &f.MaxStack} {
			if *p, err = r.ReadU32(); err != nil {
				return err
			}
		}
		if f.Index != imported+uint32(i) || f.TypeIndex != a.module.Funcs[i] {
			return fmt.Errorf("function %d: inconsistent index or type", i)
		}
		codeLen, err := r.ReadU32()
		if err != nil {
			return err
		}
		code, err := r.ReadBytes(int(codeLen))
		if err != nil {
			return err
		}
		if len(code) < isa.HeaderSize {
			return fmt.Errorf("function %d: truncated code", i)
		}
		f.Code = bytes.Clone(code)

		n, err := r.ReadU32()
		if err != nil {
			return err
		}
		if int(n) > r.Len() {
			return fmt.Errorf("function %d: relocation count %d", i, n)
		}
		f.Relocations = make([]compiler.Relocation, n)
		for j := range f.Relocations {
			rel := &f.Relocations[j]
			if rel.Offset, err = r.ReadU32(); err != nil {
				return err
			}
			kind, err := r.ReadByte()
			if err != nil {
				return err
			}
			rel.Kind = compiler.RelocKind(kind)
			if rel.Kind > compiler.RelocCode || int(rel.Offset)+4 > len(f.Code) {
				return fmt.Errorf("function %d: invalid relocation", i)
			}
			if rel.Target, err = r.ReadU32(); err != nil {
				return err
			}
		}

		if n, err = r.ReadU32(); err != nil {
			return err
		}
		if int(n) > r.Len() {
			return fmt.Errorf("function %d: trap count %d", i, n)
		}
		f.Traps = make([]compiler.TrapSite, n)
		for j := range f.Traps {
			t := &f.Traps[j]
			if t.Offset, err = r.ReadU32(); err != nil {
				return err
			}
			kind, err := r.ReadByte()
			if err != nil {
				return err
			}
			t.Kind = trap.Kind(kind)
			if int(t.Offset) >= len(f.Code) {
				return fmt.Errorf("function %d: trap site outside body", i)
			}
		}
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing payload bytes", r.Len())
	}
	return nil
}
