package gguf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/born-ml/tokbridge/internal/tokerr"
)

// maxArrayLen bounds metadata arrays; the largest vocabularies are a few hundred thousand entries.
const maxArrayLen = 100_000_000

// Parse reads the header and metadata of a GGUF stream. Malformed input yields a
// *tokerr.FormatError carrying the byte offset at which reading failed.
func Parse(r io.Reader) (*File, error) {
	p := &parser{
		r:     &countingReader{r: r},
		order: binary.LittleEndian,
	}
	file, err := p.parse()
	if err != nil {
		return nil, &tokerr.FormatError{Source: "gguf", Offset: p.r.n, Reason: err.Error(), Err: err}
	}
	return file, nil
}

// ParseFile parses the header and metadata of a GGUF file on disk.
//
//nolint:gosec // G304: path comes from trusted caller, not user input.
func ParseFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() {
		_ = f.Close() // Ignore close error on read-only file.
	}()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	gguf, err := Parse(bufio.NewReaderSize(f, 1<<16))
	if err != nil {
		var fe *tokerr.FormatError
		if errors.As(err, &fe) {
			fe.Source = path
		}
		return nil, err
	}

	gguf.FilePath = path
	gguf.FileSize = stat.Size()

	return gguf, nil
}

// countingReader tracks the offset for error reporting.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type parser struct {
	r     *countingReader
	order binary.ByteOrder
}

func (p *parser) parse() (*File, error) {
	file := &File{
		Metadata: make(map[string]any),
	}

	if err := p.parseHeader(&file.Header); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	for i := uint64(0); i < file.Header.MetadataKVCount; i++ {
		kv, err := p.parseMetadataKV()
		if err != nil {
			return nil, fmt.Errorf("parse metadata kv %d: %w", i, err)
		}
		file.Metadata[kv.Key] = kv.Value
	}
	return file, nil
}

func (p *parser) parseHeader(h *Header) error {
	if err := binary.Read(p.r, p.order, &h.Magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	switch h.Magic {
	case MagicGGUFLE:
	case MagicGGUFBE:
		p.order = binary.BigEndian
	default:
		return fmt.Errorf("invalid magic: 0x%08X (expected GGUF)", h.Magic)
	}

	var rest struct {
		Version         uint32
		TensorCount     uint64
		MetadataKVCount uint64
	}
	if err := binary.Read(p.r, p.order, &rest); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if rest.Version < Version1 || rest.Version > Version3 {
		return fmt.Errorf("unsupported version: %d (supported: 1-3)", rest.Version)
	}
	h.Version, h.TensorCount, h.MetadataKVCount = rest.Version, rest.TensorCount, rest.MetadataKVCount
	return nil
}

func (p *parser) parseMetadataKV() (*MetadataKV, error) {
	key, err := readString(p.r, p.order)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	var vt ValueType
	if err := binary.Read(p.r, p.order, &vt); err != nil {
		return nil, fmt.Errorf("read value type of %q: %w", key, err)
	}
	value, err := p.parseValue(vt)
	if err != nil {
		return nil, fmt.Errorf("read value of %q: %w", key, err)
	}
	return &MetadataKV{Key: key, ValueType: vt, Value: value}, nil
}

// fixedReaders decode the fixed-size value types, as scalars and as arrays.
var fixedReaders = map[ValueType]struct {
	scalar func(*parser) (any, error)
	array  func(*parser, int) (any, error)
}{
	ValueTypeUint8:   {readScalar[uint8], readArray[uint8]},
	ValueTypeInt8:    {readScalar[int8], readArray[int8]},
	ValueTypeUint16:  {readScalar[uint16], readArray[uint16]},
	ValueTypeInt16:   {readScalar[int16], readArray[int16]},
	ValueTypeUint32:  {readScalar[uint32], readArray[uint32]},
	ValueTypeInt32:   {readScalar[int32], readArray[int32]},
	ValueTypeFloat32: {readScalar[float32], readArray[float32]},
	ValueTypeBool:    {readScalar[bool], readArray[bool]},
	ValueTypeUint64:  {readScalar[uint64], readArray[uint64]},
	ValueTypeInt64:   {readScalar[int64], readArray[int64]},
	ValueTypeFloat64: {readScalar[float64], readArray[float64]},
}

func readScalar[T any](p *parser) (any, error) {
	var v T
	err := binary.Read(p.r, p.order, &v)
	return v, err
}

// readArray decodes n elements in one call.
func readArray[T any](p *parser, n int) (any, error) {
	arr := make([]T, n)
	err := binary.Read(p.r, p.order, arr)
	return arr, err
}

func (p *parser) parseValue(t ValueType) (any, error) {
	switch t {
	case ValueTypeString:
		return readString(p.r, p.order)
	case ValueTypeArray:
		return p.parseArray()
	}
	r, ok := fixedReaders[t]
	if !ok {
		return nil, fmt.Errorf("unknown value type: %d", t)
	}
	return r.scalar(p)
}

func (p *parser) parseArray() (any, error) {
	var head struct {
		Elem   ValueType
		Length uint64
	}
	if err := binary.Read(p.r, p.order, &head); err != nil {
		return nil, fmt.Errorf("read array header: %w", err)
	}
	if head.Length > maxArrayLen {
		return nil, fmt.Errorf("array too large: %d elements", head.Length)
	}
	n := int(head.Length) //nolint:gosec // G115: bounded by maxArrayLen.

	if head.Elem == ValueTypeString {
		arr := make([]string, n)
		for i := range arr {
			s, err := readString(p.r, p.order)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			arr[i] = s
		}
		return arr, nil
	}
	r, ok := fixedReaders[head.Elem]
	if !ok {
		return nil, fmt.Errorf("unsupported array element type: %s", head.Elem)
	}
	return r.array(p, n)
}
