// Package gguf reads the tokenizer assets embedded in GGUF model files.
//
// GGUF (GGML Universal Format) is the file format used by llama.cpp for
// quantized LLMs. Besides the tensors, every GGUF file carries the model's
// vocabulary, merges, special-token ids and chat template in its metadata
// section. This package reads the header and the metadata only; tensor data
// is never touched.
//
// Format reference: https://github.com/ggerganov/ggml/blob/master/docs/gguf.md
package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// The magic reads as MagicGGUFLE from little-endian files and as MagicGGUFBE from big-endian ones.
const (
	MagicGGUFLE uint32 = 0x46554747
	MagicGGUFBE uint32 = 0x47475546
)

// Supported format versions.
const (
	Version1 uint32 = 1
	Version2 uint32 = 2
	Version3 uint32 = 3
)

// ValueType tags a metadata value.
type ValueType uint32

const (
	ValueTypeUint8   ValueType = 0
	ValueTypeInt8    ValueType = 1
	ValueTypeUint16  ValueType = 2
	ValueTypeInt16   ValueType = 3
	ValueTypeUint32  ValueType = 4
	ValueTypeInt32   ValueType = 5
	ValueTypeFloat32 ValueType = 6
	ValueTypeBool    ValueType = 7
	ValueTypeString  ValueType = 8
	ValueTypeArray   ValueType = 9
	ValueTypeUint64  ValueType = 10
	ValueTypeInt64   ValueType = 11
	ValueTypeFloat64 ValueType = 12
)

var valueTypeNames = [...]string{
	"uint8", "int8", "uint16", "int16", "uint32", "int32", "float32",
	"bool", "string", "array", "uint64", "int64", "float64",
}

func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return fmt.Sprintf("unknown(%d)", t)
}

// Header is the fixed-size file header.
type Header struct {
	Magic           uint32
	Version         uint32
	TensorCount     uint64
	MetadataKVCount uint64
}

// MetadataKV is one decoded metadata entry.
type MetadataKV struct {
	Key       string
	ValueType ValueType
	Value     any
}

// File is the parsed header and metadata of a GGUF file.
type File struct {
	Header   Header
	Metadata map[string]any

	// Source info.
	FilePath string
	FileSize int64
}

// Architecture returns the model architecture (e.g., "llama", "gpt2").
func (f *File) Architecture() string {
	if arch, ok := f.Metadata["general.architecture"].(string); ok {
		return arch
	}
	return ""
}

// Name returns the model name.
func (f *File) Name() string {
	if name, ok := f.Metadata["general.name"].(string); ok {
		return name
	}
	return ""
}

// ContextLength returns the maximum context length, or 0 when absent.
func (f *File) ContextLength() int {
	n, _ := intValue(f.Metadata[f.Architecture()+".context_length"])
	return n
}

// intValue converts any integer metadata value to int.
func intValue(v any) (int, bool) {
	switch x := v.(type) {
	case uint8:
		return int(x), true
	case int8:
		return int(x), true
	case uint16:
		return int(x), true
	case int16:
		return int(x), true
	case uint32:
		return int(x), true
	case int32:
		return int(x), true
	case uint64:
		if x > math.MaxInt {
			return 0, false
		}
		return int(x), true
	case int64:
		if x > math.MaxInt || x < math.MinInt {
			return 0, false
		}
		return int(x), true
	}
	return 0, false
}

// readString reads a uint64 length-prefixed string.
func readString(r io.Reader, order binary.ByteOrder) (string, error) {
	var length uint64
	if err := binary.Read(r, order, &length); err != nil {
		return "", fmt.Errorf("read string length: %w", err)
	}

	// Sanity check: chat templates are the longest strings in practice.
	if length > 1<<20 {
		return "", fmt.Errorf("string too long: %d bytes", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", fmt.Errorf("read string data: %w", err)
	}

	return string(data), nil
}
