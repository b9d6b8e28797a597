package loader

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-tandem/internal/tensor"
)

// FormatVersion tags weight files in the schema metadata.
const FormatVersion = "tandem-weights/1"

// Schema is one row per stored tensor.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "dtype", Type: arrow.BinaryTypes.String},
	{Name: "batch", Type: arrow.PrimitiveTypes.Int32},
	{Name: "head", Type: arrow.PrimitiveTypes.Int32},
	{Name: "seq", Type: arrow.PrimitiveTypes.Int32},
	{Name: "dim", Type: arrow.PrimitiveTypes.Int32},
	{Name: "scale", Type: arrow.PrimitiveTypes.Float32},
	{Name: "channel_scales", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	{Name: "data", Type: arrow.BinaryTypes.Binary},
}, func() *arrow.Metadata {
	md := arrow.NewMetadata([]string{"format"}, []string{FormatVersion})
	return &md
}())

// NewRecord encodes entries as a single record batch. The caller releases it.
func NewRecord(mem memory.Allocator, entries []*Entry) arrow.Record {
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	for _, e := range entries {
		b.Field(0).(*array.StringBuilder).Append(e.Name)
		b.Field(1).(*array.StringBuilder).Append(e.DType.String())
		for i := 0; i < 4; i++ {
			b.Field(2 + i).(*array.Int32Builder).Append(int32(e.Shape[i]))
		}
		b.Field(6).(*array.Float32Builder).Append(e.Scale)
		lb := b.Field(7).(*array.ListBuilder)
		lb.Append(true)
		lb.ValueBuilder().(*array.Float32Builder).AppendValues(e.ChannelScales, nil)
		b.Field(8).(*array.BinaryBuilder).Append(e.Data)
	}
	return b.NewRecord()
}

// Entries decodes a record batch built by NewRecord. Data is copied out of
// the record's buffers.
func Entries(rec arrow.Record) ([]*Entry, error) {
	if err := checkSchema(rec.Schema()); err != nil {
		return nil, err
	}
	names := rec.Column(0).(*array.String)
	dtypes := rec.Column(1).(*array.String)
	var dims [4]*array.Int32
	for i := range dims {
		dims[i] = rec.Column(2 + i).(*array.Int32)
	}
	scales := rec.Column(6).(*array.Float32)
	lists := rec.Column(7).(*array.List)
	listVals := lists.ListValues().(*array.Float32)
	data := rec.Column(8).(*array.Binary)

	out := make([]*Entry, 0, rec.NumRows())
	for r := 0; r < int(rec.NumRows()); r++ {
		dt, err := tensor.ParseDType(dtypes.Value(r))
		if err != nil {
			return nil, fmt.Errorf("weights: row %d (%s): %w", r, names.Value(r), err)
		}
		e := &Entry{
			Name:  names.Value(r),
			DType: dt,
			Scale: scales.Value(r),
			Data:  bytes.Clone(data.Value(r)),
		}
		for i := range dims {
			e.Shape[i] = int(dims[i].Value(r))
		}
		if start, end := lists.ValueOffsets(r); end > start {
			e.ChannelScales = append([]float32(nil), listVals.Float32Values()[start:end]...)
		}
		if err := e.validate(); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func checkSchema(s *arrow.Schema) error {
	if s.NumFields() != Schema.NumFields() {
		return fmt.Errorf("weights: schema has %d fields, want %d", s.NumFields(), Schema.NumFields())
	}
	for i, f := range Schema.Fields() {
		if got := s.Field(i); got.Name != f.Name || !arrow.TypeEqual(got.Type, f.Type) {
			return fmt.Errorf("weights: field %d is %s %s, want %s %s", i, got.Name, got.Type, f.Name, f.Type)
		}
	}
	return nil
}

// Write streams m as Arrow IPC.
func Write(w io.Writer, m *Map) error {
	mem := memory.NewGoAllocator()
	rec := NewRecord(mem, m.Entries())
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		iw.Close()
		return fmt.Errorf("weights: write record: %w", err)
	}
	return iw.Close()
}

// Read loads every record of an Arrow IPC stream into a Map.
func Read(r io.Reader) (*Map, error) {
	ir, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("weights: open stream: %w", err)
	}
	defer ir.Release()

	m := NewMap()
	for ir.Next() {
		entries, err := Entries(ir.Record())
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			m.Put(e)
		}
	}
	if err := ir.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("weights: read stream: %w", err)
	}
	return m, nil
}

func WriteFile(path string, m *Map) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func ReadFile(path string) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}
