package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var hiddenSchema = arrow.NewSchema([]arrow.Field{
	{Name: "hidden", Type: arrow.PrimitiveTypes.Float32},
}, nil)

// EncodeHiddenState writes h as an Arrow IPC stream with one float32 column.
func EncodeHiddenState(h []float32) ([]byte, error) {
	if len(h) == 0 {
		return nil, errors.New("no hidden state provided")
	}
	mem := memory.NewGoAllocator()

	b := array.NewRecordBuilder(mem, hiddenSchema)
	defer b.Release()
	b.Field(0).(*array.Float32Builder).AppendValues(h, nil)
	record := b.NewRecord()
	defer record.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(hiddenSchema), ipc.WithAllocator(mem))
	if err := w.Write(record); err != nil {
		return nil, fmt.Errorf("failed to write hidden state: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close hidden state writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeHiddenState reads a stream written by EncodeHiddenState.
func DecodeHiddenState(b []byte) ([]float32, error) {
	r, err := ipc.NewReader(bytes.NewReader(b), ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("failed to read hidden state: %w", err)
	}
	defer r.Release()

	if !r.Schema().Equal(hiddenSchema) {
		return nil, fmt.Errorf("unexpected hidden state schema: %s", r.Schema())
	}
	var out []float32
	for r.Next() {
		col, ok := r.Record().Column(0).(*array.Float32)
		if !ok {
			return nil, fmt.Errorf("unexpected hidden state column type: %s", r.Record().Column(0).DataType())
		}
		out = append(out, col.Float32Values()...)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("failed to read hidden state: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("empty hidden state")
	}
	return out, nil
}
