package checkpoints

import (
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary checkpoint; checkpoint.proto is the schema.
const (
	ckWeights          protowire.Number = 1
	ckOptimizer        protowire.Number = 2
	ckLR               protowire.Number = 3
	ckBestAcc          protowire.Number = 4
	ckBestAcc5         protowire.Number = 5
	ckBestAccPerClass  protowire.Number = 6
	ckBestAcc5PerClass protowire.Number = 7
	ckEpoch            protowire.Number = 8
	ckGlobalStep       protowire.Number = 9
	ckMetadata         protowire.Number = 10
)

func marshalCheckpoint(c *Checkpoint) ([]byte, error) {
	var b []byte
	for _, w := range c.Weights {
		b = protowire.AppendTag(b, ckWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}
	if c.Optimizer != nil {
		opt, err := marshalOptimizer(c.Optimizer)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, ckOptimizer, protowire.BytesType)
		b = protowire.AppendBytes(b, opt)
	}
	b = appendDouble(b, ckLR, c.LR)
	for _, f := range []struct {
		num protowire.Number
		v   *float64
	}{
		{ckBestAcc, c.BestAcc},
		{ckBestAcc5, c.BestAcc5},
		{ckBestAccPerClass, c.BestAccPerClass},
		{ckBestAcc5PerClass, c.BestAcc5PerClass},
	} {
		if f.v != nil {
			b = appendDouble(b, f.num, *f.v)
		}
	}
	if c.Epoch != nil {
		b = protowire.AppendTag(b, ckEpoch, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*c.Epoch))
	}
	b = protowire.AppendTag(b, ckGlobalStep, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.GlobalStep))
	b = protowire.AppendTag(b, ckMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalMetadata(&c.Metadata))
	return b, nil
}

func unmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == ckWeights && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var w WeightTensor
			if err := unmarshalTensor(v, &w.Name, &w.Shape, &w.Data, &w.Layer, &w.Type); err != nil {
				return 0, errors.Wrap(err, "weights")
			}
			c.Weights = append(c.Weights, w)
			return n, nil
		case num == ckOptimizer && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			opt, err := unmarshalOptimizer(v)
			if err != nil {
				return 0, errors.Wrap(err, "optimizer")
			}
			c.Optimizer = opt
			return n, nil
		case num >= ckLR && num <= ckBestAcc5PerClass && typ == protowire.Fixed64Type:
			bits, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return n, nil
			}
			v := math.Float64frombits(bits)
			switch num {
			case ckLR:
				c.LR = v
			case ckBestAcc:
				c.BestAcc = Float(v)
			case ckBestAcc5:
				c.BestAcc5 = Float(v)
			case ckBestAccPerClass:
				c.BestAccPerClass = Float(v)
			case ckBestAcc5PerClass:
				c.BestAcc5PerClass = Float(v)
			}
			return n, nil
		case (num == ckEpoch || num == ckGlobalStep) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			if num == ckEpoch {
				c.Epoch = Int(int(v))
			} else {
				c.GlobalStep = int(v)
			}
			return n, nil
		case num == ckMetadata && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			return n, errors.Wrap(unmarshalMetadata(v, &c.Metadata), "metadata")
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// marshalTensor serves both WeightTensor and OptimizerTensor; the optimizer
// form leaves type empty and stores its state type in field 4.
func marshalTensor(name string, shape []int, data []float32, layer, typ string) []byte {
	var b []byte
	b = appendString(b, 1, name)
	if len(shape) > 0 {
		var packed []byte
		for _, d := range shape {
			packed = protowire.AppendVarint(packed, uint64(d))
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if len(data) > 0 {
		packed := make([]byte, 0, 4*len(data))
		for _, v := range data {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = appendString(b, 4, layer)
	b = appendString(b, 5, typ)
	return b
}

func unmarshalTensor(b []byte, name *string, shape *[]int, data *[]float32, layer, typ *string) error {
	return forEachField(b, func(num protowire.Number, wt protowire.Type, b []byte) (int, error) {
		if wt != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, wt, b), nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case 1:
			*name = string(v)
		case 2:
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				*shape = append(*shape, int(d))
				v = v[m:]
			}
		case 3:
			if len(v)%4 != 0 {
				return 0, errors.Errorf("packed float field has %d bytes", len(v))
			}
			out := make([]float32, 0, len(v)/4)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed32(v)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				out = append(out, math.Float32frombits(bits))
				v = v[m:]
			}
			*data = append(*data, out...)
		case 4:
			*layer = string(v)
		case 5:
			if typ != nil {
				*typ = string(v)
			}
		}
		return n, nil
	})
}

func marshalOptimizer(o *OptimizerState) ([]byte, error) {
	var b []byte
	b = appendString(b, 1, o.Type)
	if len(o.Parameters) > 0 {
		params, err := json.Marshal(o.Parameters)
		if err != nil {
			return nil, errors.Wrap(err, "optimizer parameters")
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, params)
	}
	for _, st := range o.StateData {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(st.Name, st.Shape, st.Data, st.StateType, ""))
	}
	return b, nil
}

func unmarshalOptimizer(b []byte) (*OptimizerState, error) {
	o := &OptimizerState{Parameters: map[string]interface{}{}}
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case 1:
			o.Type = string(v)
		case 2:
			if err := json.Unmarshal(v, &o.Parameters); err != nil {
				return 0, errors.Wrap(err, "optimizer parameters")
			}
		case 3:
			var st OptimizerTensor
			if err := unmarshalTensor(v, &st.Name, &st.Shape, &st.Data, &st.StateType, nil); err != nil {
				return 0, err
			}
			o.StateData = append(o.StateData, st)
		}
		return n, nil
	})
	return o, err
}

func marshalMetadata(m *CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.CreatedAt.UnixNano()))
	}
	b = appendString(b, 4, m.RunID)
	b = appendString(b, 5, m.Checksum)
	b = appendString(b, 6, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func unmarshalMetadata(b []byte, m *CheckpointMetadata) error {
	return forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 3 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				m.CreatedAt = time.Unix(0, int64(v))
			}
			return n, nil
		}
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case 1:
			m.Version = v
		case 2:
			m.Framework = v
		case 4:
			m.RunID = v
		case 5:
			m.Checksum = v
		case 6:
			m.Description = v
		case 7:
			m.Tags = append(m.Tags, v)
		}
		return n, nil
	})
}

// forEachField walks the top-level fields of a message. fn consumes the value
// following the tag and returns its length, or a negative protowire code.
func forEachField(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}
