package queue

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes jobs into stream payloads
type Codec interface {
	Name() string
	Encode(job *PriceJob) ([]byte, error)
	Decode(data []byte) (*PriceJob, error)
}

// CodecByName returns the codec registered under name
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSONCodec encodes jobs as JSON. Prices decode from numbers or numeric strings.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(job *PriceJob) ([]byte, error) {
	return json.Marshal(job)
}

func (JSONCodec) Decode(data []byte) (*PriceJob, error) {
	var job PriceJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// msgpackJob carries the price as a string so non-Go producers can write it
type msgpackJob struct {
	Asset     string `msgpack:"asset"`
	Price     string `msgpack:"price"`
	Timestamp int64  `msgpack:"timestamp"`
	Source    string `msgpack:"source,omitempty"`
}

// MsgpackCodec encodes jobs as MessagePack
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Encode(job *PriceJob) ([]byte, error) {
	return msgpack.Marshal(&msgpackJob{
		Asset:     job.Asset,
		Price:     job.Price.String(),
		Timestamp: job.Timestamp,
		Source:    job.Source,
	})
}

func (MsgpackCodec) Decode(data []byte) (*PriceJob, error) {
	var wire msgpackJob
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return nil, err
	}

	price, err := decimal.NewFromString(wire.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", wire.Price, err)
	}

	return &PriceJob{
		Asset:     wire.Asset,
		Price:     price,
		Timestamp: wire.Timestamp,
		Source:    wire.Source,
	}, nil
}
