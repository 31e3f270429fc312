package queue

import (
	"testing"

	"github.com/eq-rebalancer/internal/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceJob_Validate(t *testing.T) {
	valid := func() *PriceJob {
		return &PriceJob{Asset: "BTC", Price: decimal.NewFromInt(100), Timestamp: 1_700_000_000_000}
	}

	tests := []struct {
		name      string
		mutate    func(j *PriceJob)
		wantField string
	}{
		{name: "valid", mutate: func(j *PriceJob) {}},
		{name: "missing asset", mutate: func(j *PriceJob) { j.Asset = "" }, wantField: "asset"},
		{name: "asset with spaces", mutate: func(j *PriceJob) { j.Asset = "BT C" }, wantField: "asset"},
		{name: "zero price", mutate: func(j *PriceJob) { j.Price = decimal.Zero }, wantField: "price"},
		{name: "negative price", mutate: func(j *PriceJob) { j.Price = decimal.NewFromInt(-1) }, wantField: "price"},
		{name: "missing timestamp", mutate: func(j *PriceJob) { j.Timestamp = 0 }, wantField: "timestamp"},
		{name: "fractional price", mutate: func(j *PriceJob) { j.Price = decimal.RequireFromString("0.000123") }},
		{name: "pair symbol", mutate: func(j *PriceJob) { j.Asset = "BTC/USD" }},
		{name: "max int64 timestamp", mutate: func(j *PriceJob) { j.Timestamp = 9223372036854775807 }, wantField: "timestamp"},
		{name: "last millisecond of 9999", mutate: func(j *PriceJob) { j.Timestamp = MaxTimestampMillis }},
		{name: "price too large", mutate: func(j *PriceJob) { j.Price = decimal.RequireFromString("1e25") }, wantField: "price"},
		{name: "largest storable price", mutate: func(j *PriceJob) { j.Price = decimal.RequireFromString("99999999999999999999.999999999999999999") }},
		{name: "price below storable scale", mutate: func(j *PriceJob) { j.Price = decimal.RequireFromString("0.0000000000000000001") }, wantField: "price"},
		{name: "trailing zeros beyond scale", mutate: func(j *PriceJob) { j.Price = decimal.RequireFromString("1.50000000000000000000000") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := valid()
			tt.mutate(job)

			err := job.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.True(t, errors.IsPermanent(err), "validation failures must not be retried")
			catErr := errors.Categorize(err)
			assert.Equal(t, tt.wantField, catErr.Details["field"])
		})
	}
}

func TestJSONCodec_DecodeNumericPrice(t *testing.T) {
	job, err := JSONCodec{}.Decode([]byte(`{"asset":"ETH","price":2500.25,"timestamp":1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, "ETH", job.Asset)
	assert.True(t, job.Price.Equal(decimal.RequireFromString("2500.25")))
	assert.Equal(t, int64(1_700_000_000_000), job.Timestamp)
}

func TestJSONCodec_RejectsNonNumericTimestamp(t *testing.T) {
	_, err := JSONCodec{}.Decode([]byte(`{"asset":"ETH","price":1,"timestamp":"yesterday"}`))
	assert.Error(t, err)
}

func TestMsgpackCodec_RoundTrip(t *testing.T) {
	in := &PriceJob{Asset: "SOL", Price: decimal.RequireFromString("151.123456789"), Timestamp: 42, Source: "binance"}

	data, err := MsgpackCodec{}.Encode(in)
	require.NoError(t, err)

	out, err := MsgpackCodec{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in.Asset, out.Asset)
	assert.True(t, in.Price.Equal(out.Price))
	assert.Equal(t, in.Timestamp, out.Timestamp)
	assert.Equal(t, in.Source, out.Source)
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("msgpack")
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())

	c, err = CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	_, err = CodecByName("protobuf")
	assert.Error(t, err)
}

func TestPriceJob_ToPriceEvent(t *testing.T) {
	job := &PriceJob{Asset: "BTC", Price: decimal.NewFromInt(5), Timestamp: 9}

	event := job.ToPriceEvent("1-0")
	assert.Equal(t, "queue", event.Source)
	require.NotNil(t, event.JobID)
	assert.Equal(t, "1-0", *event.JobID)
	assert.Equal(t, int64(9), event.TimestampMillis())

	assert.Nil(t, job.ToPriceEvent("").JobID)
}
