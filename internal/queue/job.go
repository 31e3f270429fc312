// Package queue carries price-update jobs over a Redis Stream consumer group.
package queue

import (
	stderrors "errors"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/eq-rebalancer/internal/errors"
	"github.com/eq-rebalancer/internal/models"
	"github.com/eq-rebalancer/internal/types"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var assetSymbolRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/-]*$`)

// Bounds of what price_events can hold: NUMERIC(38,18) and a four-digit year
const (
	MaxPriceScale      = 18
	MaxTimestampMillis = 253402300799999 // 9999-12-31T23:59:59.999Z
)

var maxPrice = decimal.New(1, 38-MaxPriceScale)

// PriceJob is the payload of a price-update job
type PriceJob struct {
	Asset     string          `json:"asset" msgpack:"asset" validate:"required,max=32,asset_symbol"`
	Price     decimal.Decimal `json:"price" msgpack:"price" validate:"gt=0"`
	Timestamp int64           `json:"timestamp" msgpack:"timestamp" validate:"gt=0,lte=253402300799999"`
	Source    string          `json:"source,omitempty" msgpack:"source,omitempty" validate:"omitempty,max=64"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func jobValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Decimals compare as numbers so gt=0 applies to prices
		validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
			if d, ok := field.Interface().(decimal.Decimal); ok {
				f, _ := d.Float64()
				return f
			}
			return nil
		}, decimal.Decimal{})
		_ = validate.RegisterValidation("asset_symbol", func(fl validator.FieldLevel) bool {
			return assetSymbolRegex.MatchString(fl.Field().String())
		})
	})
	return validate
}

// Validate rejects jobs that can never be processed. The returned error is permanent.
func (j *PriceJob) Validate() error {
	err := jobValidator().Struct(j)
	if err == nil {
		return j.validatePrice()
	}

	var verrs validator.ValidationErrors
	if stderrors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return errors.NewMalformedJobError(strings.ToLower(fe.Field()), describeTag(fe))
	}
	return errors.NewMalformedJobError("job", err.Error())
}

func (j *PriceJob) validatePrice() error {
	if j.Price.Cmp(maxPrice) >= 0 {
		return errors.NewMalformedJobError("price", "is out of range")
	}
	if !j.Price.Equal(j.Price.Truncate(MaxPriceScale)) {
		return errors.NewMalformedJobError("price", "has too many decimal places")
	}
	return nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be positive"
	case "max":
		return "is too long"
	case "lte":
		return "is out of range"
	case "asset_symbol":
		return "is not a valid asset symbol"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

// ObservedAt returns the job timestamp as a time
func (j *PriceJob) ObservedAt() time.Time {
	return time.UnixMilli(j.Timestamp).UTC()
}

// ToPriceEvent converts the job into the record persisted for it
func (j *PriceJob) ToPriceEvent(jobID string) *models.PriceEvent {
	source := j.Source
	if source == "" {
		source = types.DefaultPriceSource
	}

	event := &models.PriceEvent{
		Asset:     j.Asset,
		Price:     j.Price,
		Timestamp: j.ObservedAt(),
		Source:    source,
	}
	if jobID != "" {
		event.JobID = &jobID
	}
	return event
}
