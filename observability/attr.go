package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/vibeswap/vibeswap/types"
)

const ParticipantKey attribute.Key = "participant"
const PhaseKey attribute.Key = "phase"
const NodeIDKey attribute.Key = "service.node.name" // ECS convention

func Batch(id types.BatchID) attribute.KeyValue {
	return attribute.Int64("batch", int64(id)) /* #nosec G115 its unlikely that value of batch number exceeds int64 max value */
}

func Participant(id types.ParticipantID) attribute.KeyValue {
	return ParticipantKey.String(string(id))
}

func Phase(p types.Phase) attribute.KeyValue {
	return PhaseKey.String(p.String())
}

func Pool(id types.PoolID, extra ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributeSet(attribute.NewSet(
		append(extra, attribute.String("pool", id.String()))...,
	))
}

func PoolAttr(id types.PoolID) attribute.KeyValue {
	return attribute.String("pool", id.String())
}

/*
ErrStatus returns attribute named "status" with value "ok" if the param
err is nil and "err" when it is not.
*/
func ErrStatus(err error) attribute.KeyValue {
	status := "ok"
	if err != nil {
		status = "err"
	}
	return attribute.String("status", status)
}
