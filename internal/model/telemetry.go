// Package model defines the core domain types shared by every component:
// telemetry samples, devices and tags, alarm rules/records, and collection
// rules/segments.
package model

import "time"

// ValueType tags which payload slot of a TelemetryPoint is populated.
type ValueType uint8

const (
	ValueTypeBool ValueType = iota
	ValueTypeInt8
	ValueTypeInt16
	ValueTypeInt32
	ValueTypeInt64
	ValueTypeUint8
	ValueTypeUint16
	ValueTypeUint32
	ValueTypeUint64
	ValueTypeFloat32
	ValueTypeFloat64
	ValueTypeString
	ValueTypeByteArray
	ValueTypeDateTime
)

func (vt ValueType) String() string {
	switch vt {
	case ValueTypeBool:
		return "bool"
	case ValueTypeInt8:
		return "int8"
	case ValueTypeInt16:
		return "int16"
	case ValueTypeInt32:
		return "int32"
	case ValueTypeInt64:
		return "int64"
	case ValueTypeUint8:
		return "uint8"
	case ValueTypeUint16:
		return "uint16"
	case ValueTypeUint32:
		return "uint32"
	case ValueTypeUint64:
		return "uint64"
	case ValueTypeFloat32:
		return "float32"
	case ValueTypeFloat64:
		return "float64"
	case ValueTypeString:
		return "string"
	case ValueTypeByteArray:
		return "bytearray"
	case ValueTypeDateTime:
		return "datetime"
	default:
		return "unknown"
	}
}

// Quality mirrors the common OPC-style quality byte: Good/Uncertain/Bad.
type Quality uint8

const (
	QualityGood      Quality = 0
	QualityUncertain Quality = 1
	QualityBad       Quality = 2
)

// TelemetryPoint is one typed reading of one tag at one timestamp. Only the
// payload slot matching ValueType is meaningful; the others are zero.
// (DeviceId, TagId, Ts, Seq) uniquely identifies a point.
type TelemetryPoint struct {
	DeviceId string
	TagId    string
	Ts       int64 // UTC milliseconds
	Seq      uint64

	ValueType ValueType
	BoolVal   bool
	I8Val     int8
	I16Val    int16
	I32Val    int32
	I64Val    int64
	U8Val     uint8
	U16Val    uint16
	U32Val    uint32
	U64Val    uint64
	F32Val    float32
	F64Val    float64
	StrVal    string
	BytesVal  []byte
	TimeVal   time.Time

	Quality Quality
	Unit    string
}

// AsFloat64 coerces the populated payload slot to a float64. The second
// return value is false when the value type has no numeric coercion
// (String, ByteArray) — callers such as the AlarmEngine treat that as
// "the rule does not fire".
func (p *TelemetryPoint) AsFloat64() (float64, bool) {
	switch p.ValueType {
	case ValueTypeBool:
		if p.BoolVal {
			return 1, true
		}
		return 0, true
	case ValueTypeInt8:
		return float64(p.I8Val), true
	case ValueTypeInt16:
		return float64(p.I16Val), true
	case ValueTypeInt32:
		return float64(p.I32Val), true
	case ValueTypeInt64:
		return float64(p.I64Val), true
	case ValueTypeUint8:
		return float64(p.U8Val), true
	case ValueTypeUint16:
		return float64(p.U16Val), true
	case ValueTypeUint32:
		return float64(p.U32Val), true
	case ValueTypeUint64:
		return float64(p.U64Val), true
	case ValueTypeFloat32:
		return float64(p.F32Val), true
	case ValueTypeFloat64:
		return p.F64Val, true
	case ValueTypeDateTime:
		return float64(p.TimeVal.UnixMilli()), true
	default:
		return 0, false
	}
}

// NewFloat64Point is a convenience constructor used pervasively by
// collectors and tests.
func NewFloat64Point(deviceID, tagID string, ts int64, seq uint64, val float64) TelemetryPoint {
	return TelemetryPoint{
		DeviceId:  deviceID,
		TagId:     tagID,
		Ts:        ts,
		Seq:       seq,
		ValueType: ValueTypeFloat64,
		F64Val:    val,
		Quality:   QualityGood,
	}
}

// Key identifies the (device, tag) stream a point belongs to; used for
// per-stream ordering, ring buffers, and rule indexing.
type Key struct {
	DeviceId string
	TagId    string
}

func (p *TelemetryPoint) Key() Key {
	return Key{DeviceId: p.DeviceId, TagId: p.TagId}
}
