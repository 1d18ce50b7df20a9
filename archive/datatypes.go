package archive

import (
	"math"
	"time"
)

// DataType names the per-type data table an attribute's samples live in,
// e.g. scalar_devdouble_ro selects att_scalar_devdouble_ro.
type DataType string

// DataTypes is the fixed set of HDB++ scalar tables.
var DataTypes = []DataType{
	"scalar_devboolean_ro",
	"scalar_devboolean_rw",
	"scalar_devdouble_ro",
	"scalar_devdouble_rw",
	"scalar_devencoded_ro",
	"scalar_devencoded_rw",
	"scalar_devfloat_ro",
	"scalar_devfloat_rw",
	"scalar_devlong64_ro",
	"scalar_devlong64_rw",
	"scalar_devlong_ro",
	"scalar_devlong_rw",
	"scalar_devshort_ro",
	"scalar_devshort_rw",
	"scalar_devstate_ro",
	"scalar_devstate_rw",
	"scalar_devstring_ro",
	"scalar_devstring_rw",
	"scalar_devuchar_ro",
	"scalar_devuchar_rw",
	"scalar_devulong64_ro",
	"scalar_devulong64_rw",
	"scalar_devulong_ro",
	"scalar_devulong_rw",
	"scalar_devushort_ro",
	"scalar_devushort_rw",
}

// value_r of these types cannot be represented as a float64 sample, so the
// registry never prepares their statements.
var unconvertible = map[DataType]struct{}{
	"scalar_devencoded_ro": {},
	"scalar_devencoded_rw": {},
	"scalar_devstring_ro":  {},
	"scalar_devstring_rw":  {},
}

// HasConverter reports whether samples of this type can be scanned.
func (dt DataType) HasConverter() bool {
	_, ok := unconvertible[dt]
	return !ok
}

// toFloat widens any numeric, boolean or state column value to float64.
func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return math.NaN(), false
	}
}

func asInt(v interface{}) int64 {
	f, _ := toFloat(v)
	if math.IsNaN(f) {
		return 0
	}
	return int64(f)
}

func asTime(v interface{}) time.Time {
	if t, ok := v.(time.Time); ok {
		return t
	}
	return time.Time{}
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
