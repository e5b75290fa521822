package ir

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// ParseDType converts a serialized data type name (as written by DTypeName) to a GoMLX data type.
func ParseDType(name string) (dtypes.DType, error) {
	switch name {
	case "float32":
		return dtypes.Float32, nil
	case "float16":
		return dtypes.Float16, nil
	case "bfloat16":
		return dtypes.BFloat16, nil
	case "float64":
		return dtypes.Float64, nil
	case "int32":
		return dtypes.Int32, nil
	case "int64":
		return dtypes.Int64, nil
	case "uint8":
		return dtypes.Uint8, nil
	case "int8":
		return dtypes.Int8, nil
	case "int16":
		return dtypes.Int16, nil
	case "uint16":
		return dtypes.Uint16, nil
	case "uint32":
		return dtypes.Uint32, nil
	case "uint64":
		return dtypes.Uint64, nil
	case "bool":
		return dtypes.Bool, nil
	default:
		return dtypes.InvalidDType, errors.Errorf("unsupported/unknown data type %q", name)
	}
}

// DTypeName returns the serialized name of a data type. It is the inverse of ParseDType.
func DTypeName(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.Float32:
		return "float32"
	case dtypes.Float16:
		return "float16"
	case dtypes.BFloat16:
		return "bfloat16"
	case dtypes.Float64:
		return "float64"
	case dtypes.Int32:
		return "int32"
	case dtypes.Int64:
		return "int64"
	case dtypes.Uint8:
		return "uint8"
	case dtypes.Int8:
		return "int8"
	case dtypes.Int16:
		return "int16"
	case dtypes.Uint16:
		return "uint16"
	case dtypes.Uint32:
		return "uint32"
	case dtypes.Uint64:
		return "uint64"
	case dtypes.Bool:
		return "bool"
	default:
		return "invalid"
	}
}
