package template

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/PaesslerAG/gval"
)

// filterFunctions registers the §4.5 filter set as gval functions. Filters
// are invoked post-translation as ordinary calls (round(value, 1)), the
// piped value always landing as the first argument.
func filterFunctions() gval.Language {
	return gval.NewLanguage(
		gval.Function("int", filterInt),
		gval.Function("float", filterFloat),
		gval.Function("round", filterRound),
		gval.Function("default", filterDefault),
		gval.Function("iif", filterIif),
		gval.Function("is_defined", filterIsDefined),
		gval.Function("lower", filterLower),
		gval.Function("upper", filterUpper),
		gval.Function("trim", filterTrim),
		gval.Function("replace", filterReplace),
		gval.Function("log", filterLog),
		gval.Function("abs", filterAbs),
		gval.Function("max", filterMax),
		gval.Function("min", filterMin),
		gval.Function("from_json", filterFromJSON),
		gval.Function("to_json", filterToJSON),
	)
}

func filterInt(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("int: expected a value")
	}
	f, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	return math.Trunc(f), nil
}

func filterFloat(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("float: expected a value")
	}
	return toFloat(args[0])
}

func filterRound(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("round: expected a value")
	}
	f, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	precision := 0
	if len(args) > 1 {
		p, err := toFloat(args[1])
		if err != nil {
			return nil, err
		}
		precision = int(p)
	}
	mult := math.Pow(10, float64(precision))
	return math.Round(f*mult) / mult, nil
}

func filterDefault(args ...interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("default: expected a value and a fallback")
	}
	if args[0] == nil {
		return args[1], nil
	}
	return args[0], nil
}

func filterIif(args ...interface{}) (interface{}, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("iif: expected a condition and two branches")
	}
	if truthy(args[0]) {
		return args[1], nil
	}
	return args[2], nil
}

func filterIsDefined(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return false, nil
	}
	return args[0] != nil, nil
}

func filterLower(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("lower: expected a value")
	}
	return strings.ToLower(stringify(args[0])), nil
}

func filterUpper(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("upper: expected a value")
	}
	return strings.ToUpper(stringify(args[0])), nil
}

func filterTrim(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("trim: expected a value")
	}
	return strings.TrimSpace(stringify(args[0])), nil
}

func filterReplace(args ...interface{}) (interface{}, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("replace: expected a value, an old substring, and a new one")
	}
	return strings.ReplaceAll(stringify(args[0]), stringify(args[1]), stringify(args[2])), nil
}

func filterLog(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("log: expected a value")
	}
	f, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	base := math.E
	if len(args) > 1 {
		b, err := toFloat(args[1])
		if err != nil {
			return nil, err
		}
		base = b
	}
	return math.Log(f) / math.Log(base), nil
}

func filterAbs(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("abs: expected a value")
	}
	f, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	return math.Abs(f), nil
}

func filterMax(args ...interface{}) (interface{}, error) {
	return extremum(args, func(a, b float64) bool { return a > b })
}

func filterMin(args ...interface{}) (interface{}, error) {
	return extremum(args, func(a, b float64) bool { return a < b })
}

func extremum(args []interface{}, better func(a, b float64) bool) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("expected at least one value")
	}
	best, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	for _, a := range args[1:] {
		f, err := toFloat(a)
		if err != nil {
			return nil, err
		}
		if better(f, best) {
			best = f
		}
	}
	return best, nil
}

func filterFromJSON(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("from_json: expected a value")
	}
	var out interface{}
	if err := json.Unmarshal([]byte(stringify(args[0])), &out); err != nil {
		return nil, fmt.Errorf("from_json: %w", err)
	}
	return out, nil
}

func filterToJSON(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("to_json: expected a value")
	}
	b, err := json.Marshal(args[0])
	if err != nil {
		return nil, fmt.Errorf("to_json: %w", err)
	}
	return string(b), nil
}

// toFloat coerces a render-time value (gval's evaluation results are
// untyped interface{}) to a float64.
func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to a number", t)
		}
		return f, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case nil:
		return 0, fmt.Errorf("cannot convert an undefined value to a number")
	default:
		return 0, fmt.Errorf("cannot convert %T to a number", v)
	}
}

// stringify renders a value the way it appears in template output, and is
// also used to coerce filter arguments (lower, trim, replace, ...) to text.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		if b, err := json.Marshal(t); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", t)
	}
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}
