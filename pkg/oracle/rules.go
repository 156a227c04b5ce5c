package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/flowmend/flowmend/pkg/telemetry"
	"github.com/tidwall/gjson"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// ruleFunc is the function a rules script must define.
const ruleFunc = "propose_fix"

// DefaultRuleTimeout bounds a single propose_fix call.
const DefaultRuleTimeout = 5 * time.Second

// Rules proposes repairs with a Starlark script. The script defines
//
//	def propose_fix(node, rejection, history):
//	    ...
//	    return {"changes": [...]}   # or None when it has no fix
//
// node, rejection and history are the JSON forms of the request as dicts and
// lists. Module globals are frozen after loading, so a Rules value is safe for
// concurrent use.
type Rules struct {
	name    string
	fn      starlark.Callable
	timeout time.Duration
	logger  *telemetry.Logger
}

var _ engine.Oracle = (*Rules)(nil)

// NewRules loads a rules script. name is used in error positions.
func NewRules(name, script string, timeout time.Duration, logger *telemetry.Logger) (*Rules, error) {
	if timeout <= 0 {
		timeout = DefaultRuleTimeout
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	logger = logger.NewComponentLogger("oracle.rules").WithField("script", name)

	thread := newThread(name, logger)
	globals, err := starlark.ExecFile(thread, name, script, predeclared())
	if err != nil {
		return nil, fmt.Errorf("failed to load rules %s: %w", name, err)
	}
	globals.Freeze()

	fn, ok := globals[ruleFunc].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("rules %s do not define %s(node, rejection, history)", name, ruleFunc)
	}

	return &Rules{name: name, fn: fn, timeout: timeout, logger: logger}, nil
}

// LoadRules reads a rules script from disk.
func LoadRules(path string, timeout time.Duration, logger *telemetry.Logger) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	return NewRules(filepath.Base(path), string(data), timeout, logger)
}

// ProposeFix calls propose_fix with the request.
func (r *Rules) ProposeFix(ctx context.Context, req engine.RepairRequest) (*engine.RepairPatch, error) {
	if req.Node == nil {
		return nil, engine.NewOracleError("repair request has no node", nil)
	}

	args, err := ruleArgs(req)
	if err != nil {
		return nil, engine.NewOracleError("failed to convert request", err).WithResource(req.Node.ID)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	thread := newThread(r.name, r.logger)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-callCtx.Done():
			thread.Cancel(callCtx.Err().Error())
		case <-done:
		}
	}()

	start := time.Now()
	result, err := starlark.Call(thread, r.fn, args, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, engine.NewOracleError(fmt.Sprintf("rules timed out after %v", r.timeout), err).
				WithResource(req.Node.ID).WithCode(engine.ErrCodeTimeout)
		}
		return nil, engine.NewOracleError("rules failed", err).WithResource(req.Node.ID)
	}
	r.logger.WithNodeID(req.Node.ID).Debugf("%s returned %s in %v", ruleFunc, result.Type(), time.Since(start))

	if result == starlark.None {
		return nil, noFix("rules have no fix").WithResource(req.Node.ID)
	}
	if _, ok := result.(*starlark.Dict); !ok {
		return nil, engine.NewOracleError(fmt.Sprintf("%s must return a dict or None, got %s", ruleFunc, result.Type()), nil).
			WithResource(req.Node.ID)
	}

	goVal, err := fromStarlarkValue(result)
	if err != nil {
		return nil, engine.NewOracleError("rules returned an unsupported value", err).WithResource(req.Node.ID)
	}
	data, err := json.Marshal(goVal)
	if err != nil {
		return nil, engine.NewOracleError("rules returned an unsupported value", err).WithResource(req.Node.ID)
	}
	return parseReply(req.Node, string(data), "rules")
}

func newThread(name string, logger *telemetry.Logger) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Debug(msg)
		},
	}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
}

// ruleArgs converts the request into propose_fix arguments. The values go
// through JSON so that the script sees the same shape as the plan document,
// with property order preserved.
func ruleArgs(req engine.RepairRequest) (starlark.Tuple, error) {
	args := make(starlark.Tuple, 0, 3)
	for _, v := range []interface{}{req.Node, req.Rejection, req.History} {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		sv, err := toStarlarkValue(gjson.ParseBytes(data))
		if err != nil {
			return nil, err
		}
		args = append(args, sv)
	}
	return args, nil
}

// toStarlarkValue converts a JSON value to a Starlark value, keeping object
// key order.
func toStarlarkValue(v gjson.Result) (starlark.Value, error) {
	switch v.Type {
	case gjson.Null:
		return starlark.None, nil
	case gjson.True:
		return starlark.True, nil
	case gjson.False:
		return starlark.False, nil
	case gjson.String:
		return starlark.String(v.Str), nil
	case gjson.Number:
		if f := v.Float(); f == float64(int64(f)) {
			return starlark.MakeInt64(int64(f)), nil
		}
		return starlark.Float(v.Float()), nil
	}

	var err error
	if v.IsArray() {
		var list []starlark.Value
		v.ForEach(func(_, item gjson.Result) bool {
			var sv starlark.Value
			if sv, err = toStarlarkValue(item); err != nil {
				return false
			}
			list = append(list, sv)
			return true
		})
		return starlark.NewList(list), err
	}
	if v.IsObject() {
		dict := starlark.NewDict(0)
		v.ForEach(func(k, item gjson.Result) bool {
			var sv starlark.Value
			if sv, err = toStarlarkValue(item); err != nil {
				return false
			}
			err = dict.SetKey(starlark.String(k.String()), sv)
			return err == nil
		})
		return dict, err
	}
	return nil, fmt.Errorf("unsupported JSON value %q", v.Raw)
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
