package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/srand/grid/pkg/utils"
)

// The run specification format understood by the built-in runner.
type RunSpec struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// OpFunc implements one named operation.
type OpFunc func(ctx context.Context, rc *RunContext, args json.RawMessage) ([]byte, error)

// OpRunner executes tasks whose run specification names a registered
// operation.
type OpRunner struct {
	mu  sync.RWMutex
	ops map[string]OpFunc
}

func NewOpRunner() *OpRunner {
	runner := &OpRunner{
		ops: map[string]OpFunc{},
	}
	runner.RegisterOp("const", opConst)
	runner.RegisterOp("concat", opConcat)
	runner.RegisterOp("sum", opSum)
	runner.RegisterOp("sleep", opSleep)
	runner.RegisterOp("fail", opFail)
	return runner
}

// RegisterOp installs a named operation.
func (r *OpRunner) RegisterOp(name string, fn OpFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[name] = fn
}

func (r *OpRunner) Run(ctx context.Context, rc *RunContext) ([]byte, error) {
	var spec RunSpec
	if err := json.Unmarshal(rc.RunSpec, &spec); err != nil {
		return nil, utils.NewDetailedError(utils.ErrParse, fmt.Sprintf("bad run spec for %s: %v", rc.Key, err))
	}

	r.mu.RLock()
	fn, ok := r.ops[spec.Op]
	r.mu.RUnlock()

	if !ok {
		return nil, utils.NewDetailedError(utils.ErrParse, fmt.Sprintf("unknown operation: %s", spec.Op))
	}

	return fn(ctx, rc, spec.Args)
}

// Returns its argument verbatim.
func opConst(ctx context.Context, rc *RunContext, args json.RawMessage) ([]byte, error) {
	var value string
	if err := json.Unmarshal(args, &value); err != nil {
		return nil, err
	}
	return []byte(value), nil
}

// Concatenates all input values in key order.
func opConcat(ctx context.Context, rc *RunContext, args json.RawMessage) ([]byte, error) {
	keys := make([]string, 0, len(rc.Inputs))
	for key := range rc.Inputs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out []byte
	for _, key := range keys {
		out = append(out, rc.Inputs[key]...)
	}
	return out, nil
}

// Sums all input values, which must be JSON numbers.
func opSum(ctx context.Context, rc *RunContext, args json.RawMessage) ([]byte, error) {
	var total float64
	for key, value := range rc.Inputs {
		var n float64
		if err := json.Unmarshal(value, &n); err != nil {
			return nil, fmt.Errorf("input %s is not a number: %w", key, err)
		}
		total += n
	}
	return json.Marshal(total)
}

// Sleeps for the given number of milliseconds, seceding from the
// executor pool first so the wait does not occupy a slot.
func opSleep(ctx context.Context, rc *RunContext, args json.RawMessage) ([]byte, error) {
	var millis int64
	if err := json.Unmarshal(args, &millis); err != nil {
		return nil, err
	}

	if rc.Secede != nil {
		rc.Secede()
	}

	select {
	case <-time.After(time.Duration(millis) * time.Millisecond):
		return []byte("done"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Fails with the given message.
func opFail(ctx context.Context, rc *RunContext, args json.RawMessage) ([]byte, error) {
	var message string
	if err := json.Unmarshal(args, &message); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%s", message)
}
