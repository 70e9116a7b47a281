package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/srand/grid/pkg/utils"
	"github.com/stretchr/testify/assert"
)

func runOp(t *testing.T, spec string, inputs map[string][]byte) ([]byte, error) {
	runner := NewOpRunner()
	return runner.Run(context.Background(), &RunContext{
		Key:     "f1",
		RunSpec: []byte(spec),
		Inputs:  inputs,
	})
}

func TestOpConst(t *testing.T) {
	value, err := runOp(t, `{"op":"const","args":"hello"}`, nil)
	assert.NoError(t, err)
	assert.Equal(t, []byte("hello"), value)
}

func TestOpConcat(t *testing.T) {
	value, err := runOp(t, `{"op":"concat"}`, map[string][]byte{
		"b": []byte("world"),
		"a": []byte("hello "),
	})
	assert.NoError(t, err)
	assert.Equal(t, []byte("hello world"), value)
}

func TestOpSum(t *testing.T) {
	value, err := runOp(t, `{"op":"sum"}`, map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2.5"),
	})
	assert.NoError(t, err)

	var total float64
	assert.NoError(t, json.Unmarshal(value, &total))
	assert.Equal(t, 3.5, total)
}

func TestOpFail(t *testing.T) {
	_, err := runOp(t, `{"op":"fail","args":"boom"}`, nil)
	assert.ErrorContains(t, err, "boom")
}

func TestBadRunSpec(t *testing.T) {
	_, err := runOp(t, `not json`, nil)
	assert.ErrorIs(t, err, utils.ErrParse)

	_, err = runOp(t, `{"op":"transmogrify"}`, nil)
	assert.ErrorIs(t, err, utils.ErrParse)
	assert.ErrorContains(t, err, "transmogrify")
}

func TestCustomOp(t *testing.T) {
	runner := NewOpRunner()
	runner.RegisterOp("reverse", func(ctx context.Context, rc *RunContext, args json.RawMessage) ([]byte, error) {
		value := rc.Inputs["a"]
		out := make([]byte, len(value))
		for i, b := range value {
			out[len(value)-1-i] = b
		}
		return out, nil
	})

	value, err := runner.Run(context.Background(), &RunContext{
		RunSpec: []byte(`{"op":"reverse"}`),
		Inputs:  map[string][]byte{"a": []byte("abc")},
	})
	assert.NoError(t, err)
	assert.Equal(t, []byte("cba"), value)
}
