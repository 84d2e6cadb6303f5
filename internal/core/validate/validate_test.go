package validate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateHumanize(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
		fields  []string
	}{
		{
			name:    "all fields present",
			payload: `{"data":["hello",null],"fn_index":0,"trigger_id":7,"session_hash":"abc"}`,
		},
		{
			name:    "wrong types still pass presence check",
			payload: `{"data":"x","fn_index":"zero","trigger_id":null,"session_hash":42}`,
		},
		{
			name:    "missing session_hash",
			payload: `{"data":[],"fn_index":0,"trigger_id":7}`,
			wantErr: ErrInvalidShape,
			fields:  []string{"session_hash"},
		},
		{
			name:    "missing several",
			payload: `{"data":[]}`,
			wantErr: ErrInvalidShape,
			fields:  []string{"fn_index", "session_hash", "trigger_id"},
		},
		{
			name:    "array instead of object",
			payload: `[1,2,3]`,
			wantErr: ErrInvalidShape,
		},
		{
			name:    "not json",
			payload: `{"data":`,
			wantErr: ErrInvalidJSON,
		},
		{
			name:    "empty body",
			payload: ``,
			wantErr: ErrInvalidJSON,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate([]byte(tt.payload), HumanizeSchema)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)

			if tt.fields != nil {
				var shapeErr *ShapeError
				require.ErrorAs(t, err, &shapeErr)
				assert.Equal(t, tt.fields, shapeErr.Fields)
			}
		})
	}
}

func TestValidateZeroGPT(t *testing.T) {
	require.NoError(t, Validate([]byte(`{"input_text":"some text"}`), ZeroGPTSchema))

	err := Validate([]byte(`{"input_text":12}`), ZeroGPTSchema)
	require.ErrorIs(t, err, ErrInvalidShape)
	var shapeErr *ShapeError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, []string{"input_text"}, shapeErr.Fields)

	require.ErrorIs(t, Validate([]byte(`{}`), ZeroGPTSchema), ErrInvalidShape)
	require.ErrorIs(t, Validate([]byte(`nope`), ZeroGPTSchema), ErrInvalidJSON)
}

func TestParseHumanizeKeepsBodyVerbatim(t *testing.T) {
	payload := []byte(`{"session_hash":"s1","data":[{"k":1}],"fn_index":3,"trigger_id":9,"extra":true}`)

	req, err := ParseHumanize(payload)
	require.NoError(t, err)
	assert.Equal(t, "s1", req.SessionHash)
	assert.JSONEq(t, string(payload), string(req.Body))

	payload[2] = 'X'
	assert.Contains(t, string(req.Body), `"session_hash"`, "body must not alias the input buffer")
}

func TestParseHumanizeNonStringSessionHash(t *testing.T) {
	req, err := ParseHumanize([]byte(`{"data":[],"fn_index":0,"trigger_id":0,"session_hash":123}`))
	require.NoError(t, err)
	assert.Equal(t, "123", req.SessionHash)
}

func TestParseZeroGPT(t *testing.T) {
	req, err := ParseZeroGPT([]byte(`{"input_text":"hello world"}`))
	require.NoError(t, err)
	assert.Equal(t, "hello world", req.InputText)

	_, err = ParseZeroGPT([]byte(`{"text":"hello"}`))
	require.ErrorIs(t, err, ErrInvalidShape)
}

func TestCompileRejectsBadSchema(t *testing.T) {
	_, err := Compile("broken", []byte(`{"type": 12}`))
	require.Error(t, err)
}

func TestShapeErrorMessage(t *testing.T) {
	err := &ShapeError{Schema: "humanize", Fields: []string{"data", "fn_index"}}
	assert.Equal(t, "humanize payload: invalid request shape: data, fn_index", err.Error())
}
