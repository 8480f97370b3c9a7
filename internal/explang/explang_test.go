package explang

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEval(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		env     Env
		want    bool
		wantErr bool
	}{
		{name: "true literal", expr: "true", want: true},
		{name: "false literal", expr: "false", want: false},
		{name: "is_incremental true", expr: "is_incremental()", env: Env{IsIncremental: true}, want: true},
		{name: "is_incremental false", expr: "is_incremental()", env: Env{IsIncremental: false}, want: false},
		{name: "whitespace tolerant", expr: "  is_incremental(  )  ", env: Env{IsIncremental: true}, want: true},
		{name: "unknown identifier", expr: "is_full_refresh()", wantErr: true},
		{name: "trailing garbage", expr: "true and false", wantErr: true},
		{name: "empty", expr: "", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Eval(tc.expr, tc.env, 1, 1)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}

			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
