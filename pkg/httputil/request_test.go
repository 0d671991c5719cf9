package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpme/helpme/pkg/apperr"
)

func TestParsePathInt64(t *testing.T) {
	tests := []struct {
		name    string
		vars    map[string]string
		want    int64
		wantErr bool
	}{
		{"valid", map[string]string{"cid": "42"}, 42, false},
		{"missing", map[string]string{}, 0, true},
		{"non numeric", map[string]string{"cid": "abc"}, 0, true},
		{"negative", map[string]string{"cid": "-1"}, 0, true},
		{"overflow", map[string]string{"cid": "99999999999999999999"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := mux.SetURLVars(httptest.NewRequest("GET", "/", nil), tt.vars)
			got, err := ParsePathInt64(req, "cid")
			if tt.wantErr {
				assert.Equal(t, apperr.Validation, apperr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePathInt64OrError_DoesNotEchoValue(t *testing.T) {
	req := mux.SetURLVars(httptest.NewRequest("GET", "/", nil), map[string]string{"cid": "secret-9"})
	rr := httptest.NewRecorder()

	_, ok := ParsePathInt64OrError(rr, req, "cid")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.NotContains(t, rr.Body.String(), "secret-9")
}

func TestParseJSONOrError(t *testing.T) {
	var dest struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"x"}`))
	assert.True(t, ParseJSONOrError(httptest.NewRecorder(), req, &dest))
	assert.Equal(t, "x", dest.Name)

	rr := httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/", strings.NewReader(`{bad`))
	assert.False(t, ParseJSONOrError(rr, req, &dest))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestParseQueryInt(t *testing.T) {
	req := httptest.NewRequest("GET", "/?limit=5", nil)
	v, err := ParseQueryInt(req, "limit", 10)
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	v, err = ParseQueryInt(httptest.NewRequest("GET", "/", nil), "limit", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	_, err = ParseQueryInt(httptest.NewRequest("GET", "/?limit=x", nil), "limit", 10)
	assert.Error(t, err)
}
