package references

import (
	"encoding/json"
	"testing"

	"github.com/chirino/workspace-service/internal/model"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	cases := []struct {
		name    string
		typ     model.DocumentType
		content string
		want    []int64
	}{
		{"dashboard keeps question order and dedupes", model.TypeDashboard,
			`{"assets":[{"type":"question","id":5},{"type":"text"},{"type":"question","id":3},{"type":"question","id":5}]}`,
			[]int64{5, 3}},
		{"notebook ignores non-question assets", model.TypeNotebook,
			`{"assets":[{"type":"markdown","id":9},{"type":"question","id":-4}]}`,
			[]int64{-4}},
		{"report", model.TypeReport,
			`{"references":[{"reference":{"id":11,"type":"question"}},{"reference":{"id":12}}]}`,
			[]int64{11, 12}},
		{"question composing other questions", model.TypeQuestion,
			`{"query":"select * from {{#2}}","references":[{"id":2,"alias":"base"}]}`,
			[]int64{2}},
		{"question without references", model.TypeQuestion, `{"query":"select 1"}`, []int64{}},
		{"connection", model.TypeConnection, `{"type":"postgresql"}`, []int64{}},
		{"folder", model.TypeFolder, `{}`, []int64{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Extract(tc.typ, json.RawMessage(tc.content))
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestExtractRejectsMalformedContent(t *testing.T) {
	_, err := Extract(model.TypeDashboard, json.RawMessage(`{"assets":"nope"}`))
	require.Error(t, err)
	_, err = Extract(model.DocumentType("spreadsheet"), json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestEqual(t *testing.T) {
	require.True(t, Equal(nil, []int64{}))
	require.True(t, Equal([]int64{1, 2}, []int64{1, 2}))
	require.False(t, Equal([]int64{1, 2}, []int64{2, 1}))
	require.False(t, Equal([]int64{1}, nil))
}
