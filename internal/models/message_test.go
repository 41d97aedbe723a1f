package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScheduledMessage_Recipients(t *testing.T) {
	tests := []struct {
		name      string
		recipient string
		want      []Recipient
	}{
		{name: "single", recipient: "111", want: []Recipient{{Phone: "111"}}},
		{name: "multiple", recipient: "111,222", want: []Recipient{{Phone: "111"}, {Phone: "222"}}},
		{name: "whitespace and blanks", recipient: " 111 ,, 222 ,", want: []Recipient{{Phone: "111"}, {Phone: "222"}}},
		{name: "empty", recipient: "", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &ScheduledMessage{Message: "hi", Recipient: tt.recipient}
			require.Equal(t, tt.want, m.Recipients())
			require.Equal(t, Batch{Message: "hi", Numbers: tt.want}, m.Batch())
		})
	}
}

func TestRecipient_UnmarshalJSON(t *testing.T) {
	var batch Batch
	err := json.Unmarshal([]byte(`{
		"message": "Hello {{name}}",
		"numbers": ["111", {"phone": "222", "name": "Ann", "age": 30}, 333]
	}`), &batch)
	require.NoError(t, err)

	require.Equal(t, "Hello {{name}}", batch.Message)
	require.Len(t, batch.Numbers, 3)

	require.Equal(t, Recipient{Phone: "111"}, batch.Numbers[0])
	require.False(t, batch.Numbers[0].IsContact())

	require.True(t, batch.Numbers[1].IsContact())
	require.Equal(t, "222", batch.Numbers[1].Phone)
	require.Equal(t, map[string]string{"phone": "222", "name": "Ann", "age": "30"}, batch.Numbers[1].Contact)

	require.Equal(t, "333", batch.Numbers[2].Phone)
}

func TestRecipient_UnmarshalJSONNumericFields(t *testing.T) {
	tests := []struct {
		name        string
		in          string
		wantPhone   string
		wantContact map[string]string
	}{
		{
			name:        "numeric contact phone",
			in:          `{"phone": 919876543210, "name": "Ann"}`,
			wantPhone:   "919876543210",
			wantContact: map[string]string{"phone": "919876543210", "name": "Ann"},
		},
		{
			name:      "numeric bare phone",
			in:        `919876543210`,
			wantPhone: "919876543210",
		},
		{
			name:        "numeric and mixed fields",
			in:          `{"phone": "111", "balance": 1250000.50, "vip": true, "tags": ["a", 2]}`,
			wantPhone:   "111",
			wantContact: map[string]string{"phone": "111", "balance": "1250000.50", "vip": "true", "tags": `["a",2]`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Recipient
			require.NoError(t, json.Unmarshal([]byte(tt.in), &r))
			require.Equal(t, tt.wantPhone, r.Phone)
			require.Equal(t, tt.wantContact, r.Contact)
		})
	}
}

func TestRecipient_UnmarshalJSONRejects(t *testing.T) {
	for _, in := range []string{`true`, `[1]`} {
		var r Recipient
		require.Error(t, json.Unmarshal([]byte(in), &r), in)
	}
}

func TestRecipient_MarshalJSON(t *testing.T) {
	out, err := json.Marshal([]Recipient{
		{Phone: "111"},
		{Phone: "222", Contact: map[string]string{"name": "Ann"}},
	})
	require.NoError(t, err)
	require.JSONEq(t, `["111", {"phone": "222", "name": "Ann"}]`, string(out))
}
