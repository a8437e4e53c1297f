package message

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		want    Message
		wantErr bool
	}{
		{
			name: "system",
			line: `{"role":"system","content":"be nice"}`,
			want: System("be nice"),
		},
		{
			name: "user with id and attachment",
			line: `{"role":"user","content":"hi","id":"42","attachments":[{"url":"https://x/y.png","content_type":"image/png"}]}`,
			want: Message{Role: RoleUser, Content: "hi", ID: "42", Attachments: []Attachment{{URL: "https://x/y.png", ContentType: "image/png"}}},
		},
		{
			name:    "unknown role",
			line:    `{"role":"tool","content":"x"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			line:    `{"role":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse([]byte(tt.line))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsSummary(t *testing.T) {
	t.Parallel()

	assert.True(t, Assistant(SummaryPrefix+" stuff happened").IsSummary())
	assert.False(t, User(SummaryPrefix+" stuff happened").IsSummary())
	assert.False(t, Assistant("hello").IsSummary())
}

func TestClone(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	m := Message{Role: RoleUser, Content: "a", Timestamp: &ts}
	m.Attach("https://x/a.png", "image/png")

	c := m.Clone()
	c.Attachments[0].URL = "changed"
	*c.Timestamp = ts.Add(time.Hour)

	assert.Equal(t, "https://x/a.png", m.Attachments[0].URL)
	assert.Equal(t, ts, *m.Timestamp)
}

func TestAttachmentRead(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	a := Attachment{URL: srv.URL + "/images/cat.png", ContentType: "image/png"}
	data, err := a.Read(context.Background(), srv.Client())
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
	assert.Equal(t, "cat.png", a.Filename())
	assert.True(t, a.IsImage())

	_, err = Attachment{URL: srv.URL + "/missing.png"}.Read(context.Background(), srv.Client())
	require.Error(t, err)
}
