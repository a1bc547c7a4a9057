package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingClient struct {
	bodies [][]byte
}

func (c *recordingClient) PublishJSON(_ context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.bodies = append(c.bodies, b)
	return nil
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{name: "valid", body: `{"job_id":"01890a5d-ac96-774b-bcce-b302099a8057"}`, want: "01890a5d-ac96-774b-bcce-b302099a8057"},
		{name: "extra fields ignored", body: `{"job_id":"01890a5d-ac96-774b-bcce-b302099a8057","x":1}`, want: "01890a5d-ac96-774b-bcce-b302099a8057"},
		{name: "not json", body: `job`, wantErr: true},
		{name: "missing id", body: `{}`, wantErr: true},
		{name: "not a uuid", body: `{"job_id":"../etc"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.JobID)
		})
	}
}

func TestPublisher_PublishJob(t *testing.T) {
	client := &recordingClient{}
	require.NoError(t, NewPublisher(client).PublishJob(context.Background(), "01890a5d-ac96-774b-bcce-b302099a8057"))

	require.Len(t, client.bodies, 1)
	msg, err := Decode(client.bodies[0])
	require.NoError(t, err)
	assert.Equal(t, "01890a5d-ac96-774b-bcce-b302099a8057", msg.JobID)
}
