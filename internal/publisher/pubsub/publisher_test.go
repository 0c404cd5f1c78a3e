package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

type outcome struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

func (o outcome) Attributes() map[string]string {
	return map[string]string{"status": o.Status}
}

func TestPublishSendsJSON(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "event-outcomes")
	require.NoError(t, err)

	pub, err := Open(ctx, client, "event-outcomes")
	require.NoError(t, err)
	defer pub.Stop()

	id, err := pub.Publish(ctx, "ignored", outcome{RequestID: "req-1", Status: "completed"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got outcome
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "req-1", got.RequestID)
	require.Equal(t, "completed", msgs[0].Attributes["status"])
}

func TestOpenRequiresTopic(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	_, err := Open(context.Background(), client, "missing")
	require.ErrorContains(t, err, "does not exist")
	_, err = Open(context.Background(), client, "")
	require.Error(t, err)

	var unset *Publisher
	_, err = unset.Publish(context.Background(), "", outcome{})
	require.Error(t, err)
}
