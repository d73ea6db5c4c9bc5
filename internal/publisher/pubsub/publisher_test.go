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

func newTestPublisher(t *testing.T) (*Publisher, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	_, err = client.CreateTopic(ctx, "analysis-items")
	require.NoError(t, err)

	pub := New(client)
	t.Cleanup(func() { _ = pub.Close() })
	return pub, srv
}

func TestPublisherPublishesJSON(t *testing.T) {
	t.Parallel()
	pub, srv := newTestPublisher(t)

	id, err := pub.Publish(context.Background(), "analysis-items", map[string]string{"key": "eggs"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "eggs", got["key"])
}

func TestPublisherRejectsMissingTopic(t *testing.T) {
	t.Parallel()
	pub, _ := newTestPublisher(t)

	_, err := pub.Publish(context.Background(), "", "payload")
	require.Error(t, err)
}

func TestPublisherRequiresClient(t *testing.T) {
	t.Parallel()
	_, err := (&Publisher{}).Publish(context.Background(), "topic", "payload")
	require.Error(t, err)
}

func TestCarrierRoundTrip(t *testing.T) {
	t.Parallel()
	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
