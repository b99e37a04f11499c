// Package pubsub_test contains unit tests for the Pub/Sub publisher.
package pubsub_test

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	publisher "github.com/hajimari-inc/compass-crawl-api/internal/publisher/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
)

func TestPublisherPublishAndClose(t *testing.T) {
	ctx := context.Background()

	// Create a fake Pub/Sub server.
	srv := pstest.NewServer()
	defer srv.Close()

	// Connect to the fake server.
	conn, err := grpc.Dial(srv.Addr, grpc.WithInsecure())
	require.NoError(t, err)
	defer conn.Close()

	// Create the topic and a subscription on the fake server.
	admin, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	topic, err := admin.CreateTopic(ctx, "crawl-events")
	require.NoError(t, err)
	sub, err := admin.CreateSubscription(ctx, "crawl-events-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	pub, err := publisher.New(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)

	require.NoError(t, pub.Verify(ctx, "crawl-events"))

	// Publish a payload.
	payload := map[string]string{"event": "UNIT_CLAIMED", "platform": "linkedin"}
	id, err := pub.Publish(ctx, "crawl-events", payload)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// An unmarshalable payload never reaches the wire.
	_, err = pub.Publish(ctx, "crawl-events", make(chan int))
	require.Error(t, err)

	// Receive the message.
	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := make(chan *pubsub.Message, 1)
	go func() {
		_ = sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			c <- msg
			msg.Ack()
			cancel()
		})
	}()
	msg := <-c

	var got map[string]string
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, payload, got)

	// Close the publisher.
	assert.NoError(t, pub.Close())
}

func TestPublisherVerifyMissingTopic(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.Dial(srv.Addr, grpc.WithInsecure())
	require.NoError(t, err)
	defer conn.Close()

	pub, err := publisher.New(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer pub.Close()

	err = pub.Verify(ctx, "missing-topic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestNewRequiresProject(t *testing.T) {
	_, err := publisher.New(context.Background(), "")
	require.Error(t, err)
}
