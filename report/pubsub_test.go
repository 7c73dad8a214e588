package report

import (
	"context"
	"encoding/json"
	"testing"

	"forksentry/model"

	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPubSubSinkPublishesFullReport(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sink, err := NewPubSubSink(ctx, "test-project", "fork-alerts", option.WithGRPCConn(conn))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer sink.Close()
	if _, err := sink.client.CreateTopic(ctx, "fork-alerts"); err != nil {
		t.Fatalf("create topic: %v", err)
	}

	if err := sink.Publish(ctx, Aggregate(sampleInput())); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs := srv.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	if msgs[0].Attributes["forkFullName"] != "reqests/requests" {
		t.Fatalf("unexpected attributes: %v", msgs[0].Attributes)
	}
	var got model.AnalysisReport
	if err := json.Unmarshal(msgs[0].Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// The alerting collaborator authenticates with the job credential.
	if got.CredentialToken != "secret" || len(got.SuspiciousCommitted) != 2 {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestPubSubSinkMissingTopic(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sink, err := NewPubSubSink(ctx, "test-project", "absent", option.WithGRPCConn(conn))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer sink.Close()
	if err := sink.Publish(ctx, Aggregate(sampleInput())); err == nil {
		t.Fatal("expected publish to a missing topic to fail")
	}
}
