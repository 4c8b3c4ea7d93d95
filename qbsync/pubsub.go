package qbsync

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/qbsync_backend/config"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
)

// PublishProcessRequest asks a worker instance to drain pending entity jobs.
// The payload carries the triggering job for traceability; processing itself
// picks up whatever is pending.
func PublishProcessRequest(ctx context.Context, jobId uint, realmId string) error {
	topicName := strings.TrimSpace(os.Getenv("QBSYNC_PROCESS_TOPIC"))
	if topicName == "" {
		topicName = "qbsync-process"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if envBoolDefault("QBSYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	payload := ProcessPubSubPayload{
		JobId:   jobId,
		RealmId: realmId,
	}
	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler is the push-subscription entry point. Pub/Sub retries on
// non-2xx, so malformed messages are acknowledged with 204 to keep them from
// redelivering forever.
func PubSubPushHandler(s *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_QBSYNC_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload ProcessPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}

		s.ProcessPending(c.Request.Context(), config.GetDB())
		c.Status(204)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
