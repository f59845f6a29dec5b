package worker

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"photo-pipeline/internal/archive"
	"photo-pipeline/internal/models"
	"photo-pipeline/internal/queue"
)

// PackageHandler adapts the archive packager to the queue handler
// contract.
func PackageHandler(pk *archive.Packager, log zerolog.Logger) Handler {
	return func(ctx context.Context, msg queue.Message) error {
		var job models.PackageJob
		if err := json.Unmarshal(msg.Payload, &job); err != nil {
			log.Error().Err(err).Str("msg_id", msg.ID).Msg("malformed package job payload")
			return nil
		}
		return pk.Build(ctx, job)
	}
}
