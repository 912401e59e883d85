package processor

import (
	"context"
	"encoding/json"

	"immunisation-batch-exchange/internal/filejob"
	"immunisation-batch-exchange/internal/queue"
)

// HandleJob decodes a file-job message and processes the file. A message
// that is not a file job is dropped.
func (p *Processor) HandleJob(ctx context.Context, msg queue.Message) error {
	var job filejob.FileJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		p.logger.Error("dropping undecodable file job", "error", err, "key", msg.Key)
		return nil
	}
	if job.FileID == "" || job.SourceKey == "" {
		p.logger.Error("dropping incomplete file job", "key", msg.Key)
		return nil
	}
	return p.ProcessFile(ctx, job)
}
