package aws

import "fmt"

// WorkerUserData returns the boot script for a transcription worker. The
// script hands the job coordinates to the pre-baked transcription service
// via environment and shuts the instance down when the unit exits, so a
// finished worker never lingers.
func WorkerUserData(bucket, inputKey, filename string) string {
	return fmt.Sprintf(`#!/bin/bash
set -e

mkdir -p /etc/transcribe
cat > /etc/transcribe/job.env <<ENV
S3_BUCKET=%s
S3_KEY=%s
FILENAME=%s
ENV

systemctl start transcribe-worker.service || shutdown -h now

echo "Worker initialization complete" >> /var/log/user-data.log
`, bucket, inputKey, filename)
}
