package internal

const (
	DotEnvPath       = "./.env"
	WebhookKeyHeader = "X-MergeTrain-Webhook-Key"
	StagingRefPrefix = "refs/merge-trains/"

	DefaultMergeRequestRef = "refs/merge-requests/%d/head"
)

const DBTimestampLayout = "2006-01-02 15:04:05.999999999-07:00"
