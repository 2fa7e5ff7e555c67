package config

const (
	// TopicFileUpload is the NSQ topic carrying PDF ingestion jobs from the
	// upload handler to the ingestion workers.
	TopicFileUpload = "file-upload-queue"

	// ChannelIngestion is the NSQ channel the ingestion workers share, so each
	// job is delivered to one worker.
	ChannelIngestion = "ingestion-worker"
)
