package kafka

// TopicDeadLetterQueue: топик для сообщений, которые не удалось обработать.
const TopicDeadLetterQueue = "ordersaga.dlq"

// Kafka headers для retry/DLQ логики.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// DeadLetter: тело сообщения, отправляемого в DLQ.
type DeadLetter struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	Attempts          int    `json:"attempts"`
}
