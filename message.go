package sqsjobs

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// every attribute is sent with this SQS data type
const attributeDataType = "String"

const previewLength = 64

// Message is a single queue message, either one we are about to send or one we
// received from the backend.
type Message struct {
	// only valid within one outgoing batch, used to match partial batch failures
	ID string
	// backend assigned identity of a delivered message
	MessageID string
	// unique per delivery, empty until the message has been received
	ReceiptHandle string
	Body          string
	Delay         time.Duration
	Attributes    map[string]string
}

// NewMessage returns an outgoing message with a fresh batch entry ID.
func NewMessage(body string, delay time.Duration) Message {
	return Message{
		ID:    uuid.NewString(),
		Body:  body,
		Delay: delay,
	}
}

func (m Message) Received() bool {
	return m.ReceiptHandle != ""
}

func (m Message) HasBody() bool {
	return m.Body != ""
}

// Size is what the message counts toward the batch byte limit of SQS. Attribute
// names, data types and values count as well as the body.
func (m Message) Size() int {
	n := len(m.Body)
	for k, v := range m.Attributes {
		n += len(k) + len(attributeDataType) + len(v)
	}
	return n
}

// short form of the body for log lines
func (m Message) String() string {
	if len(m.Body) <= previewLength {
		return m.Body
	}
	cut := previewLength
	for cut > 0 && !utf8.RuneStart(m.Body[cut]) {
		cut--
	}
	return m.Body[:cut] + "..."
}
