package spool

import "time"

// Priority bands. 0 and 1 bypass the capacity check (§4.D); everything
// else is ordinary application traffic subject to the cap.
const (
	PriorityLifecycle  = 0
	PriorityManagement = 1
)

// priorityBand labels a priority value for the Stored metric, collapsing
// the open-ended application priority range into one "normal" bucket so
// the counter's cardinality stays bounded.
func priorityBand(priority int) string {
	switch priority {
	case PriorityLifecycle:
		return "lifecycle"
	case PriorityManagement:
		return "management"
	default:
		return "normal"
	}
}

// Message is an immutable snapshot of a spooled row. Listing operations
// that strip the payload leave Payload nil; Get and GetNext always
// populate it.
type Message struct {
	ID                 int32
	Topic              string
	QoS                int
	Retain             bool
	Priority           int
	Payload            []byte
	CreatedOn          time.Time
	PublishedOn        time.Time
	PublishedMessageID int32
	SessionID          string
	ConfirmedOn        time.Time
	DroppedOn          time.Time
}

// State is the derived lifecycle state described in spec §3.
type State string

const (
	StateUnpublished            State = "unpublished"
	StateInFlight               State = "in_flight"
	StatePublishedFireAndForget State = "published_fire_and_forget"
	StateConfirmed              State = "confirmed"
	StateDropped                State = "dropped"
)

// DerivedState computes the lifecycle state from a Message's timestamps,
// per the state diagram in spec §3. It never mutates m.
func (m Message) DerivedState() State {
	if m.PublishedOn.IsZero() {
		return StateUnpublished
	}
	if m.QoS == 0 {
		return StatePublishedFireAndForget
	}
	if !m.DroppedOn.IsZero() {
		return StateDropped
	}
	if !m.ConfirmedOn.IsZero() {
		return StateConfirmed
	}
	return StateInFlight
}

// messageBuilder mirrors the Kura DataMessage.Builder: seeded with the
// store-assigned id, fields added one at a time; setting a field again
// overwrites the earlier value.
type messageBuilder struct {
	msg Message
}

func newMessageBuilder(id int32) *messageBuilder {
	return &messageBuilder{msg: Message{ID: id, PublishedMessageID: -1}}
}

func (b *messageBuilder) withTopic(topic string) *messageBuilder {
	b.msg.Topic = topic
	return b
}

func (b *messageBuilder) withQoS(qos int) *messageBuilder {
	b.msg.QoS = qos
	return b
}

func (b *messageBuilder) withRetain(retain bool) *messageBuilder {
	b.msg.Retain = retain
	return b
}

func (b *messageBuilder) withPriority(priority int) *messageBuilder {
	b.msg.Priority = priority
	return b
}

func (b *messageBuilder) withPayload(payload []byte) *messageBuilder {
	b.msg.Payload = payload
	return b
}

func (b *messageBuilder) withCreatedOn(t time.Time) *messageBuilder {
	b.msg.CreatedOn = t
	return b
}

func (b *messageBuilder) withPublishedOn(t time.Time) *messageBuilder {
	b.msg.PublishedOn = t
	return b
}

func (b *messageBuilder) withPublishedMessageID(id int32) *messageBuilder {
	b.msg.PublishedMessageID = id
	return b
}

func (b *messageBuilder) withSessionID(id string) *messageBuilder {
	b.msg.SessionID = id
	return b
}

func (b *messageBuilder) withConfirmedOn(t time.Time) *messageBuilder {
	b.msg.ConfirmedOn = t
	return b
}

func (b *messageBuilder) withDroppedOn(t time.Time) *messageBuilder {
	b.msg.DroppedOn = t
	return b
}

func (b *messageBuilder) build() Message {
	return b.msg
}
