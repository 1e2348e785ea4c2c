package schemas

// -- Agent-to-Agent Protocol --
// Agents negotiate relations by exchanging proposals and acknowledgements over
// the bus. Messages live only for the tick in which they are drained.

// MessageType enumerates the A2A message kinds.
type MessageType string

const (
	// MsgRelationPropose carries a candidate relation from the perceiving
	// agent to the neighbor it concerns.
	MsgRelationPropose MessageType = "RELATION_PROPOSE"
	// MsgRelationAck carries the receiver's accept/reject decision back.
	MsgRelationAck MessageType = "RELATION_ACK"
	// MsgStateUpdate announces a dynamic-state change to interested peers.
	// Agents that do not understand it ignore it.
	MsgStateUpdate MessageType = "STATE_UPDATE"
)

// AckDecision is the receiver's verdict on a proposed relation.
type AckDecision string

const (
	AckAccept AckDecision = "accept"
	AckReject AckDecision = "reject"
)

// RelationProposal is the payload of a RELATION_PROPOSE message. Basis names
// the predicate that produced the candidate, for provenance.
type RelationProposal struct {
	Relation Relation `json:"relation"`
	Basis    string   `json:"basis"`
}

// RelationAck is the payload of a RELATION_ACK message.
type RelationAck struct {
	Relation Relation    `json:"relation"`
	Decision AckDecision `json:"decision"`
	Reason   string      `json:"reason,omitempty"`
}

// StateUpdate is the payload of a STATE_UPDATE message.
type StateUpdate struct {
	NodeID string         `json:"node_id"`
	Fields map[string]any `json:"fields"`
}

// Message is the envelope for data exchanged between agents over the bus.
// Exactly one payload field is non-nil, matching Type.
type Message struct {
	ID       string            `json:"id"`
	Type     MessageType       `json:"type"`
	Sender   string            `json:"sender"`
	Receiver string            `json:"receiver"`
	TS       uint64            `json:"ts"`
	Proposal *RelationProposal `json:"proposal,omitempty"`
	Ack      *RelationAck      `json:"ack,omitempty"`
	State    *StateUpdate      `json:"state,omitempty"`
}
