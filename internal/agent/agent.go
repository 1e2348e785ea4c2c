// Package agent implements the per-object negotiation agents. An agent is a
// plain value carrying its node id and a small capability record; per-class
// variation lives in a profile table, not in a type hierarchy.
package agent

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/spacegraph/api/schemas"
	"github.com/xkilldash9x/spacegraph/internal/topology"
)

// Store is the read surface an agent holds on the scene graph.
type Store interface {
	GetNode(id string) (schemas.Node, error)
	Neighbors(id string, r float64) ([]schemas.Node, error)
	RelationsOf(id string) []schemas.Relation
}

// Mailbox is the agent's capability on the message bus.
type Mailbox interface {
	Send(msg schemas.Message)
	Drain(receiver string) []schemas.Message
}

// Profile carries the per-class perception overrides.
type Profile struct {
	PerceptionRadius float64
}

// Tuning bundles the negotiation thresholds and the class profile table.
type Tuning struct {
	Topo             topology.Params
	PerceptionRadius float64
	TauPropose       float64
	TauAccept        float64
	TauSupersede     float64
	Profiles         map[string]Profile
}

// DefaultTuning returns the standard thresholds.
func DefaultTuning() Tuning {
	return Tuning{
		Topo:             topology.DefaultParams(),
		PerceptionRadius: 1.5,
		TauPropose:       0.5,
		TauAccept:        0.6,
		TauSupersede:     0.55,
	}
}

// radius resolves the perception radius for a class.
func (t Tuning) radius(class string) float64 {
	if p, ok := t.Profiles[class]; ok && p.PerceptionRadius > 0 {
		return p.PerceptionRadius
	}
	return t.PerceptionRadius
}

// Agent negotiates spatial relations on behalf of one scene node. It never
// mutates the store directly; Phase B returns a patch for the orchestrator to
// commit.
type Agent struct {
	ID     string
	Class  string
	store  Store
	bus    Mailbox
	tuning Tuning
	log    *zap.Logger
}

// New creates an agent bound to a node id.
func New(id, class string, store Store, bus Mailbox, tuning Tuning, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		ID:     id,
		Class:  class,
		store:  store,
		bus:    bus,
		tuning: tuning,
		log:    logger.Named("agent").With(zap.String("id", id)),
	}
}

// Origin returns the LWW origin tag for patches and stamps this agent emits.
func (a *Agent) Origin() string { return "agent:" + a.ID }

// Perceive is Phase A of a tick: read-only perception of the neighborhood,
// proposing the top candidate relation for each neighbor over the bus.
// Safe to run concurrently with other agents' Perceive calls.
func (a *Agent) Perceive(ts uint64) {
	me, err := a.store.GetNode(a.ID)
	if err != nil {
		// The node can vanish mid-tick when a removal committed after the
		// agent set was pinned.
		return
	}
	neighbors, err := a.store.Neighbors(a.ID, a.tuning.radius(a.Class))
	if err != nil {
		return
	}
	held := make(map[schemas.RelationKey]struct{})
	for _, rel := range a.store.RelationsOf(a.ID) {
		held[rel.Key()] = struct{}{}
	}
	stamp := schemas.Stamp{TS: ts, Origin: a.Origin()}
	for i := range neighbors {
		nb := &neighbors[i]
		pick := choose(topology.Ranked(&me, nb, a.tuning.Topo), held, a.tuning)
		if pick == nil {
			continue
		}
		a.bus.Send(schemas.Message{
			Type:     schemas.MsgRelationPropose,
			Sender:   a.ID,
			Receiver: nb.ID,
			TS:       ts,
			Proposal: &schemas.RelationProposal{
				Relation: pick.Relation(stamp),
				Basis:    pick.Basis,
			},
		})
	}
}

// choose picks the proposal for one neighbor: the pair's highest-priority
// positive candidate, gated on the propose floor. Lower-priority candidates
// never go out, even when the top one is too weak for the receiver's accept
// bar; the reject ack records why the pair stays open. Once the pair's claim
// is committed nothing further goes out.
func choose(ranked []topology.Candidate, held map[schemas.RelationKey]struct{}, t Tuning) *topology.Candidate {
	if len(ranked) == 0 {
		return nil
	}
	c := &ranked[0]
	if c.Conf < t.TauPropose {
		return nil
	}
	if _, ok := held[schemas.RelationKey{Type: c.Type, A: c.A, B: c.B}]; ok {
		return nil
	}
	return c
}

// HandleInbox is Phase B of a tick: drain the mailbox, answer proposals,
// fold accepted relations into a patch, and retract relations the current
// geometry contradicts.
func (a *Agent) HandleInbox(ts uint64) *schemas.Patch {
	patch := schemas.NewPatch(schemas.Stamp{TS: ts, Origin: a.Origin()})

	for _, msg := range a.bus.Drain(a.ID) {
		switch msg.Type {
		case schemas.MsgRelationPropose:
			if msg.Proposal == nil {
				continue
			}
			rel := msg.Proposal.Relation
			decision := schemas.AckReject
			reason := "confidence below accept threshold"
			if rel.Confidence >= a.tuning.TauAccept {
				decision = schemas.AckAccept
				reason = ""
			}
			a.bus.Send(schemas.Message{
				Type:     schemas.MsgRelationAck,
				Sender:   a.ID,
				Receiver: msg.Sender,
				TS:       ts,
				Ack:      &schemas.RelationAck{Relation: rel, Decision: decision, Reason: reason},
			})
			if decision == schemas.AckAccept {
				patch.AddRelation(rel)
				if inv, ok := invertRelation(rel); ok {
					patch.AddRelation(inv)
				}
			}
		case schemas.MsgRelationAck:
			if msg.Ack == nil || msg.Ack.Decision != schemas.AckAccept {
				continue
			}
			patch.AddRelation(msg.Ack.Relation)
			if inv, ok := invertRelation(msg.Ack.Relation); ok {
				patch.AddRelation(inv)
			}
		case schemas.MsgStateUpdate:
			// Announcement only. Agents that do not understand a state
			// update ignore it.
			a.log.Debug("state update ignored", zap.String("sender", msg.Sender))
		}
	}

	a.retractContradicted(patch)
	return patch
}

// retractContradicted walks the relations anchored on this agent's node and
// removes those whose pair now evaluates to a different top relation with
// confidence at or above the supersede threshold.
func (a *Agent) retractContradicted(patch *schemas.Patch) {
	me, err := a.store.GetNode(a.ID)
	if err != nil {
		return
	}
	for _, rel := range a.store.RelationsOf(a.ID) {
		if !supersedable(rel.Type) {
			continue
		}
		otherID := rel.B
		if otherID == a.ID {
			otherID = rel.A
		}
		other, err := a.store.GetNode(otherID)
		if err != nil {
			continue
		}
		nA, nB := &me, &other
		if rel.A != a.ID {
			nA, nB = &other, &me
		}

		// supports(a,b) holds exactly when on_top_of(b,a) does; evaluate the
		// pair from the resting object's side and map back.
		expected := rel.Type
		var challenger topology.Candidate
		if rel.Type == schemas.RelSupports {
			challenger = topology.Best(nB, nA, a.tuning.Topo)
			if challenger.Type == schemas.RelOnTopOf {
				challenger.Type = schemas.RelSupports
			}
		} else {
			challenger = topology.Best(nA, nB, a.tuning.Topo)
		}
		if challenger.Type == expected {
			continue
		}
		if challenger.Conf < a.tuning.TauSupersede {
			continue
		}
		a.log.Debug("relation contradicted",
			zap.String("r", string(rel.Type)),
			zap.String("b", otherID),
			zap.String("now", string(challenger.Type)))
		patch.RemoveRelation(rel.Key())
	}
}

// supersedable reports whether perception may retract a stored relation type.
// Containment is a placement fact and custom types belong to whoever added
// them.
func supersedable(t schemas.RelationType) bool {
	switch t {
	case schemas.RelNear, schemas.RelFar, schemas.RelOnTopOf, schemas.RelSupports,
		schemas.RelBeside, schemas.RelAbove, schemas.RelBelow:
		return true
	}
	return false
}

// invertRelation mirrors a directed relation for commit alongside itself, so
// on_top_of and supports stay paired in the store.
func invertRelation(r schemas.Relation) (schemas.Relation, bool) {
	inv, ok := r.Type.Inverse()
	if !ok {
		return schemas.Relation{}, false
	}
	out := r.Clone()
	out.Type = inv
	out.A, out.B = r.B, r.A
	return out, true
}
