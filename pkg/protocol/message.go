// Package protocol defines the mesh wire message model. The concrete byte
// form is produced by a codec (see protocol/codec); field names below are
// part of the textual wire format and must stay stable.
package protocol

import (
	"errors"
	"fmt"
)

// MaxSubtreeDepth bounds recursion when walking received subtrees. Mesh
// depth is operationally small; anything deeper is treated as malformed.
const MaxSubtreeDepth = 16

// SubtreeNode is one node of a reachable-topology tree.
type SubtreeNode struct {
	ChipID uint32        `json:"chipId"`
	Subs   []SubtreeNode `json:"subs,omitempty"`
}

// Message is the single envelope for every exchange. Dest is meaningful for
// Single only; Msg for Single/Broadcast; Subs for the node-sync pair;
// Time and Count for TimeSync.
type Message struct {
	Type  uint8         `json:"type"`
	From  uint32        `json:"from"`
	Dest  uint32        `json:"dest,omitempty"`
	Msg   string        `json:"msg,omitempty"`
	Subs  []SubtreeNode `json:"subs,omitempty"`
	Time  uint32        `json:"time,omitempty"`
	Count uint16        `json:"count,omitempty"`
}

var (
	ErrZeroChipID  = errors.New("protocol: zero chip id in subtree")
	ErrTooDeep     = fmt.Errorf("protocol: subtree deeper than %d", MaxSubtreeDepth)
	ErrSelfRef     = errors.New("protocol: subtree references the connection peer")
	ErrUnknownType = errors.New("protocol: unknown message type")
	ErrMissingFrom = errors.New("protocol: missing sender id")
)

func NodeSyncRequest(from uint32, subs []SubtreeNode) Message {
	return Message{Type: TypeNodeSyncRequest, From: from, Subs: subs}
}

func NodeSyncReply(from uint32, subs []SubtreeNode) Message {
	return Message{Type: TypeNodeSyncReply, From: from, Subs: subs}
}

func TimeSync(from uint32, nodeTime uint32, count uint16) Message {
	return Message{Type: TypeTimeSync, From: from, Time: nodeTime, Count: count}
}

func Single(from, dest uint32, msg string) Message {
	return Message{Type: TypeSingle, From: from, Dest: dest, Msg: msg}
}

func Broadcast(from uint32, msg string) Message {
	return Message{Type: TypeBroadcast, From: from, Msg: msg}
}

// Validate checks the envelope against the invariants the mesh relies on.
// peer is the chip id of the connection the message arrived on (0 when not
// yet known); a subtree must never reflect that peer back to itself.
func (m *Message) Validate(peer uint32) error {
	switch m.Type {
	case TypeNodeSyncRequest, TypeNodeSyncReply, TypeTimeSync, TypeSingle, TypeBroadcast:
	default:
		return ErrUnknownType
	}
	if m.From == 0 {
		return ErrMissingFrom
	}
	return ValidateSubtree(m.Subs, peer)
}

// ValidateSubtree enforces nonzero chip ids, the depth cap, and the absence
// of self-references to the given peer id.
func ValidateSubtree(subs []SubtreeNode, peer uint32) error {
	return walkSubtree(subs, peer, 0)
}

func walkSubtree(subs []SubtreeNode, peer uint32, depth int) error {
	if depth >= MaxSubtreeDepth {
		return ErrTooDeep
	}
	for i := range subs {
		n := &subs[i]
		if n.ChipID == 0 {
			return ErrZeroChipID
		}
		if peer != 0 && n.ChipID == peer {
			return ErrSelfRef
		}
		if err := walkSubtree(n.Subs, peer, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// CountSubtree returns the number of nodes in a subtree, each node counted
// as itself plus its children, recursively.
func CountSubtree(subs []SubtreeNode) uint16 {
	var count uint16
	for i := range subs {
		count += 1 + CountSubtree(subs[i].Subs)
	}
	return count
}

// ContainsChip reports whether id occurs anywhere in the subtree.
func ContainsChip(subs []SubtreeNode, id uint32) bool {
	for i := range subs {
		if subs[i].ChipID == id || ContainsChip(subs[i].Subs, id) {
			return true
		}
	}
	return false
}
