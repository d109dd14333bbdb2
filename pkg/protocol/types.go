package protocol

// Message types exchanged between directly linked nodes. The numeric values
// are part of the wire format and must stay stable.
const (
	TypeUnknown         uint8 = iota
	TypeNodeSyncRequest       // topology request, carries sender subtree
	TypeNodeSyncReply         // topology reply, carries sender subtree
	TypeTimeSync              // logical clock exchange
	TypeSingle                // unicast addressed to one chip id
	TypeBroadcast             // flood to every node in the tree
)

func TypeString(t uint8) string {
	switch t {
	case TypeNodeSyncRequest:
		return "node-sync-request"
	case TypeNodeSyncReply:
		return "node-sync-reply"
	case TypeTimeSync:
		return "time-sync"
	case TypeSingle:
		return "single"
	case TypeBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}
