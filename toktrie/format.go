package toktrie

const (
	// Magic identifies an encoded token trie.
	Magic = "TTRI"

	// Version is the only encoding version this package reads and writes.
	Version uint16 = 2

	// NoToken is reserved and never a valid token id.
	NoToken uint32 = 0xFFFFFFFF

	headerSize     = 20
	tokenEntrySize = 12
	nodeEntrySize  = 16
	termEntrySize  = 4
)

// Layout (little endian):
//
//	header : magic[4] | version u16 | flags u16 | numTokens u32 | numNodes u32 | textLen u32
//	tokens : numTokens x { id u32 | off u32 | len u32 }, ascending id
//	text   : textLen bytes
//	nodes  : numNodes x { firstTerm u32 | termCount u32 | firstChild u32 | childCount u16 | byte u8 | reserved u8 }
//	terms  : numTokens x { id u32 }
//
// Nodes are breadth first with node 0 as the root. Siblings are contiguous and
// sorted by byte. The terms table lists the ids ending at each node, grouped
// by node in node order and ascending within a node, so tokens with equal
// bytes share one node.

func encodedSize(numTokens, numNodes, textLen uint64) uint64 {
	return headerSize + numTokens*(tokenEntrySize+termEntrySize) + textLen + numNodes*nodeEntrySize
}
