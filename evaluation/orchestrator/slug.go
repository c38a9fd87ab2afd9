package orchestrator

import (
	"crypto/rand"
	"encoding/binary"
)

// slugAdjectives, slugMiddles and slugNouns back the human-readable run-id
// slug generator; three words joined by hyphens, matching ^[a-z]+-[a-z]+-[a-z]+$.
var slugAdjectives = []string{
	"quick", "calm", "bold", "quiet", "bright", "eager", "gentle", "brisk",
	"sharp", "steady", "lively", "agile", "tidy", "keen", "fair",
}

var slugNouns = []string{
	"lynx", "otter", "falcon", "heron", "badger", "sparrow", "marten",
	"wren", "vole", "osprey", "crane", "finch", "hare", "mole", "swift",
}

var slugMiddles = []string{
	"swift", "agile", "silent", "merry", "rapid", "humble", "stout",
	"nimble", "plucky", "sturdy",
}

// GenerateRunID produces a slug like "quick-agile-lynx" for runs the
// caller did not supply an id for.
func GenerateRunID() RunID {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	n := binary.BigEndian.Uint64(buf[:])

	a := slugAdjectives[n%uint64(len(slugAdjectives))]
	n /= uint64(len(slugAdjectives))
	m := slugMiddles[n%uint64(len(slugMiddles))]
	n /= uint64(len(slugMiddles))
	c := slugNouns[n%uint64(len(slugNouns))]

	return a + "-" + m + "-" + c
}
