package presence

import "hash/fnv"

// palette of collaborator colors. Assignment is deterministic per subject so
// a collaborator keeps their color across reconnects and devices.
var palette = []string{
	"#e64980",
	"#fa5252",
	"#fd7e14",
	"#fab005",
	"#82c91e",
	"#40c057",
	"#12b886",
	"#15aabf",
	"#228be6",
	"#4c6ef5",
	"#7950f2",
	"#be4bdb",
}

// ColorFor picks a stable palette color for the subject.
func ColorFor(subjectID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subjectID))
	return palette[h.Sum32()%uint32(len(palette))]
}
