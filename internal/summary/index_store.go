package summary

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/strata/internal/shared"
)

// ErrCorruptIndex is returned by Load when the index file exists but cannot
// be decoded or does not match the index schema.
var ErrCorruptIndex = errors.New("summary: corrupt index")

//go:embed schema.json
var indexSchemaJSON []byte

var compiledIndexSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(indexSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal index schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("index.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add index schema resource: %w", err)
	}
	schema, err := c.Compile("index.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile index schema: %w", err)
	}
	return schema, nil
})

const indexFileName = "index.json"

// IndexStore persists one Index per agent at <root>/<agent>/index.json.
type IndexStore struct {
	root string

	// beforeRename is a test seam that runs after the new index has been
	// written to its temp file and before it replaces the committed one.
	beforeRename func(tmp string) error
}

// NewIndexStore returns a store rooted at root, normally <home>/memory.
func NewIndexStore(root string) *IndexStore {
	return &IndexStore{root: root}
}

// Path returns the index file location for agentID.
func (s *IndexStore) Path(agentID string) string {
	return filepath.Join(s.root, agentID, indexFileName)
}

// Load reads the index of agentID. A missing file yields a fresh empty
// index; an unreadable or invalid one is an error wrapping ErrCorruptIndex.
func (s *IndexStore) Load(agentID string) (*Index, error) {
	if err := shared.ValidateAgentID(agentID); err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	path := s.Path(agentID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewIndex(agentID), nil
		}
		return nil, fmt.Errorf("load index %s: %w", path, err)
	}

	schema, err := compiledIndexSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptIndex, path, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptIndex, path, err)
	}

	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptIndex, path, err)
	}
	if idx.AgentID != agentID {
		return nil, fmt.Errorf("%w: %s: belongs to agent %q", ErrCorruptIndex, path, idx.AgentID)
	}
	if idx.Version > IndexVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrCorruptIndex, path, idx.Version)
	}
	idx.fillDefaults()
	return &idx, nil
}

// Save commits idx as the index of agentID. The previous index stays intact
// until the new one is fully on disk.
func (s *IndexStore) Save(agentID string, idx *Index) error {
	if err := shared.ValidateAgentID(agentID); err != nil {
		return fmt.Errorf("save index: %w", err)
	}
	idx.AgentID = agentID
	idx.fillDefaults()

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	data = append(data, '\n')
	if err := writeFileAtomic(s.Path(agentID), data, s.beforeRename); err != nil {
		return fmt.Errorf("save index: %w", err)
	}
	return nil
}

func (idx *Index) fillDefaults() {
	if idx.Version == 0 {
		idx.Version = IndexVersion
	}
	if idx.Levels.L1 == nil {
		idx.Levels.L1 = []Entry{}
	}
	if idx.Levels.L2 == nil {
		idx.Levels.L2 = []Entry{}
	}
	if idx.Levels.L3 == nil {
		idx.Levels.L3 = []Entry{}
	}
	if idx.NextSeq == nil {
		idx.NextSeq = map[Level]int64{}
	}
	for _, level := range Levels {
		if _, ok := idx.NextSeq[level]; !ok {
			idx.NextSeq[level] = 0
		}
	}
}

// NextID allocates the next id at level. The sequence is the larger of the
// persisted counter and the highest id already present, plus one, so ids
// stay unique even if the counter was lost or edited.
func (idx *Index) NextID(level Level) string {
	if idx.NextSeq == nil {
		idx.NextSeq = map[Level]int64{}
	}
	seq := idx.NextSeq[level]
	for _, e := range idx.Entries(level) {
		if n, ok := parseSeq(level, e.ID); ok && n > seq {
			seq = n
		}
	}
	seq++
	idx.NextSeq[level] = seq
	return formatID(level, seq)
}
